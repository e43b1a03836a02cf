package auth

import (
	"github.com/pquerna/otp/totp"
)

// TOTPIssuer labels enrolled authenticator entries.
const TOTPIssuer = "codeyard"

// GenerateTOTP mints a new secret for username and returns it with the
// otpauth:// URL authenticator apps enroll from.
func GenerateTOTP(username string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: username,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}
