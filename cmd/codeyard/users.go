package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"pkt.systems/codeyard/internal/appconfig"
	"pkt.systems/codeyard/internal/auth"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	defaultPasswordLength = 20
	passwordAlphabet      = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

func newUsersCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage HTTP API logins",
		Long:  "Manage the user file the HTTP API authenticates against when auth.enabled is set.",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.AddCommand(
		newUsersListCmd(&cfgPath),
		newUsersAddCmd(&cfgPath),
		newUsersDeleteCmd(&cfgPath),
		newUsersChpasswdCmd(&cfgPath),
		newUsersRotateTOTPCmd(&cfgPath),
	)
	return cmd
}

// userCommand wraps a RunE that needs the configured user store and a
// validated username argument.
func userCommand(cfgPath *string, run func(cmd *cobra.Command, store *auth.Store, username string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		username := args[0]
		if err := auth.ValidateUsername(username); err != nil {
			return err
		}
		cfg, err := appconfig.Load(*cfgPath)
		if err != nil {
			return err
		}
		store, err := auth.NewStore(cfg.Auth.UserFile, pslog.Ctx(cmd.Context()))
		if err != nil {
			return err
		}
		return run(cmd, store, username)
	}
}

func newUsersListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			store, err := auth.NewStore(cfg.Auth.UserFile, pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			for _, user := range store.LoadUsers() {
				mode := "totp"
				if user.TOTPSecret == "" {
					mode = "password-only"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", user.Username, mode)
			}
			return nil
		},
	}
}

func newUsersAddCmd(cfgPath *string) *cobra.Command {
	var pw passwordSource
	var noTOTP bool
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: userCommand(cfgPath, func(cmd *cobra.Command, store *auth.Store, username string) error {
			e := enrollment{username: username}
			var err error
			if e.password, e.showPassword, err = pw.resolve(cmd); err != nil {
				return err
			}
			hash, err := auth.HashPassword(e.password)
			if err != nil {
				return err
			}
			if !noTOTP {
				if e.secret, e.url, err = auth.GenerateTOTP(username); err != nil {
					return err
				}
			}
			if err := store.AddUser(auth.User{Username: username, PasswordHash: hash, TOTPSecret: e.secret}); err != nil {
				return err
			}
			e.print(cmd.OutOrStdout())
			return nil
		}),
	}
	pw.register(cmd)
	cmd.Flags().BoolVar(&noTOTP, "no-totp", false, "log in with the password alone")
	return cmd
}

func newUsersDeleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: userCommand(cfgPath, func(cmd *cobra.Command, store *auth.Store, username string) error {
			if err := store.DeleteUser(username); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted user: %s\n", username)
			return nil
		}),
	}
}

func newUsersChpasswdCmd(cfgPath *string) *cobra.Command {
	var pw passwordSource
	cmd := &cobra.Command{
		Use:   "chpasswd <username>",
		Short: "Change a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: userCommand(cfgPath, func(cmd *cobra.Command, store *auth.Store, username string) error {
			e := enrollment{username: username}
			var err error
			if e.password, e.showPassword, err = pw.resolve(cmd); err != nil {
				return err
			}
			hash, err := auth.HashPassword(e.password)
			if err != nil {
				return err
			}
			if err := store.UpdatePassword(username, hash); err != nil {
				return err
			}
			e.print(cmd.OutOrStdout())
			return nil
		}),
	}
	pw.register(cmd)
	return cmd
}

func newUsersRotateTOTPCmd(cfgPath *string) *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "rotate-totp <username>",
		Short: "Rotate or disable a user's TOTP secret",
		Args:  cobra.ExactArgs(1),
		RunE: userCommand(cfgPath, func(cmd *cobra.Command, store *auth.Store, username string) error {
			e := enrollment{username: username}
			if !disable {
				var err error
				if e.secret, e.url, err = auth.GenerateTOTP(username); err != nil {
					return err
				}
			}
			// An empty secret turns TOTP off for the user.
			if err := store.UpdateTOTP(username, e.secret); err != nil {
				return err
			}
			e.print(cmd.OutOrStdout())
			return nil
		}),
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "remove the TOTP secret")
	return cmd
}

// passwordSource picks where a new password comes from: stdin, a random
// generator or an interactive prompt.
type passwordSource struct {
	stdin bool
	auto  bool
}

func (p *passwordSource) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&p.stdin, "password-from-stdin", false, "read password from stdin")
	cmd.Flags().BoolVar(&p.auto, "auto-password", false, "generate a random password")
	cmd.MarkFlagsMutuallyExclusive("password-from-stdin", "auto-password")
}

// resolve returns the password and whether it was generated, in which case
// it must be shown to the operator.
func (p passwordSource) resolve(cmd *cobra.Command) (string, bool, error) {
	switch {
	case p.stdin && p.auto:
		return "", false, errors.New("choose one of --password-from-stdin or --auto-password")
	case p.stdin:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", false, err
		}
		pass := strings.TrimSpace(string(data))
		if pass == "" {
			return "", false, errors.New("password from stdin is empty")
		}
		return pass, false, nil
	case p.auto:
		pass, err := generatePassword(defaultPasswordLength)
		return pass, err == nil, err
	}
	first, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", false, err
	}
	if len(first) == 0 {
		return "", false, errors.New("password is empty")
	}
	again, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Confirm password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", false, err
	}
	if string(first) != string(again) {
		return "", false, errors.New("passwords do not match")
	}
	return string(first), false, nil
}

// generatePassword draws uniformly from an alphabet without look-alike
// characters.
func generatePassword(length int) (string, error) {
	if length <= 0 {
		length = defaultPasswordLength
	}
	limit := big.NewInt(int64(len(passwordAlphabet)))
	var b strings.Builder
	b.Grow(length)
	for range length {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// enrollment is what an operator hands to a user after add, chpasswd or
// rotate-totp.
type enrollment struct {
	username     string
	password     string
	showPassword bool
	secret       string
	url          string
}

func (e enrollment) print(w io.Writer) {
	_, _ = fmt.Fprintf(w, "username: %s\n", e.username)
	if e.showPassword && e.password != "" {
		_, _ = fmt.Fprintf(w, "password: %s\n", e.password)
	}
	if e.secret == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "totp_secret: %s\notpauth_url: %s\ntotp_qr:\n", e.secret, e.url)
	qrterminal.GenerateHalfBlock(e.url, qrterminal.L, w)
}
