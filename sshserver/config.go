package sshserver

// Config defines sandbox SSH server settings.
type Config struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	Password           string
	Shell              string
	WorkRoot           string
	KeepDirs           bool
}
