package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/codeyard/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig     `mapstructure:"store" yaml:"store"`
	Channel       ChannelConfig   `mapstructure:"channel" yaml:"channel"`
	Workspace     WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	HTTP          HTTPConfig      `mapstructure:"http" yaml:"http"`
	Auth          AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Events        EventsConfig    `mapstructure:"events" yaml:"events"`
	Sandbox       SandboxConfig   `mapstructure:"sandbox" yaml:"sandbox"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// StoreConfig selects the workspace tree store.
type StoreConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

// ChannelConfig selects and configures the remote session transport.
type ChannelConfig struct {
	Driver       string                  `mapstructure:"driver" yaml:"driver"`
	RemoteRoot   string                  `mapstructure:"remote_root" yaml:"remote_root"`
	MaxLineBytes int                     `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
	Local        LocalChannelConfig      `mapstructure:"local" yaml:"local"`
	SSH          SSHChannelConfig        `mapstructure:"ssh" yaml:"ssh"`
	Podman       PodmanChannelConfig     `mapstructure:"podman" yaml:"podman"`
	Containerd   ContainerdChannelConfig `mapstructure:"containerd" yaml:"containerd"`
}

// LocalChannelConfig configures local shell sessions.
type LocalChannelConfig struct {
	Shell    string   `mapstructure:"shell" yaml:"shell"`
	Args     []string `mapstructure:"args" yaml:"args"`
	PTY      bool     `mapstructure:"pty" yaml:"pty"`
	WorkRoot string   `mapstructure:"work_root" yaml:"work_root"`
	KeepDirs bool     `mapstructure:"keep_dirs" yaml:"keep_dirs"`
}

// SSHChannelConfig configures sessions on a remote SSH host.
type SSHChannelConfig struct {
	Addr                  string `mapstructure:"addr" yaml:"addr"`
	User                  string `mapstructure:"user" yaml:"user"`
	Password              string `mapstructure:"password" yaml:"password"`
	KeyPath               string `mapstructure:"key_path" yaml:"key_path"`
	KnownHosts            string `mapstructure:"known_hosts" yaml:"known_hosts"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
	PTY                   bool   `mapstructure:"pty" yaml:"pty"`
	// Identity names an encrypted key from the identity store; it replaces key_path.
	Identity              string `mapstructure:"identity" yaml:"identity"`
	KeyStore              string `mapstructure:"key_store" yaml:"key_store"`
	KeyDir                string `mapstructure:"key_dir" yaml:"key_dir"`
}

// PodmanChannelConfig configures container sessions through the podman API.
type PodmanChannelConfig struct {
	Address           string `mapstructure:"address" yaml:"address"`
	UserNSMode        string `mapstructure:"userns_mode" yaml:"userns_mode"`
	ContainerSettings `mapstructure:",squash" yaml:",inline"`
}

// ContainerdChannelConfig configures container sessions on a containerd daemon.
type ContainerdChannelConfig struct {
	Address           string `mapstructure:"address" yaml:"address"`
	Namespace         string `mapstructure:"namespace" yaml:"namespace"`
	ContainerSettings `mapstructure:",squash" yaml:",inline"`
}

// ContainerSettings describes the sandbox container every session gets,
// whichever runtime starts it.
type ContainerSettings struct {
	Image              string            `mapstructure:"image" yaml:"image"`
	Workdir            string            `mapstructure:"workdir" yaml:"workdir"`
	Shell              string            `mapstructure:"shell" yaml:"shell"`
	Env                map[string]string `mapstructure:"env" yaml:"env"`
	MemoryMB           int64             `mapstructure:"memory_mb" yaml:"memory_mb"`
	CPUs               float64           `mapstructure:"cpus" yaml:"cpus"`
	Network            bool              `mapstructure:"network" yaml:"network"`
	ExecTimeoutSeconds int               `mapstructure:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`
	PullTimeoutMinutes int               `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
}

// WorkspaceConfig holds editor, sync, and run limits.
type WorkspaceConfig struct {
	Autosave                    bool              `mapstructure:"autosave" yaml:"autosave"`
	AutosaveDelayMS             int               `mapstructure:"autosave_delay_ms" yaml:"autosave_delay_ms"`
	SaveTimeoutSeconds          int               `mapstructure:"save_timeout_seconds" yaml:"save_timeout_seconds"`
	SessionCreateTimeoutSeconds int               `mapstructure:"session_create_timeout_seconds" yaml:"session_create_timeout_seconds"`
	StepTimeoutSeconds          int               `mapstructure:"step_timeout_seconds" yaml:"step_timeout_seconds"`
	RunTimeoutSeconds           int               `mapstructure:"run_timeout_seconds" yaml:"run_timeout_seconds"`
	OutputMaxBytes              int               `mapstructure:"output_max_bytes" yaml:"output_max_bytes"`
	RunCommands                 map[string]string `mapstructure:"run_commands" yaml:"run_commands"`
	// Languages maps a file extension without the dot to a language.
	Languages                   map[string]string `mapstructure:"languages" yaml:"languages"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	BasePath     string `mapstructure:"base_path" yaml:"base_path"`
	Metrics      bool   `mapstructure:"metrics" yaml:"metrics"`
	EventHistory int    `mapstructure:"event_history" yaml:"event_history"`
}

// AuthConfig gates the HTTP API behind user logins.
type AuthConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	UserFile        string `mapstructure:"user_file" yaml:"user_file"`
	SessionCookie   string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
}

// EventsConfig configures external event publishing.
type EventsConfig struct {
	NATS NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// NATSConfig configures the NATS event mirror; an empty URL disables it.
type NATSConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	User       string `mapstructure:"user" yaml:"user"`
	Password   string `mapstructure:"password" yaml:"password"`
	Prefix     string `mapstructure:"prefix" yaml:"prefix"`
	Stream     string `mapstructure:"stream" yaml:"stream"`
	SkipOutput bool   `mapstructure:"skip_output" yaml:"skip_output"`
}

// SandboxConfig configures the bundled SSH sandbox host.
type SandboxConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
	Password           string `mapstructure:"password" yaml:"password"`
	Shell              string `mapstructure:"shell" yaml:"shell"`
	WorkRoot           string `mapstructure:"work_root" yaml:"work_root"`
	KeepDirs           bool   `mapstructure:"keep_dirs" yaml:"keep_dirs"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	uid := os.Getuid()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", uid))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".codeyard", "state"),
		Store: StoreConfig{
			Driver:      "file",
			Compress:    false,
			PostgresDSN: "",
		},
		Channel: ChannelConfig{
			Driver:       "local",
			RemoteRoot:   ".",
			MaxLineBytes: 0,
			Local: LocalChannelConfig{
				Shell:    "/bin/sh",
				Args:     []string{},
				PTY:      false,
				WorkRoot: filepath.Join(home, ".codeyard", "sessions"),
				KeepDirs: false,
			},
			SSH: SSHChannelConfig{
				Addr:       "127.0.0.1:27522",
				User:       "codeyard",
				KeyPath:    filepath.Join(home, ".ssh", "id_ed25519"),
				KnownHosts: filepath.Join(home, ".ssh", "known_hosts"),
				PTY:        false,
				Identity:   "",
				KeyStore:   filepath.Join(home, ".codeyard", "keys", "keystore.pb"),
				KeyDir:     filepath.Join(home, ".codeyard", "keys", "identities"),
			},
			Podman: PodmanChannelConfig{
				Address:           fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
				UserNSMode:        "keep-id",
				ContainerSettings: defaultContainerSettings(),
			},
			Containerd: ContainerdChannelConfig{
				Address:           fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace:         "codeyard",
				ContainerSettings: defaultContainerSettings(),
			},
		},
		Workspace: WorkspaceConfig{
			Autosave:                    true,
			AutosaveDelayMS:             int(schema.DefaultAutosaveDelay / time.Millisecond),
			SaveTimeoutSeconds:          10,
			SessionCreateTimeoutSeconds: 30,
			StepTimeoutSeconds:          10,
			RunTimeoutSeconds:           60,
			OutputMaxBytes:              schema.DefaultOutputMaxBytes,
			RunCommands:                 schema.DefaultRunCommands(),
			Languages:                   extensionKeys(schema.DefaultLanguages()),
		},
		HTTP: HTTPConfig{
			Addr:         ":27580",
			BasePath:     "",
			Metrics:      true,
			EventHistory: 512,
		},
		Auth: AuthConfig{
			Enabled:         false,
			UserFile:        filepath.Join(home, ".codeyard", "users.json"),
			SessionCookie:   "codeyard_session",
			SessionTTLHours: 12,
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				URL:    "",
				Prefix: "codeyard",
			},
		},
		Sandbox: SandboxConfig{
			Addr:               ":27522",
			HostKeyPath:        filepath.Join(home, ".codeyard", "sandbox_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".ssh", "authorized_keys"),
			Shell:              "/bin/sh",
			WorkRoot:           filepath.Join(home, ".codeyard", "sandbox"),
			KeepDirs:           false,
		},
	}, nil
}

func defaultContainerSettings() ContainerSettings {
	return ContainerSettings{
		Image:              "docker.io/library/python:3.12-alpine",
		Workdir:            "/workspace",
		Shell:              "/bin/sh",
		Env:                map[string]string{},
		MemoryMB:           512,
		CPUs:               1,
		Network:            false,
		ExecTimeoutSeconds: 0,
		PullTimeoutMinutes: 5,
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".codeyard", "config.yaml"), nil
}

// WorkspaceSettings converts the workspace section into core settings.
func (c Config) WorkspaceSettings() schema.WorkspaceConfig {
	w := c.Workspace
	return schema.WorkspaceConfig{
		StateDir:             c.StateDir,
		RemoteRoot:           c.Channel.RemoteRoot,
		Autosave:             w.Autosave,
		AutosaveDelay:        time.Duration(w.AutosaveDelayMS) * time.Millisecond,
		SaveTimeout:          time.Duration(w.SaveTimeoutSeconds) * time.Second,
		SessionCreateTimeout: time.Duration(w.SessionCreateTimeoutSeconds) * time.Second,
		StepTimeout:          time.Duration(w.StepTimeoutSeconds) * time.Second,
		RunTimeout:           time.Duration(w.RunTimeoutSeconds) * time.Second,
		OutputMaxBytes:       w.OutputMaxBytes,
		RunCommands:          w.RunCommands,
		Languages:            dottedKeys(w.Languages),
	}
}

// Viper splits keys on dots, so the languages table is keyed by bare
// extensions ("py") in the file and by dotted extensions (".py") in core.
func extensionKeys(languages map[string]string) map[string]string {
	out := make(map[string]string, len(languages))
	for ext, lang := range languages {
		out[strings.TrimPrefix(ext, ".")] = lang
	}
	return out
}

func dottedKeys(languages map[string]string) map[string]string {
	if len(languages) == 0 {
		return nil
	}
	out := make(map[string]string, len(languages))
	for ext, lang := range languages {
		out["."+strings.ToLower(strings.TrimPrefix(ext, "."))] = lang
	}
	return out
}
