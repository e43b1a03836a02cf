package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/codeyard/schema"
)

// EnvPrefix prefixes environment overrides, e.g. CODEYARD_CHANNEL_DRIVER.
const EnvPrefix = "CODEYARD"

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.compress", cfg.Store.Compress)
	v.SetDefault("store.postgres_dsn", cfg.Store.PostgresDSN)
	v.SetDefault("channel.driver", cfg.Channel.Driver)
	v.SetDefault("channel.remote_root", cfg.Channel.RemoteRoot)
	v.SetDefault("channel.max_line_bytes", cfg.Channel.MaxLineBytes)
	v.SetDefault("channel.local.shell", cfg.Channel.Local.Shell)
	v.SetDefault("channel.local.args", cfg.Channel.Local.Args)
	v.SetDefault("channel.local.pty", cfg.Channel.Local.PTY)
	v.SetDefault("channel.local.work_root", cfg.Channel.Local.WorkRoot)
	v.SetDefault("channel.local.keep_dirs", cfg.Channel.Local.KeepDirs)
	v.SetDefault("channel.ssh.addr", cfg.Channel.SSH.Addr)
	v.SetDefault("channel.ssh.user", cfg.Channel.SSH.User)
	v.SetDefault("channel.ssh.password", cfg.Channel.SSH.Password)
	v.SetDefault("channel.ssh.key_path", cfg.Channel.SSH.KeyPath)
	v.SetDefault("channel.ssh.known_hosts", cfg.Channel.SSH.KnownHosts)
	v.SetDefault("channel.ssh.insecure_ignore_host_key", cfg.Channel.SSH.InsecureIgnoreHostKey)
	v.SetDefault("channel.ssh.pty", cfg.Channel.SSH.PTY)
	v.SetDefault("channel.ssh.identity", cfg.Channel.SSH.Identity)
	v.SetDefault("channel.ssh.key_store", cfg.Channel.SSH.KeyStore)
	v.SetDefault("channel.ssh.key_dir", cfg.Channel.SSH.KeyDir)
	v.SetDefault("channel.podman.address", cfg.Channel.Podman.Address)
	v.SetDefault("channel.podman.userns_mode", cfg.Channel.Podman.UserNSMode)
	setContainerDefaults(v, "channel.podman", cfg.Channel.Podman.ContainerSettings)
	v.SetDefault("channel.containerd.address", cfg.Channel.Containerd.Address)
	v.SetDefault("channel.containerd.namespace", cfg.Channel.Containerd.Namespace)
	setContainerDefaults(v, "channel.containerd", cfg.Channel.Containerd.ContainerSettings)
	v.SetDefault("workspace.autosave", cfg.Workspace.Autosave)
	v.SetDefault("workspace.autosave_delay_ms", cfg.Workspace.AutosaveDelayMS)
	v.SetDefault("workspace.save_timeout_seconds", cfg.Workspace.SaveTimeoutSeconds)
	v.SetDefault("workspace.session_create_timeout_seconds", cfg.Workspace.SessionCreateTimeoutSeconds)
	v.SetDefault("workspace.step_timeout_seconds", cfg.Workspace.StepTimeoutSeconds)
	v.SetDefault("workspace.run_timeout_seconds", cfg.Workspace.RunTimeoutSeconds)
	v.SetDefault("workspace.output_max_bytes", cfg.Workspace.OutputMaxBytes)
	v.SetDefault("workspace.run_commands", cfg.Workspace.RunCommands)
	v.SetDefault("workspace.languages", cfg.Workspace.Languages)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.metrics", cfg.HTTP.Metrics)
	v.SetDefault("http.event_history", cfg.HTTP.EventHistory)
	v.SetDefault("auth.enabled", cfg.Auth.Enabled)
	v.SetDefault("auth.user_file", cfg.Auth.UserFile)
	v.SetDefault("auth.session_cookie", cfg.Auth.SessionCookie)
	v.SetDefault("auth.session_ttl_hours", cfg.Auth.SessionTTLHours)
	v.SetDefault("events.nats.url", cfg.Events.NATS.URL)
	v.SetDefault("events.nats.user", cfg.Events.NATS.User)
	v.SetDefault("events.nats.password", cfg.Events.NATS.Password)
	v.SetDefault("events.nats.prefix", cfg.Events.NATS.Prefix)
	v.SetDefault("events.nats.stream", cfg.Events.NATS.Stream)
	v.SetDefault("events.nats.skip_output", cfg.Events.NATS.SkipOutput)
	v.SetDefault("sandbox.addr", cfg.Sandbox.Addr)
	v.SetDefault("sandbox.host_key_path", cfg.Sandbox.HostKeyPath)
	v.SetDefault("sandbox.authorized_keys_path", cfg.Sandbox.AuthorizedKeysPath)
	v.SetDefault("sandbox.password", cfg.Sandbox.Password)
	v.SetDefault("sandbox.shell", cfg.Sandbox.Shell)
	v.SetDefault("sandbox.work_root", cfg.Sandbox.WorkRoot)
	v.SetDefault("sandbox.keep_dirs", cfg.Sandbox.KeepDirs)
}

func setContainerDefaults(v *viper.Viper, prefix string, c ContainerSettings) {
	v.SetDefault(prefix+".image", c.Image)
	v.SetDefault(prefix+".workdir", c.Workdir)
	v.SetDefault(prefix+".shell", c.Shell)
	v.SetDefault(prefix+".env", c.Env)
	v.SetDefault(prefix+".memory_mb", c.MemoryMB)
	v.SetDefault(prefix+".cpus", c.CPUs)
	v.SetDefault(prefix+".network", c.Network)
	v.SetDefault(prefix+".exec_timeout_seconds", c.ExecTimeoutSeconds)
	v.SetDefault(prefix+".pull_timeout_minutes", c.PullTimeoutMinutes)
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// SetConfigFile reports a missing explicit path as a plain fs error.
	return errors.Is(err, fs.ErrNotExist)
}

// Validate checks cross-field constraints after defaults are applied.
func Validate(cfg Config) error {
	switch cfg.Store.Driver {
	case "file":
	case "postgres":
		if strings.TrimSpace(cfg.Store.PostgresDSN) == "" {
			return fmt.Errorf("store.postgres_dsn is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", cfg.Store.Driver)
	}
	switch cfg.Channel.Driver {
	case "local":
	case "ssh":
		if strings.TrimSpace(cfg.Channel.SSH.Addr) == "" {
			return fmt.Errorf("channel.ssh.addr is required when channel.driver is ssh")
		}
		if id := cfg.Channel.SSH.Identity; id != "" {
			if err := schema.ValidateWorkspaceID(schema.WorkspaceID(id)); err != nil {
				return fmt.Errorf("channel.ssh.identity %q is not a valid identity name", id)
			}
			if strings.TrimSpace(cfg.Channel.SSH.KeyStore) == "" || strings.TrimSpace(cfg.Channel.SSH.KeyDir) == "" {
				return fmt.Errorf("channel.ssh.key_store and channel.ssh.key_dir are required with channel.ssh.identity")
			}
		}
	case "podman":
		if err := validateContainer("podman", cfg.Channel.Podman.ContainerSettings); err != nil {
			return err
		}
	case "containerd":
		if err := validateContainer("containerd", cfg.Channel.Containerd.ContainerSettings); err != nil {
			return err
		}
		if err := schema.ValidateWorkspaceID(schema.WorkspaceID(cfg.Channel.Containerd.Namespace)); err != nil {
			return fmt.Errorf("channel.containerd.namespace %q is not a valid namespace", cfg.Channel.Containerd.Namespace)
		}
	default:
		return fmt.Errorf("unsupported channel.driver %q", cfg.Channel.Driver)
	}
	if cfg.Channel.MaxLineBytes < 0 {
		return fmt.Errorf("channel.max_line_bytes must not be negative")
	}
	for lang, template := range cfg.Workspace.RunCommands {
		if strings.TrimSpace(template) == "" {
			return fmt.Errorf("workspace.run_commands.%s is empty", lang)
		}
	}
	if cfg.Auth.Enabled {
		if strings.TrimSpace(cfg.Auth.UserFile) == "" {
			return fmt.Errorf("auth.user_file is required when auth is enabled")
		}
		if cfg.Auth.SessionTTLHours <= 0 {
			return fmt.Errorf("auth.session_ttl_hours must be positive")
		}
	}
	basePath := strings.TrimSpace(cfg.HTTP.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func validateContainer(driver string, c ContainerSettings) error {
	if strings.TrimSpace(c.Image) == "" {
		return fmt.Errorf("channel.%s.image is required when channel.driver is %s", driver, driver)
	}
	if !strings.HasPrefix(c.Workdir, "/") {
		return fmt.Errorf("channel.%s.workdir must be an absolute path", driver)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Store.PostgresDSN = expandEnv(cfg.Store.PostgresDSN)
	cfg.Channel.Local.Shell = expandEnv(cfg.Channel.Local.Shell)
	cfg.Channel.Local.WorkRoot = expandEnv(cfg.Channel.Local.WorkRoot)
	cfg.Channel.SSH.Password = expandEnv(cfg.Channel.SSH.Password)
	cfg.Channel.SSH.KeyPath = expandEnv(cfg.Channel.SSH.KeyPath)
	cfg.Channel.SSH.KnownHosts = expandEnv(cfg.Channel.SSH.KnownHosts)
	cfg.Channel.SSH.KeyStore = expandEnv(cfg.Channel.SSH.KeyStore)
	cfg.Channel.SSH.KeyDir = expandEnv(cfg.Channel.SSH.KeyDir)
	cfg.Channel.Podman.Address = expandEnv(cfg.Channel.Podman.Address)
	cfg.Channel.Containerd.Address = expandEnv(cfg.Channel.Containerd.Address)
	cfg.Auth.UserFile = expandEnv(cfg.Auth.UserFile)
	cfg.Events.NATS.URL = expandEnv(cfg.Events.NATS.URL)
	cfg.Events.NATS.Password = expandEnv(cfg.Events.NATS.Password)
	cfg.Sandbox.HostKeyPath = expandEnv(cfg.Sandbox.HostKeyPath)
	cfg.Sandbox.AuthorizedKeysPath = expandEnv(cfg.Sandbox.AuthorizedKeysPath)
	cfg.Sandbox.Password = expandEnv(cfg.Sandbox.Password)
	cfg.Sandbox.WorkRoot = expandEnv(cfg.Sandbox.WorkRoot)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	value = expandHome(value)
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func expandHome(value string) string {
	if value != "~" && !strings.HasPrefix(value, "~/") {
		return value
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value
	}
	return filepath.Join(home, strings.TrimPrefix(value, "~"))
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
