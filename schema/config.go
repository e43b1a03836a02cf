package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorkspaceConfig defines defaults and limits for workspace instances.
type WorkspaceConfig struct {
	StateDir string
	// RemoteRoot is the directory on the remote side that mirrors the tree root.
	RemoteRoot           string
	Autosave             bool
	AutosaveDelay        time.Duration
	SaveTimeout          time.Duration
	SessionCreateTimeout time.Duration
	StepTimeout          time.Duration
	RunTimeout           time.Duration
	OutputMaxBytes       int
	// RunCommands maps a language to a command template containing {path}.
	RunCommands map[string]string
	// Languages maps a lowercase file extension (with dot) to a language.
	Languages map[string]string
}

const (
	// DefaultAutosaveDelay is the autosave debounce delay.
	DefaultAutosaveDelay = 1500 * time.Millisecond
	// DefaultOutputMaxBytes bounds the in-memory session output log.
	DefaultOutputMaxBytes = 1 << 20
	// PathPlaceholder is replaced by the quoted remote path in run commands.
	PathPlaceholder = "{path}"
)

// DefaultRunCommands returns the built-in run command templates.
func DefaultRunCommands() map[string]string {
	return map[string]string{
		"python":     "python3 {path}",
		"javascript": "node {path}",
		"shell":      "sh {path}",
		"bash":       "bash {path}",
		"ruby":       "ruby {path}",
		"perl":       "perl {path}",
		"lua":        "lua {path}",
		"go":         "go run {path}",
	}
}

// DefaultLanguages returns the built-in extension to language table.
func DefaultLanguages() map[string]string {
	return map[string]string{
		".py":   "python",
		".js":   "javascript",
		".mjs":  "javascript",
		".sh":   "shell",
		".bash": "bash",
		".rb":   "ruby",
		".pl":   "perl",
		".lua":  "lua",
		".go":   "go",
	}
}

// NormalizeWorkspaceConfig applies defaults and validates the config.
func NormalizeWorkspaceConfig(cfg WorkspaceConfig) (WorkspaceConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return WorkspaceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".codeyard", "state")
	}
	cfg.RemoteRoot = strings.TrimSpace(cfg.RemoteRoot)
	if cfg.RemoteRoot == "" {
		cfg.RemoteRoot = "."
	}
	if strings.ContainsAny(cfg.RemoteRoot, "\x00\n\r") {
		return WorkspaceConfig{}, errors.New("remote root contains control characters")
	}
	if cfg.AutosaveDelay <= 0 {
		cfg.AutosaveDelay = DefaultAutosaveDelay
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}
	if cfg.SessionCreateTimeout <= 0 {
		cfg.SessionCreateTimeout = 30 * time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 60 * time.Second
	}
	if cfg.OutputMaxBytes <= 0 {
		cfg.OutputMaxBytes = DefaultOutputMaxBytes
	}
	if len(cfg.RunCommands) == 0 {
		cfg.RunCommands = DefaultRunCommands()
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultLanguages()
	}
	for lang, template := range cfg.RunCommands {
		if strings.TrimSpace(template) == "" {
			return WorkspaceConfig{}, errors.New("run command for " + lang + " is empty")
		}
	}
	return cfg, nil
}
