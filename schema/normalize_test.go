package schema

import (
	"errors"
	"testing"
	"time"
)

func TestValidateWorkspaceID(t *testing.T) {
	for _, id := range []WorkspaceID{"demo", "team.one", "a_b-c", "X9"} {
		if err := ValidateWorkspaceID(id); err != nil {
			t.Fatalf("expected %q to be valid: %v", id, err)
		}
	}
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	for _, id := range []WorkspaceID{"", ".", "..", "a/b", "a b", "ws\n", WorkspaceID(long)} {
		if err := ValidateWorkspaceID(id); !errors.Is(err, ErrInvalidWorkspace) {
			t.Fatalf("expected %q to be rejected, got %v", id, err)
		}
	}
}

func TestValidateNodeName(t *testing.T) {
	for _, name := range []string{"main.py", "it's.py", "with space.txt", ".hidden"} {
		if err := ValidateNodeName(name); err != nil {
			t.Fatalf("expected %q to be valid: %v", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "a/b", " lead", "trail ", "nul\x00", "line\nbreak"} {
		if err := ValidateNodeName(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected %q to be rejected, got %v", name, err)
		}
	}
}

func TestCleanNodePath(t *testing.T) {
	cases := map[string]string{
		"main.py":       "/main.py",
		"/src//util.py": "/src/util.py",
		" src/./a.py ":  "/src/a.py",
		"src/lib/":      "/src/lib",
	}
	for in, want := range cases {
		got, ok := CleanNodePath(in)
		if !ok || got != want {
			t.Fatalf("CleanNodePath(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	for _, in := range []string{"", "/", "../etc", "a/../../b", "a\x00b", "a\nb"} {
		if got, ok := CleanNodePath(in); ok {
			t.Fatalf("expected %q to be rejected, got %q", in, got)
		}
	}
}

func TestLanguageForPath(t *testing.T) {
	table := DefaultLanguages()
	if got := LanguageForPath("/src/Main.PY", table); got != "python" {
		t.Fatalf("expected python, got %q", got)
	}
	if got := LanguageForPath("/Makefile", table); got != "" {
		t.Fatalf("expected no language, got %q", got)
	}
}

func TestNormalizeWorkspaceConfigDefaults(t *testing.T) {
	cfg, err := NormalizeWorkspaceConfig(WorkspaceConfig{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.RemoteRoot != "." || cfg.AutosaveDelay != DefaultAutosaveDelay || cfg.OutputMaxBytes != DefaultOutputMaxBytes {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.StepTimeout != 10*time.Second || cfg.RunTimeout != 60*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
	if cfg.RunCommands["python"] != "python3 {path}" {
		t.Fatalf("unexpected python command %q", cfg.RunCommands["python"])
	}
}

func TestNormalizeWorkspaceConfigRejects(t *testing.T) {
	if _, err := NormalizeWorkspaceConfig(WorkspaceConfig{StateDir: "x", RemoteRoot: "a\nb"}); err == nil {
		t.Fatalf("expected remote root rejection")
	}
	if _, err := NormalizeWorkspaceConfig(WorkspaceConfig{StateDir: "x", RunCommands: map[string]string{"python": " "}}); err == nil {
		t.Fatalf("expected empty command rejection")
	}
}

func TestSessionStatusLive(t *testing.T) {
	live := map[SessionStatus]bool{
		SessionAbsent:       false,
		SessionCreating:     true,
		SessionConnecting:   true,
		SessionConnected:    true,
		SessionDisconnected: false,
		SessionError:        false,
	}
	for status, want := range live {
		if status.Live() != want {
			t.Fatalf("%s: expected live=%v", status, want)
		}
	}
}
