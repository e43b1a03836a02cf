package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/codeyard/internal/auth"
)

func writeUsersConfig(t *testing.T, dir string) (string, string) {
	t.Helper()
	userFile := filepath.Join(dir, "users.json")
	body := strings.Join([]string{
		"config_version: 1",
		"state_dir: " + filepath.Join(dir, "state"),
		"auth:",
		"  enabled: true",
		"  user_file: " + userFile,
		"",
	}, "\n")
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, userFile
}

func loadUsers(t *testing.T, path string) []auth.User {
	t.Helper()
	store, err := auth.NewStore(path, nil)
	if err != nil {
		t.Fatalf("user store: %v", err)
	}
	return store.LoadUsers()
}

func TestUsersAddRejectsInvalidUsername(t *testing.T) {
	cfgPath, _ := writeUsersConfig(t, t.TempDir())
	if _, err := execute(t, "users", "-c", cfgPath, "add", "BadUser", "--auto-password"); err == nil {
		t.Fatalf("expected error for invalid username")
	}
}

func TestUsersAddListDelete(t *testing.T) {
	cfgPath, userFile := writeUsersConfig(t, t.TempDir())

	out, err := execute(t, "users", "-c", cfgPath, "add", "alice.dev", "--auto-password")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "password: ") || !strings.Contains(out, "otpauth://") {
		t.Fatalf("enrollment output missing fields: %q", out)
	}
	users := loadUsers(t, userFile)
	if len(users) != 1 || users[0].Username != "alice.dev" || users[0].TOTPSecret == "" {
		t.Fatalf("unexpected users %+v", users)
	}

	if _, err := execute(t, "users", "-c", cfgPath, "add", "bob", "--auto-password", "--no-totp"); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	out, err = execute(t, "users", "-c", cfgPath, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "alice.dev\ttotp") || !strings.Contains(out, "bob\tpassword-only") {
		t.Fatalf("unexpected list %q", out)
	}

	if _, err := execute(t, "users", "-c", cfgPath, "delete", "alice.dev"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	users = loadUsers(t, userFile)
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("expected only bob, got %+v", users)
	}
}

func TestUsersChpasswdFromStdin(t *testing.T) {
	cfgPath, userFile := writeUsersConfig(t, t.TempDir())
	if _, err := execute(t, "users", "-c", cfgPath, "add", "carol", "--auto-password", "--no-totp"); err != nil {
		t.Fatalf("add: %v", err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"users", "-c", cfgPath, "chpasswd", "carol", "--password-from-stdin"})
	root.SetIn(strings.NewReader("hunter22\n"))
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.ExecuteContext(quietContext()); err != nil {
		t.Fatalf("chpasswd: %v", err)
	}

	store, err := auth.NewStore(userFile, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Authenticate("carol", "hunter22", ""); err != nil {
		t.Fatalf("authenticate with new password: %v", err)
	}
}

func TestUsersRotateTOTPDisable(t *testing.T) {
	cfgPath, userFile := writeUsersConfig(t, t.TempDir())
	if _, err := execute(t, "users", "-c", cfgPath, "add", "dave", "--auto-password"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := execute(t, "users", "-c", cfgPath, "rotate-totp", "dave", "--disable"); err != nil {
		t.Fatalf("rotate-totp: %v", err)
	}
	if users := loadUsers(t, userFile); len(users) != 1 || users[0].TOTPSecret != "" {
		t.Fatalf("expected totp disabled, got %+v", users)
	}
}

func TestPasswordSourceResolve(t *testing.T) {
	cmd := newUsersCmd()
	if _, _, err := (passwordSource{stdin: true, auto: true}).resolve(cmd); err == nil {
		t.Fatalf("expected conflict error")
	}
	pass, generated, err := (passwordSource{auto: true}).resolve(cmd)
	if err != nil || !generated || len(pass) != defaultPasswordLength {
		t.Fatalf("unexpected generated password %q %v %v", pass, generated, err)
	}
	for _, r := range pass {
		if !strings.ContainsRune(passwordAlphabet, r) {
			t.Fatalf("password %q has %q outside the alphabet", pass, r)
		}
	}
	cmd.SetIn(strings.NewReader("  \n"))
	if _, _, err := (passwordSource{stdin: true}).resolve(cmd); err == nil {
		t.Fatalf("expected blank stdin password to be rejected")
	}
}
