// Package auth keeps the HTTP API user accounts: bcrypt password hashes and
// optional TOTP secrets in a JSON file that is reloaded when it changes on disk.
package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/pslog"
)

var (
	// ErrInvalidCredentials reports an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidTOTP reports a missing or wrong one-time code.
	ErrInvalidTOTP = errors.New("invalid totp")
	// ErrUserNotFound reports an update of an unknown user.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists reports a duplicate add.
	ErrUserExists = errors.New("user already exists")
)

// User represents a stored user account. An empty TOTPSecret disables the
// second factor for that user.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	TOTPSecret   string `json:"totp_secret,omitempty"`
}

// Store manages users stored on disk.
type Store struct {
	path      string
	mu        sync.RWMutex
	users     map[string]User
	fileState fileState
	log       pslog.Logger
}

// NewStore loads the user file at path, creating an empty one if missing.
func NewStore(path string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("user file path is required")
	}
	if logger != nil {
		logger = logger.With("user_file", path)
	}
	store := &Store{
		path:  path,
		users: make(map[string]User),
		log:   logger,
	}
	if err := store.ensureFile(); err != nil {
		return nil, err
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Authenticate verifies username, password, and totp.
func (s *Store) Authenticate(username, password, totpCode string) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	if user.TOTPSecret != "" && !totp.Validate(strings.TrimSpace(totpCode), user.TOTPSecret) {
		return ErrInvalidTOTP
	}
	return nil
}

// HashPassword returns the bcrypt hash stored for password.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// LoadUsers returns every user sorted by name.
func (s *Store) LoadUsers() []User {
	if err := s.refreshIfNeeded(); err != nil && s.log != nil {
		s.log.Warn("auth store refresh failed", "err", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// AddUser inserts a new user and persists the store.
func (s *Store) AddUser(user User) error {
	if err := ValidateUsername(user.Username); err != nil {
		return err
	}
	if strings.TrimSpace(user.PasswordHash) == "" {
		return errors.New("password hash is required")
	}
	return s.update("add", user.Username, func(users map[string]User) error {
		if _, ok := users[user.Username]; ok {
			return ErrUserExists
		}
		users[user.Username] = user
		return nil
	})
}

// UpdatePassword replaces the stored password hash.
func (s *Store) UpdatePassword(username, passwordHash string) error {
	if strings.TrimSpace(passwordHash) == "" {
		return errors.New("password hash is required")
	}
	return s.modify("password", username, func(u *User) { u.PasswordHash = passwordHash })
}

// UpdateTOTP replaces the stored TOTP secret. An empty secret disables TOTP.
func (s *Store) UpdateTOTP(username, secret string) error {
	return s.modify("totp", username, func(u *User) { u.TOTPSecret = strings.TrimSpace(secret) })
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(username string) error {
	return s.update("delete", username, func(users map[string]User) error {
		if _, ok := users[username]; !ok {
			return ErrUserNotFound
		}
		delete(users, username)
		return nil
	})
}

func (s *Store) modify(op, username string, fn func(*User)) error {
	return s.update(op, username, func(users map[string]User) error {
		user, ok := users[username]
		if !ok {
			return ErrUserNotFound
		}
		fn(&user)
		users[username] = user
		return nil
	})
}

// update applies fn to a copy of the user map and persists it; the
// in-memory map only changes when the write succeeds.
func (s *Store) update(op, username string, fn func(map[string]User) error) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]User, len(s.users)+1)
	for k, v := range s.users {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := s.saveLocked(next); err != nil {
		if s.log != nil {
			s.log.Warn("auth store save failed", "op", op, "user", username, "err", err)
		}
		return err
	}
	s.users = next
	if s.log != nil {
		s.log.Info("auth user updated", "op", op, "user", username)
	}
	return nil
}

// ValidateUsername accepts 1-64 characters of [a-z0-9._-] starting with a
// letter or digit.
func ValidateUsername(username string) error {
	if username == "" || len(username) > 64 {
		return errors.New("invalid username")
	}
	for i, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '.' || r == '_' || r == '-') && i > 0:
		default:
			return errors.New("invalid username")
		}
	}
	return nil
}

func (s *Store) ensureFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := s.saveLocked(map[string]User{}); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Info("auth store initialized")
	}
	return nil
}

func (s *Store) saveLocked(users map[string]User) error {
	list := make([]User, 0, len(users))
	for _, user := range users {
		list = append(list, user)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "users-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.fileState = fileStateFromInfo(info)
	}
	return nil
}

type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = stat.Ino
		state.dev = uint64(stat.Dev)
	}
	return state
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size &&
		s.modTime.Equal(other.modTime) &&
		s.inode == other.inode &&
		s.dev == other.dev
}

func (s *Store) refreshIfNeeded() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	s.mu.RLock()
	current := s.fileState
	s.mu.RUnlock()
	if current.equal(fileStateFromInfo(info)) {
		return nil
	}
	return s.loadFromDisk()
}

func (s *Store) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		if s.log != nil {
			s.log.Warn("auth store load failed", "err", err)
		}
		return err
	}
	next := make(map[string]User, len(users))
	for _, user := range users {
		if err := ValidateUsername(user.Username); err != nil {
			return err
		}
		next[user.Username] = user
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = next
	s.fileState = fileStateFromInfo(info)
	if s.log != nil {
		s.log.Debug("auth store load ok", "users", len(users))
	}
	return nil
}
