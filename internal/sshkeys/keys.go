// Package sshkeys keeps the client identities the ssh channel driver logs in
// with. Private keys are encrypted at rest under a kryptograf root key.
package sshkeys

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"pkt.systems/codeyard/schema"
	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	// KeyTypeEd25519 requests Ed25519 key generation.
	KeyTypeEd25519 = "ed25519"
	// KeyTypeRSA requests RSA key generation.
	KeyTypeRSA = "rsa"
	// DefaultRSABits is the default RSA key size in bits.
	DefaultRSABits   = 3072
	keyFile          = "key.enc"
	pubFile          = "key.pub"
	descriptorPrefix = "codeyard:identity:"
)

// Store manages named identities below keyDir.
type Store struct {
	storePath string
	keyDir    string
	log       pslog.Logger
}

// NewStore opens the key store at storePath, creating its root key on first
// use, and the identity directory keyDir.
func NewStore(storePath, keyDir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(keyDir) == "" {
		return nil, errors.New("identity directory is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if strings.TrimSpace(storePath) == "" {
		return nil, errors.New("key store path is required")
	}
	logger = logger.With("key_store", storePath)
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		return nil, err
	}
	if err := ensureRootKey(storePath); err != nil {
		logger.Warn("key store init failed", "err", err)
		return nil, err
	}
	logger.Debug("key store ready")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}
	return &Store{storePath: storePath, keyDir: keyDir, log: logger}, nil
}

// Generate writes a new identity and returns its authorized_keys line.
// An existing identity is only replaced when rotate is set; rotation also
// mints a new data key.
func (s *Store) Generate(name, keyType string, bits int, rotate bool) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if !rotate {
		exists, err := s.exists(name)
		if err != nil {
			return "", err
		}
		if exists {
			return "", fmt.Errorf("identity %s already exists", name)
		}
	}
	pub, err := s.write(name, keyType, bits, rotate)
	if err != nil {
		s.log.Warn("identity write failed", "identity", name, "err", err)
		return "", err
	}
	s.log.Info("identity written", "identity", name, "type", keyType, "rotated", rotate)
	return pub, nil
}

// Ensure returns the public key of name, generating the identity if missing.
func (s *Store) Ensure(name, keyType string, bits int) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	exists, err := s.exists(name)
	if err != nil {
		return "", err
	}
	if !exists {
		return s.Generate(name, keyType, bits, false)
	}
	return s.PublicKey(name)
}

// Remove deletes the identity. Removing a missing identity is not an error.
func (s *Store) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir(name)); err != nil {
		s.log.Warn("identity remove failed", "identity", name, "err", err)
		return err
	}
	s.log.Info("identity removed", "identity", name)
	return nil
}

// Signer decrypts the identity for use as an ssh.AuthMethod. A missing
// identity reports os.ErrNotExist.
func (s *Store) Signer(name string) (ssh.Signer, error) {
	priv, err := s.privateKey(name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("identity load failed", "identity", name, "err", err)
		}
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// PublicKey returns the authorized_keys line of the identity.
func (s *Store) PublicKey(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.dir(name), pubFile))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	signer, err := s.Signer(name)
	if err != nil {
		return "", err
	}
	return authorizedKey(signer), nil
}

func (s *Store) privateKey(name string) (crypto.PrivateKey, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.dir(name), keyFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	material, root, err := s.material(name, false)
	if err != nil {
		return nil, err
	}
	reader, err := kryptograf.New(root).DecryptReader(file, material)
	if err != nil {
		return nil, fmt.Errorf("decrypt identity %s: %w", name, err)
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decrypt identity %s: %w", name, err)
	}
	return ssh.ParseRawPrivateKey(plain)
}

func (s *Store) write(name, keyType string, bits int, rotate bool) (string, error) {
	priv, err := newPrivateKey(keyType, bits)
	if err != nil {
		return "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, "codeyard "+name)
	if err != nil {
		return "", err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return "", err
	}
	material, root, err := s.material(name, rotate)
	if err != nil {
		return "", err
	}
	dir := s.dir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	if err := encryptFile(filepath.Join(dir, keyFile), pem.EncodeToMemory(block), root, material); err != nil {
		return "", err
	}
	pub := authorizedKey(signer)
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(pub+"\n"), 0o644); err != nil {
		return "", err
	}
	return pub, nil
}

// encryptFile writes plain encrypted to path through a temp file and rename.
func encryptFile(path string, plain []byte, root keymgmt.RootKey, material keymgmt.Material) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "key-*.enc")
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
	writer, err := kryptograf.New(root).EncryptWriter(tmp, material)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// ensureRootKey mints the bundle root key on first use.
func ensureRootKey(path string) error {
	store, err := keymgmt.LoadProto(path)
	if err != nil {
		return err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		return err
	}
	return store.Commit()
}

func (s *Store) material(name string, rotate bool) (keymgmt.Material, keymgmt.RootKey, error) {
	fail := func(err error) (keymgmt.Material, keymgmt.RootKey, error) {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		return fail(err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return fail(err)
	}
	desc := descriptorPrefix + name
	var material keymgmt.Material
	if rotate {
		material, err = keymgmt.MintDEK(root, []byte(desc))
		if err == nil {
			err = store.SetDescriptor(desc, material.Descriptor)
		}
	} else {
		material, err = store.EnsureDescriptor(desc, root, []byte(desc))
	}
	if err != nil {
		return fail(fmt.Errorf("identity %s key material: %w", name, err))
	}
	if err := store.Commit(); err != nil {
		return fail(err)
	}
	return material, root, nil
}

func newPrivateKey(keyType string, bits int) (crypto.PrivateKey, error) {
	switch strings.ToLower(strings.TrimSpace(keyType)) {
	case KeyTypeEd25519, "":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	case KeyTypeRSA:
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < 2048 {
			return nil, errors.New("rsa bits must be at least 2048")
		}
		return rsa.GenerateKey(rand.Reader, bits)
	default:
		return nil, fmt.Errorf("unsupported ssh key type %q", keyType)
	}
}

func authorizedKey(signer ssh.Signer) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
}

// Identity names share the workspace id alphabet so they map onto one
// directory each.
func validName(name string) error {
	if err := schema.ValidateWorkspaceID(schema.WorkspaceID(name)); err != nil {
		return fmt.Errorf("invalid identity name %q", name)
	}
	return nil
}

func (s *Store) dir(name string) string {
	return filepath.Join(s.keyDir, name)
}

func (s *Store) exists(name string) (bool, error) {
	info, err := os.Stat(filepath.Join(s.dir(name), keyFile))
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
