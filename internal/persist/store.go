package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"pkt.systems/codeyard/internal/nodetree"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

const snapshotVersion = 1

// WorkspaceSnapshot is the on-disk form of one workspace tree.
type WorkspaceSnapshot struct {
	Version int               `json:"version"`
	Nodes   []nodetree.Record `json:"nodes"`
}

// Options configures a Store.
type Options struct {
	// Compress writes snapshots as zstd. Either form is read back.
	Compress bool
	Logger   pslog.Logger
}

// Store persists workspace trees as one JSON snapshot per workspace.
type Store struct {
	dir      string
	compress bool
	log      pslog.Logger

	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithOptions(dir, Options{})
}

// NewStoreWithOptions constructs a persistent store with compression and logging.
func NewStoreWithOptions(dir string, opts Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Store{dir: dir, compress: opts.Compress, log: logger, encoder: enc, decoder: dec}, nil
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.encoder != nil {
		err := s.encoder.Close()
		s.encoder = nil
		return err
	}
	return nil
}

// LoadTree returns the workspace tree. A workspace never written is empty.
func (s *Store) LoadTree(_ context.Context, ws schema.WorkspaceID) ([]*schema.WorkspaceNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.load(ws)
	if err != nil {
		return nil, err
	}
	return set.Tree(), nil
}

// LoadContent returns one node including file content.
func (s *Store) LoadContent(_ context.Context, ws schema.WorkspaceID, id schema.NodeID) (schema.WorkspaceNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.load(ws)
	if err != nil {
		return schema.WorkspaceNode{}, err
	}
	return set.Node(id)
}

// UpdateContent replaces a file's content.
func (s *Store) UpdateContent(ctx context.Context, ws schema.WorkspaceID, id schema.NodeID, text string) error {
	_, err := s.mutate(ctx, ws, "update", func(set *nodetree.Set) (schema.WorkspaceNode, error) {
		return set.Update(id, text)
	})
	return err
}

// Create adds a file or folder.
func (s *Store) Create(ctx context.Context, ws schema.WorkspaceID, req schema.CreateNodeRequest) (schema.WorkspaceNode, error) {
	return s.mutate(ctx, ws, "create", func(set *nodetree.Set) (schema.WorkspaceNode, error) {
		return set.Create(schema.NodeID(uuid.NewString()), req)
	})
}

// Rename renames a node in place.
func (s *Store) Rename(ctx context.Context, ws schema.WorkspaceID, req schema.RenameNodeRequest) (schema.WorkspaceNode, error) {
	return s.mutate(ctx, ws, "rename", func(set *nodetree.Set) (schema.WorkspaceNode, error) {
		return set.Rename(req.ID, req.Name)
	})
}

// Move reparents a node.
func (s *Store) Move(ctx context.Context, ws schema.WorkspaceID, req schema.MoveNodeRequest) (schema.WorkspaceNode, error) {
	return s.mutate(ctx, ws, "move", func(set *nodetree.Set) (schema.WorkspaceNode, error) {
		return set.Move(req.ID, req.ParentID)
	})
}

// Delete removes a node and everything below it.
func (s *Store) Delete(ctx context.Context, ws schema.WorkspaceID, id schema.NodeID) error {
	_, err := s.mutate(ctx, ws, "delete", func(set *nodetree.Set) (schema.WorkspaceNode, error) {
		_, err := set.Delete(id)
		return schema.WorkspaceNode{ID: id}, err
	})
	return err
}

// Search matches node names and file lines.
func (s *Store) Search(_ context.Context, ws schema.WorkspaceID, req schema.SearchRequest) ([]schema.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.load(ws)
	if err != nil {
		return nil, err
	}
	return set.Search(req), nil
}

func (s *Store) mutate(ctx context.Context, ws schema.WorkspaceID, op string, fn func(*nodetree.Set) (schema.WorkspaceNode, error)) (schema.WorkspaceNode, error) {
	if err := ctx.Err(); err != nil {
		return schema.WorkspaceNode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.load(ws)
	if err != nil {
		return schema.WorkspaceNode{}, err
	}
	node, err := fn(set)
	if err != nil {
		return schema.WorkspaceNode{}, err
	}
	if err := s.save(ws, set); err != nil {
		return schema.WorkspaceNode{}, err
	}
	if s.log != nil {
		s.log.Trace("state "+op+" ok", "workspace", ws, "node", node.ID, "nodes", set.Len())
	}
	return node, nil
}

func (s *Store) load(ws schema.WorkspaceID) (*nodetree.Set, error) {
	base := s.pathForWorkspace(ws)
	data, compressed, err := readFirst(base+".json.zst", base+".json")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nodetree.New(nil), nil
		}
		s.warn("state load failed", ws, err)
		return nil, err
	}
	if compressed {
		if s.decoder == nil {
			return nil, errors.New("store is closed")
		}
		data, err = s.decoder.DecodeAll(data, nil)
		if err != nil {
			s.warn("state load failed", ws, err)
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
	}
	var snapshot WorkspaceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.warn("state load failed", ws, err)
		return nil, err
	}
	if snapshot.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported version %d", snapshot.Version, snapshotVersion)
	}
	return nodetree.New(snapshot.Nodes), nil
}

func readFirst(paths ...string) ([]byte, bool, error) {
	var lastErr error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			return data, strings.HasSuffix(p, ".zst"), nil
		}
		lastErr = err
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, err
		}
	}
	return nil, false, lastErr
}

func (s *Store) save(ws schema.WorkspaceID, set *nodetree.Set) error {
	data, err := json.MarshalIndent(WorkspaceSnapshot{Version: snapshotVersion, Nodes: set.Records()}, "", "  ")
	if err != nil {
		s.warn("state save failed", ws, err)
		return err
	}
	base := s.pathForWorkspace(ws)
	target, stale := base+".json", base+".json.zst"
	if s.compress {
		if s.encoder == nil {
			return errors.New("store is closed")
		}
		data = s.encoder.EncodeAll(data, nil)
		target, stale = stale, target
	}
	if err := writeAtomic(target, data); err != nil {
		s.warn("state save failed", ws, err)
		return err
	}
	if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.warn("state cleanup failed", ws, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) warn(msg string, ws schema.WorkspaceID, err error) {
	if s.log != nil {
		s.log.Warn(msg, "workspace", ws, "err", err)
	}
}

func (s *Store) pathForWorkspace(ws schema.WorkspaceID) string {
	name := sanitize(string(ws))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, "workspaces", name)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
