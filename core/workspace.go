package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/codeyard/internal/logx"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

// Workspace binds one editor buffer, one remote session, and the sync gate
// for a single workspace id.
type Workspace struct {
	id      schema.WorkspaceID
	cfg     schema.WorkspaceConfig
	store   WorkspaceStore
	sink    EventSink
	logger  pslog.Logger
	session *SessionController
	editor  *Editor

	mu      sync.Mutex
	sync    schema.SyncState
	syncGen uint64
	lastRun *schema.ExecutionResult
	// mirror holds the paths the last syncs created on the session with
	// generation mirrorGen.
	mirror    map[string]schema.NodeKind
	mirrorGen uint64
}

func newWorkspace(id schema.WorkspaceID, cfg schema.WorkspaceConfig, deps ServiceDeps) *Workspace {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("workspace", id)
	w := &Workspace{
		id:     id,
		cfg:    cfg,
		store:  deps.Store,
		sink:   deps.EventSink,
		logger: logger,
		sync:   schema.SyncState{Records: []schema.SyncRecord{}},
	}
	w.session = newSessionController(id, deps.Channels, cfg, logger, w.emit)
	w.editor = newEditor(id, deps.Store, cfg, logger, w.emit, w.invalidate)
	return w
}

// ID returns the workspace id.
func (w *Workspace) ID() schema.WorkspaceID {
	return w.id
}

// Session returns the session controller.
func (w *Workspace) Session() *SessionController {
	return w.session
}

// Editor returns the editor buffer.
func (w *Workspace) Editor() *Editor {
	return w.editor
}

// CreateSession starts the remote session if none is live.
func (w *Workspace) CreateSession(ctx context.Context) (schema.SessionSnapshot, error) {
	return w.session.Create(ctx)
}

// DestroySession tears down the remote session. The remote files go with it,
// so the sync gate is reset.
func (w *Workspace) DestroySession(ctx context.Context) schema.SessionSnapshot {
	snap := w.session.Destroy(ctx)
	w.invalidate("session destroyed")
	return snap
}

// SendInput writes a raw line to the terminal.
func (w *Workspace) SendInput(ctx context.Context, line string) error {
	return w.session.SendInput(ctx, line)
}

// Output returns terminal output at or after offset.
func (w *Workspace) Output(offset int64) ([]byte, int64) {
	return w.session.Output(offset)
}

// OpenFile loads a file into the editor.
func (w *Workspace) OpenFile(ctx context.Context, id schema.NodeID) (schema.EditorSnapshot, error) {
	return w.editor.Open(ctx, id)
}

// CloseFile saves and closes the open file.
func (w *Workspace) CloseFile(ctx context.Context) (schema.EditorSnapshot, error) {
	return w.editor.Close(ctx)
}

// Edit replaces the editor's live text.
func (w *Workspace) Edit(text string) (schema.EditorSnapshot, error) {
	return w.editor.Edit(text)
}

// Save persists the editor's live text.
func (w *Workspace) Save(ctx context.Context) (schema.EditorSnapshot, error) {
	return w.editor.Save(ctx)
}

// Tree loads the workspace tree.
func (w *Workspace) Tree(ctx context.Context) ([]*schema.WorkspaceNode, error) {
	nodes, err := w.store.LoadTree(ctx, w.id)
	if err != nil {
		return nil, storeError("tree", err)
	}
	return nodes, nil
}

// CreateNode adds a file or folder.
func (w *Workspace) CreateNode(ctx context.Context, req schema.CreateNodeRequest) (schema.WorkspaceNode, error) {
	if err := schema.ValidateNodeName(req.Name); err != nil {
		return schema.WorkspaceNode{}, NewError(ErrorValidation, "create", err)
	}
	if req.Kind != schema.NodeFile && req.Kind != schema.NodeFolder {
		return schema.WorkspaceNode{}, newErrorf(ErrorValidation, "create", "unknown kind %q", req.Kind)
	}
	if req.Kind == schema.NodeFile && req.Language == "" {
		req.Language = schema.LanguageForPath(req.Name, w.cfg.Languages)
	}
	node, err := w.store.Create(ctx, w.id, req)
	if err != nil {
		return schema.WorkspaceNode{}, storeError("create", err)
	}
	w.treeChanged("create", node)
	return node, nil
}

// RenameNode renames a file or folder in place.
func (w *Workspace) RenameNode(ctx context.Context, req schema.RenameNodeRequest) (schema.WorkspaceNode, error) {
	if err := schema.ValidateNodeName(req.Name); err != nil {
		return schema.WorkspaceNode{}, NewError(ErrorValidation, "rename", err)
	}
	node, err := w.store.Rename(ctx, w.id, req)
	if err != nil {
		return schema.WorkspaceNode{}, storeError("rename", err)
	}
	w.editor.refreshPath(ctx)
	w.treeChanged("rename", node)
	return node, nil
}

// MoveNode reparents a file or folder.
func (w *Workspace) MoveNode(ctx context.Context, req schema.MoveNodeRequest) (schema.WorkspaceNode, error) {
	node, err := w.store.Move(ctx, w.id, req)
	if err != nil {
		return schema.WorkspaceNode{}, storeError("move", err)
	}
	w.editor.refreshPath(ctx)
	w.treeChanged("move", node)
	return node, nil
}

// DeleteNode removes a node. An open file removed with it is discarded.
func (w *Workspace) DeleteNode(ctx context.Context, id schema.NodeID) error {
	if err := w.store.Delete(ctx, w.id, id); err != nil {
		return storeError("delete", err)
	}
	w.editor.refreshPath(ctx)
	w.treeChanged("delete", schema.WorkspaceNode{ID: id})
	return nil
}

// Search matches node names and file contents.
func (w *Workspace) Search(ctx context.Context, req schema.SearchRequest) ([]schema.SearchHit, error) {
	hits, err := w.store.Search(ctx, w.id, req)
	if err != nil {
		return nil, storeError("search", err)
	}
	return hits, nil
}

// Close stops autosave and destroys the session.
func (w *Workspace) Close(ctx context.Context) {
	if err := w.editor.flush(ctx); err != nil {
		w.logger.Warn("workspace close flush failed", "err", err)
	}
	w.editor.shutdown()
	w.session.Destroy(ctx)
}

func (w *Workspace) treeChanged(op string, node schema.WorkspaceNode) {
	logx.WithNode(w.logger, node.ID, node.Path).Debug("tree changed", "op", op)
	w.emit(schema.Event{Type: schema.EventTree, Tree: &schema.TreeEvent{Op: op, NodeID: node.ID, Path: node.Path}})
	w.invalidate(op)
}

// invalidate resets the sync gate after a content or structure change.
func (w *Workspace) invalidate(reason string) {
	w.mu.Lock()
	w.syncGen++
	wasSynced := w.sync.IsSynced
	w.sync.IsSynced = false
	w.mu.Unlock()
	if wasSynced {
		w.logger.Debug("sync invalidated", "reason", reason)
		w.emit(schema.Event{Type: schema.EventSync, Sync: &schema.SyncEvent{Phase: schema.SyncPhaseInvalidated}})
	}
}

func (w *Workspace) emit(event schema.Event) {
	if w.sink == nil {
		return
	}
	event.WorkspaceID = w.id
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	w.sink.OnEvent(event)
}

func storeError(op string, err error) error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	switch {
	case errors.Is(err, schema.ErrNodeNotFound),
		errors.Is(err, schema.ErrNodeExists),
		errors.Is(err, schema.ErrInvalidName),
		errors.Is(err, schema.ErrValidation):
		return NewError(ErrorValidation, op, err)
	default:
		return NewError(ErrorPersistence, op, err)
	}
}
