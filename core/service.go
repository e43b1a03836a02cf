package core

import (
	"context"
	"errors"
	"sort"
	"sync"

	"pkt.systems/codeyard/internal/logx"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

// Service hands out one Workspace per workspace id.
type Service struct {
	cfg        schema.WorkspaceConfig
	deps       ServiceDeps
	logger     pslog.Logger
	mu         sync.Mutex
	workspaces map[schema.WorkspaceID]*Workspace
}

// NewService constructs the workspace service.
func NewService(cfg schema.WorkspaceConfig, deps ServiceDeps) (*Service, error) {
	normalized, err := schema.NormalizeWorkspaceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("workspace store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	deps.Logger = logger
	return &Service{
		cfg:        normalized,
		deps:       deps,
		logger:     logger,
		workspaces: make(map[schema.WorkspaceID]*Workspace),
	}, nil
}

// Config returns the normalized workspace config.
func (s *Service) Config() schema.WorkspaceConfig {
	return s.cfg
}

// Workspace returns the workspace for id, creating it on first use.
func (s *Service) Workspace(ctx context.Context, id schema.WorkspaceID) (*Workspace, error) {
	if err := schema.ValidateWorkspaceID(id); err != nil {
		return nil, NewError(ErrorValidation, "workspace", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.workspaces[id]
	if ws == nil {
		ws = newWorkspace(id, s.cfg, s.deps)
		s.workspaces[id] = ws
		logx.WithWorkspace(ctx, id).Info("workspace opened")
	}
	return ws, nil
}

// List returns the ids of the open workspaces.
func (s *Service) List() []schema.WorkspaceID {
	s.mu.Lock()
	ids := make([]schema.WorkspaceID, 0, len(s.workspaces))
	for id := range s.workspaces {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CloseWorkspace flushes and tears down one workspace.
func (s *Service) CloseWorkspace(ctx context.Context, id schema.WorkspaceID) bool {
	s.mu.Lock()
	ws := s.workspaces[id]
	delete(s.workspaces, id)
	s.mu.Unlock()
	if ws == nil {
		return false
	}
	ws.Close(ctx)
	logx.WithWorkspace(ctx, id).Info("workspace closed")
	return true
}

// Close tears down every workspace.
func (s *Service) Close(ctx context.Context) {
	for _, id := range s.List() {
		s.CloseWorkspace(ctx, id)
	}
}
