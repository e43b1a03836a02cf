package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/internal/logx"
	"pkt.systems/codeyard/internal/metrics"
	"pkt.systems/codeyard/schema"
)

const (
	maxBodyBytes    = 8 << 20
	defaultHitLimit = 50
	streamKeepalive = 25 * time.Second
	snapshotEvent   = schema.EventType("snapshot")
)

// Server serves the workspace HTTP API.
type Server struct {
	cfg      Config
	service  *core.Service
	auth     Authenticator
	sessions *sessionStore
	hub      *Hub
	metrics  *metrics.Metrics
	basePath string
}

// NewServer constructs an HTTP server. A nil authenticator leaves the API
// open; hub and m may be nil.
func NewServer(cfg Config, service *core.Service, authn Authenticator, hub *Hub, m *metrics.Metrics) *Server {
	if hub == nil {
		hub = NewHub(0)
	}
	return &Server{
		cfg:      cfg,
		service:  service,
		auth:     authn,
		sessions: newSessionStore(cfg.SessionTTL),
		hub:      hub,
		metrics:  m,
		basePath: cfg.mountPrefix(),
	}
}

// AuthEnabled reports whether the API requires a login.
func (s *Server) AuthEnabled() bool {
	return s.auth != nil
}

// Hub returns the SSE hub fed by workspace events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics && s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	if s.auth != nil {
		mux.HandleFunc("POST /api/login", s.handleLogin)
		mux.HandleFunc("POST /api/logout", s.handleLogout)
	}

	mux.HandleFunc("GET /api/workspaces", s.requireSession(s.handleListWorkspaces))
	mux.HandleFunc("DELETE /api/workspaces/{ws}", s.requireSession(s.handleCloseWorkspace))

	mux.HandleFunc("GET /api/workspaces/{ws}/session", s.withWorkspace(s.handleSessionGet))
	mux.HandleFunc("POST /api/workspaces/{ws}/session", s.withWorkspace(s.handleSessionCreate))
	mux.HandleFunc("DELETE /api/workspaces/{ws}/session", s.withWorkspace(s.handleSessionDestroy))
	mux.HandleFunc("POST /api/workspaces/{ws}/session/input", s.withWorkspace(s.handleSessionInput))
	mux.HandleFunc("GET /api/workspaces/{ws}/session/output", s.withWorkspace(s.handleSessionOutput))

	mux.HandleFunc("GET /api/workspaces/{ws}/editor", s.withWorkspace(s.handleEditorGet))
	mux.HandleFunc("POST /api/workspaces/{ws}/editor", s.withWorkspace(s.handleEditorUpdate))
	mux.HandleFunc("POST /api/workspaces/{ws}/editor/save", s.withWorkspace(s.handleEditorSave))
	mux.HandleFunc("DELETE /api/workspaces/{ws}/editor", s.withWorkspace(s.handleEditorClose))

	mux.HandleFunc("GET /api/workspaces/{ws}/sync", s.withWorkspace(s.handleSyncGet))
	mux.HandleFunc("POST /api/workspaces/{ws}/sync", s.withWorkspace(s.handleSync))

	mux.HandleFunc("GET /api/workspaces/{ws}/run", s.withWorkspace(s.handleRunGet))
	mux.HandleFunc("POST /api/workspaces/{ws}/run", s.withWorkspace(s.handleRun))

	mux.HandleFunc("GET /api/workspaces/{ws}/files", s.withWorkspace(s.handleTree))
	mux.HandleFunc("POST /api/workspaces/{ws}/files", s.withWorkspace(s.handleCreateNode))
	mux.HandleFunc("PATCH /api/workspaces/{ws}/files/{id}", s.withWorkspace(s.handleUpdateNode))
	mux.HandleFunc("DELETE /api/workspaces/{ws}/files/{id}", s.withWorkspace(s.handleDeleteNode))
	mux.HandleFunc("GET /api/workspaces/{ws}/search", s.withWorkspace(s.handleSearch))

	mux.HandleFunc("GET /api/workspaces/{ws}/stream", s.withWorkspace(s.handleStream))

	handler := withRequestLogging(mux, s.metrics)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

type workspaceHandler func(http.ResponseWriter, *http.Request, *core.Workspace)

func (s *Server) withWorkspace(next workspaceHandler) http.HandlerFunc {
	return s.requireSession(func(w http.ResponseWriter, r *http.Request) {
		id := schema.WorkspaceID(r.PathValue("ws"))
		ctx := logx.ContextWithWorkspace(r.Context(), id)
		ws, err := s.service.Workspace(ctx, id)
		if err != nil {
			logx.Ctx(ctx).Warn("http workspace rejected", "err", err)
			writeKindError(w, err)
			return
		}
		next(w, r.WithContext(ctx), ws)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "workspaces": len(s.service.List())})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": s.service.List()})
}

func (s *Server) handleCloseWorkspace(w http.ResponseWriter, r *http.Request) {
	id := schema.WorkspaceID(r.PathValue("ws"))
	if !s.service.CloseWorkspace(r.Context(), id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("workspace %q is not open", id))
		return
	}
	s.hub.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, _ *http.Request, ws *core.Workspace) {
	writeJSON(w, http.StatusOK, ws.Session().Snapshot())
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	snap, err := ws.CreateSession(r.Context())
	if err != nil {
		logx.Ctx(r.Context()).Warn("http session create failed", "err", err)
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSessionDestroy(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	writeJSON(w, http.StatusOK, ws.DestroySession(r.Context()))
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	var payload struct {
		Line string `json:"line"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := ws.SendInput(r.Context(), payload.Line); err != nil {
		writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type outputResponse struct {
	Offset int64  `json:"offset"`
	Next   int64  `json:"next"`
	Data   string `json:"data"`
}

func (s *Server) handleSessionOutput(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	offset, err := parseInt64(r.URL.Query().Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid offset: %w", err))
		return
	}
	data, start := ws.Output(offset)
	writeJSON(w, http.StatusOK, outputResponse{
		Offset: start,
		Next:   start + int64(len(data)),
		Data:   string(data),
	})
}

func (s *Server) handleEditorGet(w http.ResponseWriter, _ *http.Request, ws *core.Workspace) {
	writeJSON(w, http.StatusOK, ws.Editor().Snapshot())
}

// handleEditorUpdate opens a file when file_id is set and applies text when
// present; both may be combined in one request.
func (s *Server) handleEditorUpdate(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	var payload struct {
		FileID schema.NodeID `json:"file_id"`
		Text   *string       `json:"text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.FileID == "" && payload.Text == nil {
		writeError(w, http.StatusBadRequest, errors.New("file_id or text is required"))
		return
	}
	snap := ws.Editor().Snapshot()
	if payload.FileID != "" {
		opened, err := ws.OpenFile(r.Context(), payload.FileID)
		if err != nil {
			writeKindError(w, err)
			return
		}
		snap = opened
	}
	if payload.Text != nil {
		edited, err := ws.Edit(*payload.Text)
		if err != nil {
			writeKindError(w, err)
			return
		}
		snap = edited
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEditorSave(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	snap, err := ws.Save(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEditorClose(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	snap, err := ws.CloseFile(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSyncGet(w http.ResponseWriter, _ *http.Request, ws *core.Workspace) {
	writeJSON(w, http.StatusOK, ws.SyncState())
}

type syncResponse struct {
	schema.SyncState
	Error string         `json:"error,omitempty"`
	Kind  core.ErrorKind `json:"kind,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	state, err := ws.Sync(r.Context())
	if err != nil {
		logx.Ctx(r.Context()).Warn("http sync failed", "err", err)
		if len(state.Records) == 0 {
			writeKindError(w, err)
			return
		}
		writeJSON(w, statusFor(err), syncResponse{SyncState: state, Error: err.Error(), Kind: core.KindOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{SyncState: state})
}

type runResponse struct {
	Result *schema.ExecutionResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
	Kind   core.ErrorKind          `json:"kind,omitempty"`
}

func (s *Server) handleRunGet(w http.ResponseWriter, _ *http.Request, ws *core.Workspace) {
	result, ok := ws.LastResult()
	if !ok {
		writeJSON(w, http.StatusOK, runResponse{})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Result: &result})
}

// handleRun reports remote failures and timeouts with the partial result in
// a 200 body; gate failures are plain errors.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	var req schema.RunRequest
	if err := decodeOptionalJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := ws.Run(r.Context(), req)
	if err == nil {
		writeJSON(w, http.StatusOK, runResponse{Result: &result})
		return
	}
	switch core.KindOf(err) {
	case core.ErrorRemote, core.ErrorExecutionTimeout:
		writeJSON(w, http.StatusOK, runResponse{Result: &result, Error: err.Error(), Kind: core.KindOf(err)})
	default:
		logx.Ctx(r.Context()).Warn("http run rejected", "err", err)
		writeKindError(w, err)
	}
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	tree, err := ws.Tree(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	if tree == nil {
		tree = []*schema.WorkspaceNode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": tree})
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	var req schema.CreateNodeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	node, err := ws.CreateNode(r.Context(), req)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// handleUpdateNode renames when name is set and moves when parent_id is
// present; an explicit empty parent_id moves to the root.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	id := schema.NodeID(r.PathValue("id"))
	var payload struct {
		Name     string         `json:"name"`
		ParentID *schema.NodeID `json:"parent_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Name == "" && payload.ParentID == nil {
		writeError(w, http.StatusBadRequest, errors.New("name or parent_id is required"))
		return
	}
	var node schema.WorkspaceNode
	if payload.ParentID != nil {
		moved, err := ws.MoveNode(r.Context(), schema.MoveNodeRequest{ID: id, ParentID: *payload.ParentID})
		if err != nil {
			writeKindError(w, err)
			return
		}
		node = moved
	}
	if payload.Name != "" {
		renamed, err := ws.RenameNode(r.Context(), schema.RenameNodeRequest{ID: id, Name: payload.Name})
		if err != nil {
			writeKindError(w, err)
			return
		}
		node = renamed
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	if err := ws.DeleteNode(r.Context(), schema.NodeID(r.PathValue("id"))); err != nil {
		writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	query := r.URL.Query()
	req := schema.SearchRequest{
		Query: query.Get("q"),
		Limit: parseInt(query.Get("limit"), defaultHitLimit),
	}
	hits, err := ws.Search(r.Context(), req)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if hits == nil {
		hits = []schema.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, ws *core.Workspace) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.Ctx(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before the snapshot so nothing between the two is lost.
	ch, unsubscribe, seq := s.hub.Subscribe(ws.ID())
	defer unsubscribe()
	s.metrics.SSEConnected(1)
	defer s.metrics.SSEConnected(-1)

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	replayCount := 0
	if lastID > 0 {
		replay := s.hub.Replay(ws.ID(), lastID, seq)
		replayCount = len(replay)
		for _, event := range replay {
			s.send(w, event)
		}
	} else {
		snapshot := buildSnapshot(ws)
		s.send(w, StreamEvent{
			Event:    schema.Event{WorkspaceID: ws.ID(), Type: snapshotEvent, Timestamp: time.Now()},
			Snapshot: &snapshot,
		})
	}
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case <-keepalive.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				log.Info("http stream ended by workspace close")
				return
			}
			if event.Seq <= lastID {
				continue
			}
			s.send(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) send(w http.ResponseWriter, event StreamEvent) {
	if err := writeSSEvent(w, event); err != nil {
		return
	}
	s.metrics.RecordSSEEvent(string(event.Type))
}

func buildSnapshot(ws *core.Workspace) SnapshotPayload {
	snapshot := SnapshotPayload{
		Editor:  ws.Editor().Snapshot(),
		Session: ws.Session().Snapshot(),
		Sync:    ws.SyncState(),
	}
	if result, ok := ws.LastResult(); ok {
		snapshot.LastResult = &result
	}
	return snapshot
}

func decodeJSON(body io.Reader, target any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func decodeOptionalJSON(body io.Reader, target any) error {
	if err := decodeJSON(body, target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	_, err = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return err
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseInt64(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, errors.New("offset must not be negative")
	}
	return parsed, nil
}
