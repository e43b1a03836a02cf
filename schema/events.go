package schema

import "time"

// EventType identifies a workspace event.
type EventType string

const (
	// EventSession reports a session status transition.
	EventSession EventType = "session"
	// EventOutput reports bytes appended to the session output log.
	EventOutput EventType = "output"
	// EventEditor reports an editor buffer change.
	EventEditor EventType = "editor"
	// EventSave reports a save outcome.
	EventSave EventType = "save"
	// EventSync reports sync progress or completion.
	EventSync EventType = "sync"
	// EventRun reports a run outcome.
	EventRun EventType = "run"
	// EventTree reports a structural tree mutation.
	EventTree EventType = "tree"
)

// Event is emitted by a workspace to its event sink.
type Event struct {
	WorkspaceID WorkspaceID   `json:"workspace_id"`
	Type        EventType     `json:"type"`
	Session     *SessionEvent `json:"session,omitempty"`
	Output      *OutputEvent  `json:"output,omitempty"`
	Editor      *EditorEvent  `json:"editor,omitempty"`
	Save        *SaveEvent    `json:"save,omitempty"`
	Sync        *SyncEvent    `json:"sync,omitempty"`
	Run         *RunEvent     `json:"run,omitempty"`
	Tree        *TreeEvent    `json:"tree,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// SessionEvent carries a session status transition.
type SessionEvent struct {
	SessionID SessionID     `json:"session_id,omitempty"`
	From      SessionStatus `json:"from"`
	Status    SessionStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// OutputEvent carries bytes appended to the output log at Offset.
type OutputEvent struct {
	SessionID SessionID `json:"session_id,omitempty"`
	Offset    int64     `json:"offset"`
	Data      string    `json:"data"`
}

// EditorEvent carries the buffer state after open, edit, or close.
type EditorEvent struct {
	FileID NodeID      `json:"file_id,omitempty"`
	Path   string      `json:"path,omitempty"`
	State  EditorState `json:"state"`
	Dirty  bool        `json:"dirty"`
}

// SaveEvent carries a save outcome. Silent marks autosave successes.
type SaveEvent struct {
	FileID NodeID `json:"file_id"`
	Path   string `json:"path"`
	Auto   bool   `json:"auto"`
	Silent bool   `json:"silent"`
	Dirty  bool   `json:"dirty"`
	Error  string `json:"error,omitempty"`
}

// SyncEvent carries sync progress. Record is set per replayed node.
type SyncEvent struct {
	Phase    string      `json:"phase"`
	Record   *SyncRecord `json:"record,omitempty"`
	IsSynced bool        `json:"is_synced"`
	Total    int         `json:"total"`
	Done     int         `json:"done"`
	Error    string      `json:"error,omitempty"`
}

const (
	// SyncPhaseStarted marks the start of a sync run.
	SyncPhaseStarted = "started"
	// SyncPhaseRecord marks one replayed record.
	SyncPhaseRecord = "record"
	// SyncPhaseCompleted marks the end of a sync run.
	SyncPhaseCompleted = "completed"
	// SyncPhaseInvalidated marks a reset of the synced gate.
	SyncPhaseInvalidated = "invalidated"
)

// RunEvent carries a run outcome.
type RunEvent struct {
	Result ExecutionResult `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// TreeEvent carries a structural mutation.
type TreeEvent struct {
	Op     string `json:"op"`
	NodeID NodeID `json:"node_id"`
	Path   string `json:"path,omitempty"`
}
