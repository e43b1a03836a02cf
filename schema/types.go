package schema

import "time"

// WorkspaceID identifies a workspace instance.
type WorkspaceID string

// NodeID identifies a file or folder in the workspace store.
type NodeID string

// SessionID identifies a remote execution session.
type SessionID string

// NodeKind distinguishes files from folders.
type NodeKind string

const (
	// NodeFile is a file with literal text content.
	NodeFile NodeKind = "file"
	// NodeFolder is a folder owning ordered children.
	NodeFolder NodeKind = "folder"
)

// WorkspaceNode is one entry of the workspace tree.
type WorkspaceNode struct {
	ID        NodeID           `json:"id"`
	ParentID  NodeID           `json:"parent_id,omitempty"`
	Name      string           `json:"name"`
	Path      string           `json:"path"`
	Kind      NodeKind         `json:"kind"`
	Content   string           `json:"content,omitempty"`
	Language  string           `json:"language,omitempty"`
	SizeBytes int64            `json:"size_bytes,omitempty"`
	Expanded  bool             `json:"expanded,omitempty"`
	Children  []*WorkspaceNode `json:"children,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n *WorkspaceNode) IsFolder() bool {
	return n != nil && n.Kind == NodeFolder
}

// EditorState is the observable state of the editor buffer.
type EditorState string

const (
	// EditorClean means the live text matches the persisted text.
	EditorClean EditorState = "clean"
	// EditorDirty means the live text differs from the persisted text.
	EditorDirty EditorState = "dirty"
	// EditorSaving means a save is in flight.
	EditorSaving EditorState = "saving"
)

// EditorSnapshot is a point-in-time view of the editor buffer.
type EditorSnapshot struct {
	FileID            NodeID      `json:"file_id,omitempty"`
	Path              string      `json:"path,omitempty"`
	Language          string      `json:"language,omitempty"`
	LiveText          string      `json:"live_text"`
	LastPersistedText string      `json:"last_persisted_text"`
	Dirty             bool        `json:"dirty"`
	SaveInFlight      bool        `json:"save_in_flight"`
	State             EditorState `json:"state"`
	LastError         string      `json:"last_error,omitempty"`
}

// Open reports whether a file is open in the buffer.
func (s EditorSnapshot) Open() bool {
	return s.FileID != ""
}

// SessionStatus is the lifecycle state of the remote session.
type SessionStatus string

const (
	// SessionAbsent means no session exists.
	SessionAbsent SessionStatus = "absent"
	// SessionCreating means the provider is creating the session.
	SessionCreating SessionStatus = "creating"
	// SessionConnecting means the session exists and is being probed.
	SessionConnecting SessionStatus = "connecting"
	// SessionConnected means the session accepts commands.
	SessionConnected SessionStatus = "connected"
	// SessionDisconnected means the session ended cleanly.
	SessionDisconnected SessionStatus = "disconnected"
	// SessionError means the session failed.
	SessionError SessionStatus = "error"
)

// Live reports whether the status blocks a new create.
func (s SessionStatus) Live() bool {
	switch s {
	case SessionCreating, SessionConnecting, SessionConnected:
		return true
	default:
		return false
	}
}

// SessionSnapshot is a point-in-time view of the terminal session.
type SessionSnapshot struct {
	SessionID SessionID     `json:"session_id,omitempty"`
	Status    SessionStatus `json:"status"`
	Busy      string        `json:"busy,omitempty"`
	Error     string        `json:"error,omitempty"`
	OutputEnd int64         `json:"output_end"`
}

// SyncRecord is the outcome of replaying one node onto the remote side.
type SyncRecord struct {
	Path    string   `json:"path"`
	Kind    NodeKind `json:"kind"`
	Content string   `json:"content,omitempty"`
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
}

// SyncState summarizes the latest sync run.
type SyncState struct {
	InProgress  bool         `json:"in_progress"`
	Records     []SyncRecord `json:"records"`
	IsSynced    bool         `json:"is_synced"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

// Succeeded counts successful records.
func (s SyncState) Succeeded() int {
	count := 0
	for _, record := range s.Records {
		if record.Success {
			count++
		}
	}
	return count
}

// ExecutionResult is the structured outcome of one run.
type ExecutionResult struct {
	FilePath        string        `json:"file_path"`
	Command         string        `json:"command,omitempty"`
	WroteOk         bool          `json:"wrote_ok"`
	RanOk           bool          `json:"ran_ok"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	CapturedOutput  string        `json:"captured_output"`
	// OutputTruncated reports that CapturedOutput holds only the tail of the
	// run's output because it exceeded the session output limit.
	OutputTruncated bool          `json:"output_truncated,omitempty"`
	Duration        time.Duration `json:"duration"`
}
