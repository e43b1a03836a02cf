package schema

// CreateNodeRequest creates a file or folder under ParentID (empty for the root).
type CreateNodeRequest struct {
	ParentID NodeID   `json:"parent_id,omitempty"`
	Name     string   `json:"name"`
	Kind     NodeKind `json:"kind"`
	Content  string   `json:"content,omitempty"`
	Language string   `json:"language,omitempty"`
}

// RenameNodeRequest renames a node in place.
type RenameNodeRequest struct {
	ID   NodeID `json:"id"`
	Name string `json:"name"`
}

// MoveNodeRequest reparents a node (empty ParentID moves it to the root).
type MoveNodeRequest struct {
	ID       NodeID `json:"id"`
	ParentID NodeID `json:"parent_id,omitempty"`
}

// SearchRequest matches node names and file contents.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchHit is one search match.
type SearchHit struct {
	ID      NodeID   `json:"id"`
	Path    string   `json:"path"`
	Kind    NodeKind `json:"kind"`
	Line    int      `json:"line,omitempty"`
	Snippet string   `json:"snippet,omitempty"`
}

// RunRequest executes the active file. An empty Command uses the run command
// configured for the file's language; a non-empty one may contain {path}.
type RunRequest struct {
	Command string `json:"command,omitempty"`
}
