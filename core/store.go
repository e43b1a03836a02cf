package core

import (
	"context"

	"pkt.systems/codeyard/schema"
)

// WorkspaceStore persists the workspace tree. The core never keeps its own copy.
type WorkspaceStore interface {
	// LoadTree returns the top-level nodes with children populated.
	LoadTree(ctx context.Context, ws schema.WorkspaceID) ([]*schema.WorkspaceNode, error)
	// LoadContent returns a file node including its content.
	LoadContent(ctx context.Context, ws schema.WorkspaceID, id schema.NodeID) (schema.WorkspaceNode, error)
	UpdateContent(ctx context.Context, ws schema.WorkspaceID, id schema.NodeID, text string) error
	Create(ctx context.Context, ws schema.WorkspaceID, req schema.CreateNodeRequest) (schema.WorkspaceNode, error)
	Rename(ctx context.Context, ws schema.WorkspaceID, req schema.RenameNodeRequest) (schema.WorkspaceNode, error)
	// Delete removes a node and, for folders, everything below it.
	Delete(ctx context.Context, ws schema.WorkspaceID, id schema.NodeID) error
	Move(ctx context.Context, ws schema.WorkspaceID, req schema.MoveNodeRequest) (schema.WorkspaceNode, error)
	Search(ctx context.Context, ws schema.WorkspaceID, req schema.SearchRequest) ([]schema.SearchHit, error)
}
