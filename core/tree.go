package core

import (
	"path"
	"strings"

	"pkt.systems/codeyard/schema"
)

// FlattenTree walks nodes depth-first and returns one pending record per node,
// every folder ahead of its children. Duplicate paths, paths that are not
// directly under their parent, and files with children are rejected before
// anything reaches the remote side.
func FlattenTree(nodes []*schema.WorkspaceNode) ([]schema.SyncRecord, error) {
	const op = "sync"
	seen := make(map[string]struct{})
	var records []schema.SyncRecord
	var walk func(parent string, list []*schema.WorkspaceNode) error
	walk = func(parent string, list []*schema.WorkspaceNode) error {
		for _, node := range list {
			if node == nil {
				continue
			}
			p, err := nodePath(parent, node)
			if err != nil {
				return err
			}
			if _, dup := seen[p]; dup {
				return newErrorf(ErrorValidation, op, "duplicate path %s", p)
			}
			seen[p] = struct{}{}
			switch node.Kind {
			case schema.NodeFolder:
				records = append(records, schema.SyncRecord{Path: p, Kind: schema.NodeFolder})
				if err := walk(p, node.Children); err != nil {
					return err
				}
			case schema.NodeFile:
				if len(node.Children) > 0 {
					return newErrorf(ErrorValidation, op, "file %s has children", p)
				}
				records = append(records, schema.SyncRecord{Path: p, Kind: schema.NodeFile, Content: node.Content})
			default:
				return newErrorf(ErrorValidation, op, "node %s has unknown kind %q", p, node.Kind)
			}
		}
		return nil
	}
	if err := walk("/", nodes); err != nil {
		return nil, err
	}
	return records, nil
}

func nodePath(parent string, node *schema.WorkspaceNode) (string, error) {
	const op = "sync"
	if node.Path == "" {
		if err := schema.ValidateNodeName(node.Name); err != nil {
			return "", newErrorf(ErrorValidation, op, "node %s has invalid name %q", node.ID, node.Name)
		}
		return path.Join(parent, node.Name), nil
	}
	cleaned, ok := schema.CleanNodePath(node.Path)
	if !ok {
		return "", newErrorf(ErrorValidation, op, "invalid path %q", node.Path)
	}
	if path.Dir(cleaned) != parent {
		return "", newErrorf(ErrorValidation, op, "path %s is not under its parent folder %s", cleaned, parent)
	}
	return cleaned, nil
}

// RemotePath maps a rooted workspace path onto the remote root directory.
// Relative results always start with "./" or "../" so a name such as
// "-main.sh" is never parsed as an option by rm, mkdir or the run command.
func RemotePath(root, p string) string {
	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	if root == "" {
		root = "."
	}
	out := path.Join(root, rel)
	if path.IsAbs(out) || out == "." || out == ".." || strings.HasPrefix(out, "../") {
		return out
	}
	return "./" + out
}
