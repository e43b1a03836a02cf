// Package nodetree holds the workspace tree rules shared by the stores: name
// uniqueness among siblings, folder-only parents, and recursive deletes.
package nodetree

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"pkt.systems/codeyard/schema"
)

// DefaultSearchLimit caps search results when the request sets no limit.
const DefaultSearchLimit = 50

// Record is the stored form of one node.
type Record struct {
	ID       schema.NodeID   `json:"id"`
	ParentID schema.NodeID   `json:"parent_id,omitempty"`
	Name     string          `json:"name"`
	Kind     schema.NodeKind `json:"kind"`
	Content  string          `json:"content,omitempty"`
	Language string          `json:"language,omitempty"`
	Expanded bool            `json:"expanded,omitempty"`
}

// Set is an indexed collection of records for one workspace.
type Set struct {
	records map[schema.NodeID]*Record
}

// New indexes records. Records whose parent is missing are attached to the root.
func New(records []Record) *Set {
	s := &Set{records: make(map[schema.NodeID]*Record, len(records))}
	for i := range records {
		rec := records[i]
		s.records[rec.ID] = &rec
	}
	for _, rec := range s.records {
		if rec.ParentID != "" && s.records[rec.ParentID] == nil {
			rec.ParentID = ""
		}
	}
	return s
}

// Len returns the number of nodes.
func (s *Set) Len() int {
	return len(s.records)
}

// Records returns every record ordered by path.
func (s *Set) Records() []Record {
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return s.Path(out[i].ID) < s.Path(out[j].ID) })
	return out
}

// Path returns the rooted path of id, or "" when it does not exist.
func (s *Set) Path(id schema.NodeID) string {
	var parts []string
	seen := make(map[schema.NodeID]bool)
	for cur := s.records[id]; cur != nil; cur = s.records[cur.ParentID] {
		if seen[cur.ID] {
			return ""
		}
		seen[cur.ID] = true
		parts = append(parts, cur.Name)
		if cur.ParentID == "" {
			break
		}
	}
	if len(parts) == 0 {
		return ""
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// Node returns id as a schema node without children.
func (s *Set) Node(id schema.NodeID) (schema.WorkspaceNode, error) {
	rec := s.records[id]
	if rec == nil {
		return schema.WorkspaceNode{}, schema.ErrNodeNotFound
	}
	return s.toNode(rec), nil
}

func (s *Set) toNode(rec *Record) schema.WorkspaceNode {
	node := schema.WorkspaceNode{
		ID:       rec.ID,
		ParentID: rec.ParentID,
		Name:     rec.Name,
		Path:     s.Path(rec.ID),
		Kind:     rec.Kind,
		Language: rec.Language,
		Expanded: rec.Expanded,
	}
	if rec.Kind == schema.NodeFile {
		node.Content = rec.Content
		node.SizeBytes = int64(len(rec.Content))
	}
	return node
}

// Tree returns the top-level nodes with children populated. Siblings are
// ordered folders first, then by name.
func (s *Set) Tree() []*schema.WorkspaceNode {
	children := make(map[schema.NodeID][]*Record)
	for _, rec := range s.records {
		children[rec.ParentID] = append(children[rec.ParentID], rec)
	}
	var build func(parent schema.NodeID) []*schema.WorkspaceNode
	build = func(parent schema.NodeID) []*schema.WorkspaceNode {
		recs := children[parent]
		sortSiblings(recs)
		out := make([]*schema.WorkspaceNode, 0, len(recs))
		for _, rec := range recs {
			node := s.toNode(rec)
			if rec.Kind == schema.NodeFolder {
				node.Children = build(rec.ID)
			}
			out = append(out, &node)
		}
		return out
	}
	return build("")
}

func sortSiblings(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Kind != recs[j].Kind {
			return recs[i].Kind == schema.NodeFolder
		}
		return recs[i].Name < recs[j].Name
	})
}

// Create adds a node with the given id.
func (s *Set) Create(id schema.NodeID, req schema.CreateNodeRequest) (schema.WorkspaceNode, error) {
	if id == "" || s.records[id] != nil {
		return schema.WorkspaceNode{}, fmt.Errorf("%w: id %q", schema.ErrNodeExists, id)
	}
	if err := schema.ValidateNodeName(req.Name); err != nil {
		return schema.WorkspaceNode{}, err
	}
	if req.Kind != schema.NodeFile && req.Kind != schema.NodeFolder {
		return schema.WorkspaceNode{}, fmt.Errorf("%w: unknown kind %q", schema.ErrValidation, req.Kind)
	}
	if err := s.checkParent(req.ParentID); err != nil {
		return schema.WorkspaceNode{}, err
	}
	if err := s.checkSibling(req.ParentID, req.Name, ""); err != nil {
		return schema.WorkspaceNode{}, err
	}
	rec := &Record{ID: id, ParentID: req.ParentID, Name: req.Name, Kind: req.Kind, Language: req.Language}
	if req.Kind == schema.NodeFile {
		rec.Content = req.Content
	} else {
		rec.Language = ""
	}
	s.records[id] = rec
	return s.toNode(rec), nil
}

// Update replaces a file's content.
func (s *Set) Update(id schema.NodeID, text string) (schema.WorkspaceNode, error) {
	rec := s.records[id]
	if rec == nil {
		return schema.WorkspaceNode{}, schema.ErrNodeNotFound
	}
	if rec.Kind != schema.NodeFile {
		return schema.WorkspaceNode{}, fmt.Errorf("%w: %s is a folder", schema.ErrValidation, s.Path(id))
	}
	rec.Content = text
	return s.toNode(rec), nil
}

// Rename changes a node's name in place.
func (s *Set) Rename(id schema.NodeID, name string) (schema.WorkspaceNode, error) {
	rec := s.records[id]
	if rec == nil {
		return schema.WorkspaceNode{}, schema.ErrNodeNotFound
	}
	if err := schema.ValidateNodeName(name); err != nil {
		return schema.WorkspaceNode{}, err
	}
	if err := s.checkSibling(rec.ParentID, name, id); err != nil {
		return schema.WorkspaceNode{}, err
	}
	rec.Name = name
	return s.toNode(rec), nil
}

// Move reparents a node. A folder cannot move below itself.
func (s *Set) Move(id, parent schema.NodeID) (schema.WorkspaceNode, error) {
	rec := s.records[id]
	if rec == nil {
		return schema.WorkspaceNode{}, schema.ErrNodeNotFound
	}
	if err := s.checkParent(parent); err != nil {
		return schema.WorkspaceNode{}, err
	}
	for cur := parent; cur != ""; cur = s.records[cur].ParentID {
		if cur == id {
			return schema.WorkspaceNode{}, fmt.Errorf("%w: cannot move %s below itself", schema.ErrValidation, s.Path(id))
		}
	}
	if err := s.checkSibling(parent, rec.Name, id); err != nil {
		return schema.WorkspaceNode{}, err
	}
	rec.ParentID = parent
	return s.toNode(rec), nil
}

// Delete removes id and its descendants and returns the removed ids.
func (s *Set) Delete(id schema.NodeID) ([]schema.NodeID, error) {
	if s.records[id] == nil {
		return nil, schema.ErrNodeNotFound
	}
	removed := s.Descendants(id)
	for _, victim := range removed {
		delete(s.records, victim)
	}
	return removed, nil
}

// Descendants returns id followed by everything below it.
func (s *Set) Descendants(id schema.NodeID) []schema.NodeID {
	out := []schema.NodeID{id}
	for i := 0; i < len(out); i++ {
		for _, rec := range s.records {
			if rec.ParentID == out[i] && rec.ID != out[i] {
				out = append(out, rec.ID)
			}
		}
	}
	return out
}

// Search matches names and file lines case-insensitively.
func (s *Set) Search(req schema.SearchRequest) []schema.SearchHit {
	query := strings.ToLower(strings.TrimSpace(req.Query))
	if query == "" {
		return nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	var hits []schema.SearchHit
	for _, rec := range s.Records() {
		p := s.Path(rec.ID)
		if strings.Contains(strings.ToLower(rec.Name), query) {
			hits = append(hits, schema.SearchHit{ID: rec.ID, Path: p, Kind: rec.Kind})
			if len(hits) >= limit {
				return hits
			}
		}
		if rec.Kind != schema.NodeFile {
			continue
		}
		for i, line := range strings.Split(rec.Content, "\n") {
			if !strings.Contains(strings.ToLower(line), query) {
				continue
			}
			hits = append(hits, schema.SearchHit{ID: rec.ID, Path: p, Kind: rec.Kind, Line: i + 1, Snippet: snippet(line)})
			if len(hits) >= limit {
				return hits
			}
		}
	}
	return hits
}

func snippet(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > 160 {
		return line[:160]
	}
	return line
}

func (s *Set) checkParent(parent schema.NodeID) error {
	if parent == "" {
		return nil
	}
	rec := s.records[parent]
	if rec == nil {
		return fmt.Errorf("%w: parent %s", schema.ErrNodeNotFound, parent)
	}
	if rec.Kind != schema.NodeFolder {
		return fmt.Errorf("%w: %s is not a folder", schema.ErrValidation, s.Path(parent))
	}
	return nil
}

func (s *Set) checkSibling(parent schema.NodeID, name string, self schema.NodeID) error {
	for _, rec := range s.records {
		if rec.ParentID == parent && rec.Name == name && rec.ID != self {
			return fmt.Errorf("%w: %s", schema.ErrNodeExists, path.Join("/", s.Path(parent), name))
		}
	}
	return nil
}
