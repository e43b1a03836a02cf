package core

import (
	"testing"

	"pkt.systems/codeyard/schema"
)

func TestFlattenTreeFoldersBeforeChildren(t *testing.T) {
	nodes := []*schema.WorkspaceNode{
		{Name: "main.py", Kind: schema.NodeFile, Content: "print('hi')\n"},
		{Name: "pkg", Kind: schema.NodeFolder, Children: []*schema.WorkspaceNode{
			{Name: "util.py", Kind: schema.NodeFile},
			{Name: "sub", Kind: schema.NodeFolder, Children: []*schema.WorkspaceNode{
				{Path: "/pkg/sub/deep.py", Kind: schema.NodeFile},
			}},
		}},
	}
	records, err := FlattenTree(nodes)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	want := []string{"/main.py", "/pkg", "/pkg/util.py", "/pkg/sub", "/pkg/sub/deep.py"}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	index := make(map[string]int)
	for i, rec := range records {
		if rec.Path != want[i] {
			t.Fatalf("record %d: got %s want %s", i, rec.Path, want[i])
		}
		index[rec.Path] = i
	}
	for _, rec := range records {
		if parent := parentOf(rec.Path); parent != "/" {
			if index[parent] >= index[rec.Path] {
				t.Fatalf("%s emitted before its parent %s", rec.Path, parent)
			}
		}
	}
	if records[0].Content != "print('hi')\n" {
		t.Fatalf("file content not carried")
	}
}

func parentOf(p string) string {
	for i := len(p) - 1; i > 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "/"
}

func TestFlattenTreeEmpty(t *testing.T) {
	records, err := FlattenTree(nil)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestFlattenTreeRejects(t *testing.T) {
	cases := []struct {
		name  string
		nodes []*schema.WorkspaceNode
	}{
		{name: "duplicate path", nodes: []*schema.WorkspaceNode{
			{Name: "a.py", Kind: schema.NodeFile},
			{Path: "/a.py", Kind: schema.NodeFile},
		}},
		{name: "duplicate after cleaning", nodes: []*schema.WorkspaceNode{
			{Path: "/src", Kind: schema.NodeFolder},
			{Path: "src/", Kind: schema.NodeFolder},
		}},
		{name: "child outside parent", nodes: []*schema.WorkspaceNode{
			{Name: "src", Kind: schema.NodeFolder, Children: []*schema.WorkspaceNode{
				{Path: "/other/x.py", Kind: schema.NodeFile},
			}},
		}},
		{name: "parent traversal", nodes: []*schema.WorkspaceNode{
			{Path: "/../etc/passwd", Kind: schema.NodeFile},
		}},
		{name: "newline in name", nodes: []*schema.WorkspaceNode{
			{Name: "a\nb", Kind: schema.NodeFile},
		}},
		{name: "file with children", nodes: []*schema.WorkspaceNode{
			{Name: "a.py", Kind: schema.NodeFile, Children: []*schema.WorkspaceNode{{Name: "b", Kind: schema.NodeFile}}},
		}},
		{name: "unknown kind", nodes: []*schema.WorkspaceNode{
			{Name: "a", Kind: "link"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FlattenTree(tc.nodes)
			requireKind(t, err, ErrorValidation)
		})
	}
}

func TestRemotePath(t *testing.T) {
	cases := []struct {
		root string
		path string
		want string
	}{
		{root: ".", path: "/main.py", want: "./main.py"},
		{root: "", path: "/src/a.py", want: "./src/a.py"},
		{root: "/workspace", path: "/src/a.py", want: "/workspace/src/a.py"},
		{root: "work", path: "/a b.py", want: "./work/a b.py"},
		{root: ".", path: "/-main.sh", want: "./-main.sh"},
		{root: ".", path: "/-lib/-x", want: "./-lib/-x"},
		{root: "../up", path: "/a", want: "../up/a"},
		{root: ".", path: "/", want: "."},
	}
	for _, tc := range cases {
		if got := RemotePath(tc.root, tc.path); got != tc.want {
			t.Fatalf("RemotePath(%q, %q) = %q, want %q", tc.root, tc.path, got, tc.want)
		}
	}
}
