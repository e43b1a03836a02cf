package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

func quietContext() context.Context {
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.ErrorLevel,
	})
	return pslog.ContextWithLogger(context.Background(), logger)
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"serve", "run", "sync", "sandbox", "keygen", "users", "config", "version"}
	for _, name := range want {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestExitCode(t *testing.T) {
	ctx := quietContext()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "plain", err: errors.New("boom"), want: 1},
		{name: "remote", err: &exitError{code: 7, err: errors.New("remote")}, want: 7},
		{name: "zero-code", err: &exitError{code: 0}, want: 1},
	}
	for _, tc := range tests {
		if got := exitCode(ctx, tc.err); got != tc.want {
			t.Fatalf("%s: exitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestRunExit(t *testing.T) {
	code := 3
	remote := core.NewError(core.ErrorRemote, "run", errors.New("exit status 3"))
	err := runExit(schema.ExecutionResult{ExitCode: &code}, remote)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if !errors.Is(err, schema.ErrRemoteError) {
		t.Fatalf("expected remote error to unwrap, got %v", err)
	}

	timeout := core.NewError(core.ErrorExecutionTimeout, "run", nil)
	err = runExit(schema.ExecutionResult{}, timeout)
	if !errors.As(err, &ee) || ee.code != 124 {
		t.Fatalf("expected exit code 124 on timeout, got %v", err)
	}

	other := core.NewError(core.ErrorSyncRequired, "run", nil)
	if err := runExit(schema.ExecutionResult{}, other); errors.As(err, &ee) {
		t.Fatalf("expected plain error for sync_required, got exit %d", ee.code)
	}
	if err := runExit(schema.ExecutionResult{}, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestFindNode(t *testing.T) {
	tree := []*schema.WorkspaceNode{
		{ID: "a", Name: "src", Path: "/src", Kind: schema.NodeFolder, Children: []*schema.WorkspaceNode{
			{ID: "b", Name: "main.py", Path: "/src/main.py", Kind: schema.NodeFile},
		}},
		{ID: "c", Name: "README", Path: "/README", Kind: schema.NodeFile},
	}
	if got := findNode(tree, "/src/main.py"); got == nil || got.ID != "b" {
		t.Fatalf("expected nested node b, got %+v", got)
	}
	if got := findNode(tree, "/README"); got == nil || got.ID != "c" {
		t.Fatalf("expected root node c, got %+v", got)
	}
	if got := findNode(tree, "/missing"); got != nil {
		t.Fatalf("expected nil for missing path, got %+v", got)
	}
}
