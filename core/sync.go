package core

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"pkt.systems/codeyard/schema"
)

// Sync replays the store's tree onto the remote session. Individual record
// failures are recorded and the batch continues; a transport failure marks the
// remaining records failed and returns SessionUnavailable. Paths an earlier
// sync on the same session created that the tree no longer holds are removed
// before the replay.
func (w *Workspace) Sync(ctx context.Context) (schema.SyncState, error) {
	const op = "sync"
	lease, err := w.session.Acquire(op)
	if err != nil {
		return w.SyncState(), err
	}
	defer lease.Release()
	// A started batch runs to completion or to the first transport error.
	ctx = context.WithoutCancel(ctx)

	nodes, err := w.store.LoadTree(ctx, w.id)
	if err != nil {
		w.invalidate("sync failed")
		return w.SyncState(), NewError(ErrorPersistence, op, err)
	}
	records, err := FlattenTree(nodes)
	if err != nil {
		w.invalidate("sync failed")
		return w.SyncState(), err
	}

	w.mu.Lock()
	gen := w.syncGen
	w.sync = schema.SyncState{InProgress: true, Records: []schema.SyncRecord{}, StartedAt: time.Now()}
	started := w.sync.StartedAt
	w.mu.Unlock()
	w.emit(schema.Event{Type: schema.EventSync, Sync: &schema.SyncEvent{Phase: schema.SyncPhaseStarted, Total: len(records)}})
	w.logger.Info("sync started", "records", len(records))

	var transportErr error
	if root := w.cfg.RemoteRoot; root != "." && root != "/" {
		if err := w.syncStep(ctx, lease, mustMkdir(RemotePath(root, "/"))); err != nil && KindOf(err) == ErrorSessionUnavailable {
			transportErr = err
		}
	}
	removed := make(map[string]bool)
	for _, p := range w.stalePaths(lease.gen, records) {
		if transportErr != nil {
			break
		}
		err := w.removeStale(ctx, lease, p)
		switch {
		case err == nil:
			removed[p] = true
		case KindOf(err) == ErrorSessionUnavailable:
			transportErr = err
		default:
			w.logger.Warn("sync stale path removal failed", "path", p, "err", err)
		}
	}
	allOk := transportErr == nil
	for i := range records {
		rec := &records[i]
		if transportErr != nil {
			rec.Success = false
			rec.Message = "session unavailable"
			allOk = false
			continue
		}
		if err := w.replay(ctx, lease, rec); err != nil {
			rec.Success = false
			rec.Message = err.Error()
			allOk = false
			if KindOf(err) == ErrorSessionUnavailable {
				transportErr = err
			}
		} else {
			rec.Success = true
		}
		record := *rec
		w.mu.Lock()
		w.sync.Records = append(w.sync.Records, record)
		w.mu.Unlock()
		w.emit(schema.Event{Type: schema.EventSync, Sync: &schema.SyncEvent{
			Phase:  schema.SyncPhaseRecord,
			Record: &record,
			Total:  len(records),
			Done:   i + 1,
		}})
	}

	w.mu.Lock()
	w.updateMirrorLocked(lease.gen, removed, records)
	w.sync = schema.SyncState{
		InProgress:  false,
		Records:     records,
		IsSynced:    allOk && gen == w.syncGen,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	state := cloneSyncState(w.sync)
	w.mu.Unlock()
	if state.Records == nil {
		state.Records = []schema.SyncRecord{}
	}

	event := &schema.SyncEvent{
		Phase:    schema.SyncPhaseCompleted,
		IsSynced: state.IsSynced,
		Total:    len(records),
		Done:     state.Succeeded(),
	}
	if transportErr != nil {
		event.Error = transportErr.Error()
	}
	w.emit(schema.Event{Type: schema.EventSync, Sync: event})
	w.logger.Info("sync completed", "records", len(records), "ok", state.Succeeded(), "synced", state.IsSynced)
	return state, transportErr
}

// SyncState returns the latest sync state.
func (w *Workspace) SyncState() schema.SyncState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return cloneSyncState(w.sync)
}

// stalePaths lists mirrored paths that the new records no longer hold with the
// same kind. A path under another stale path is left to its ancestor.
func (w *Workspace) stalePaths(gen uint64, records []schema.SyncRecord) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mirrorGen != gen || len(w.mirror) == 0 {
		return nil
	}
	current := make(map[string]schema.NodeKind, len(records))
	for _, rec := range records {
		current[rec.Path] = rec.Kind
	}
	stale := make(map[string]bool)
	for p, kind := range w.mirror {
		if k, ok := current[p]; !ok || k != kind {
			stale[p] = true
		}
	}
	out := make([]string, 0, len(stale))
	for p := range stale {
		if !hasStaleAncestor(p, stale) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func hasStaleAncestor(p string, stale map[string]bool) bool {
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if stale[dir] {
			return true
		}
	}
	return false
}

func (w *Workspace) removeStale(ctx context.Context, lease *Lease, p string) error {
	cmd, err := RemoveTreeCommand(RemotePath(w.cfg.RemoteRoot, p))
	if err != nil {
		return err
	}
	w.logger.Debug("sync removing stale path", "path", p)
	return w.syncStep(ctx, lease, cmd)
}

// updateMirrorLocked keeps what survived from the previous mirror and adds
// every record that replayed.
func (w *Workspace) updateMirrorLocked(gen uint64, removed map[string]bool, records []schema.SyncRecord) {
	next := make(map[string]schema.NodeKind)
	if w.mirrorGen == gen {
		for p, kind := range w.mirror {
			if !removed[p] && !hasStaleAncestor(p, removed) {
				next[p] = kind
			}
		}
	}
	for _, rec := range records {
		if rec.Success {
			next[rec.Path] = rec.Kind
		}
	}
	w.mirror = next
	w.mirrorGen = gen
}

func (w *Workspace) replay(ctx context.Context, lease *Lease, rec *schema.SyncRecord) error {
	remote := RemotePath(w.cfg.RemoteRoot, rec.Path)
	switch rec.Kind {
	case schema.NodeFolder:
		cmd, err := MkdirCommand(remote)
		if err != nil {
			return err
		}
		return w.syncStep(ctx, lease, cmd)
	default:
		cmds, err := WriteCommands(remote, rec.Content, lease.Info())
		if err != nil {
			return err
		}
		for _, cmd := range cmds {
			if err := w.syncStep(ctx, lease, cmd); err != nil {
				return err
			}
		}
		return nil
	}
}

func (w *Workspace) syncStep(ctx context.Context, lease *Lease, cmd string) error {
	res, err := lease.Exec(ctx, cmd, w.cfg.StepTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Output)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return &Error{Kind: ErrorRemote, Op: "sync", Message: msg}
	}
	return nil
}

func mustMkdir(root string) string {
	cmd, err := MkdirCommand(root)
	if err != nil {
		return "false"
	}
	return cmd
}

func cloneSyncState(state schema.SyncState) schema.SyncState {
	out := state
	out.Records = append([]schema.SyncRecord(nil), state.Records...)
	return out
}
