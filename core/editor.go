package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/codeyard/internal/logx"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

// Editor tracks the open file's live text against its last persisted text.
type Editor struct {
	workspace   schema.WorkspaceID
	store       WorkspaceStore
	autosave    bool
	delay       time.Duration
	saveTimeout time.Duration
	logger      pslog.Logger
	emit        func(schema.Event)
	onChange    func(reason string)

	mu        sync.Mutex
	fileID    schema.NodeID
	path      string
	language  string
	live      string
	persisted string
	openGen   uint64
	inFlight  chan struct{}
	timer     *time.Timer
	lastErr   string
}

func newEditor(ws schema.WorkspaceID, store WorkspaceStore, cfg schema.WorkspaceConfig, logger pslog.Logger, emit func(schema.Event), onChange func(string)) *Editor {
	if emit == nil {
		emit = func(schema.Event) {}
	}
	if onChange == nil {
		onChange = func(string) {}
	}
	return &Editor{
		workspace:   ws,
		store:       store,
		autosave:    cfg.Autosave,
		delay:       cfg.AutosaveDelay,
		saveTimeout: cfg.SaveTimeout,
		logger:      logger,
		emit:        emit,
		onChange:    onChange,
	}
}

// Snapshot returns the current buffer state.
func (e *Editor) Snapshot() schema.EditorSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Editor) snapshotLocked() schema.EditorSnapshot {
	dirty := e.live != e.persisted
	state := schema.EditorClean
	switch {
	case e.inFlight != nil:
		state = schema.EditorSaving
	case dirty:
		state = schema.EditorDirty
	}
	return schema.EditorSnapshot{
		FileID:            e.fileID,
		Path:              e.path,
		Language:          e.language,
		LiveText:          e.live,
		LastPersistedText: e.persisted,
		Dirty:             dirty,
		SaveInFlight:      e.inFlight != nil,
		State:             state,
		LastError:         e.lastErr,
	}
}

// Open loads a file into the buffer. A dirty buffer is saved first; if that
// save fails the previous file stays open.
func (e *Editor) Open(ctx context.Context, id schema.NodeID) (schema.EditorSnapshot, error) {
	const op = "open"
	if id == "" {
		return e.Snapshot(), newErrorf(ErrorValidation, op, "no file id")
	}
	for attempt := 0; ; attempt++ {
		if err := e.flush(ctx); err != nil {
			return e.Snapshot(), err
		}
		node, err := e.store.LoadContent(ctx, e.workspace, id)
		if err != nil {
			if errors.Is(err, schema.ErrNodeNotFound) {
				return e.Snapshot(), NewError(ErrorValidation, op, err)
			}
			return e.Snapshot(), NewError(ErrorPersistence, op, err)
		}
		if node.Kind != schema.NodeFile {
			return e.Snapshot(), newErrorf(ErrorValidation, op, "%s is not a file", node.Path)
		}
		e.mu.Lock()
		if e.live != e.persisted {
			// Edited again while the flush ran.
			e.mu.Unlock()
			if attempt >= 3 {
				return e.Snapshot(), newErrorf(ErrorValidation, op, "buffer kept changing while switching files")
			}
			continue
		}
		e.stopTimerLocked()
		e.openGen++
		e.fileID = node.ID
		e.path = node.Path
		e.language = node.Language
		e.live = node.Content
		e.persisted = node.Content
		e.lastErr = ""
		snap := e.snapshotLocked()
		e.mu.Unlock()
		logx.WithNode(e.logger, node.ID, node.Path).Debug("editor opened", "bytes", len(node.Content))
		e.emitEditor(snap)
		return snap, nil
	}
}

// Close saves a dirty buffer and discards it.
func (e *Editor) Close(ctx context.Context) (schema.EditorSnapshot, error) {
	if err := e.flush(ctx); err != nil {
		return e.Snapshot(), err
	}
	e.mu.Lock()
	e.stopTimerLocked()
	e.openGen++
	e.fileID = ""
	e.path = ""
	e.language = ""
	e.live = ""
	e.persisted = ""
	e.lastErr = ""
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.emitEditor(snap)
	return snap, nil
}

// Edit replaces the live text and reschedules autosave.
func (e *Editor) Edit(text string) (schema.EditorSnapshot, error) {
	e.mu.Lock()
	if e.fileID == "" {
		e.mu.Unlock()
		return schema.EditorSnapshot{State: schema.EditorClean}, newErrorf(ErrorValidation, "edit", "no active file")
	}
	changed := text != e.live
	e.live = text
	if e.live != e.persisted {
		if e.autosave {
			e.armLocked()
		}
	} else {
		e.stopTimerLocked()
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	if changed {
		e.emitEditor(snap)
		e.onChange("edit")
	}
	return snap, nil
}

// Save persists the live text. A save already in flight is awaited and the
// latest text is saved after it, so the most recent request wins.
func (e *Editor) Save(ctx context.Context) (schema.EditorSnapshot, error) {
	snap, _, err := e.save(ctx, false)
	return snap, err
}

func (e *Editor) flush(ctx context.Context) error {
	e.mu.Lock()
	pending := e.fileID != "" && (e.live != e.persisted || e.inFlight != nil)
	e.mu.Unlock()
	if !pending {
		return nil
	}
	_, _, err := e.save(ctx, false)
	return err
}

func (e *Editor) save(ctx context.Context, auto bool) (schema.EditorSnapshot, bool, error) {
	const op = "save"
	for {
		e.mu.Lock()
		if e.fileID == "" {
			e.mu.Unlock()
			return e.Snapshot(), false, newErrorf(ErrorValidation, op, "no active file")
		}
		if e.inFlight != nil {
			if auto {
				e.armLocked()
				snap := e.snapshotLocked()
				e.mu.Unlock()
				return snap, false, nil
			}
			wait := e.inFlight
			e.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return e.Snapshot(), false, NewError(ErrorPersistence, op, ctx.Err())
			}
		}
		if e.live == e.persisted {
			snap := e.snapshotLocked()
			e.mu.Unlock()
			return snap, false, nil
		}
		text := e.live
		id := e.fileID
		path := e.path
		gen := e.openGen
		done := make(chan struct{})
		e.inFlight = done
		e.stopTimerLocked()
		saving := e.snapshotLocked()
		e.mu.Unlock()
		e.emitEditor(saving)

		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.saveTimeout)
		err := e.store.UpdateContent(saveCtx, e.workspace, id, text)
		cancel()

		e.mu.Lock()
		e.inFlight = nil
		close(done)
		if gen == e.openGen {
			if err == nil {
				e.persisted = text
				e.lastErr = ""
				if e.live != e.persisted && e.autosave {
					e.armLocked()
				}
			} else {
				e.lastErr = err.Error()
			}
		}
		snap := e.snapshotLocked()
		e.mu.Unlock()

		log := logx.WithNode(e.logger, id, path)
		event := &schema.SaveEvent{FileID: id, Path: path, Auto: auto, Dirty: snap.Dirty}
		if err != nil {
			event.Error = err.Error()
			log.Warn("editor save failed", "auto", auto, "err", err)
			e.emit(schema.Event{Type: schema.EventSave, Save: event})
			return snap, true, NewError(ErrorPersistence, op, err)
		}
		event.Silent = auto
		log.Debug("editor saved", "auto", auto, "bytes", len(text), "dirty", snap.Dirty)
		e.emit(schema.Event{Type: schema.EventSave, Save: event})
		e.onChange("save")
		return snap, true, nil
	}
}

func (e *Editor) autosaveTick(gen uint64) {
	e.mu.Lock()
	if gen != e.openGen || !e.autosave {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()
	// Failures are reported through the save event.
	_, _, _ = e.save(context.Background(), true)
}

func (e *Editor) armLocked() {
	e.stopTimerLocked()
	gen := e.openGen
	e.timer = time.AfterFunc(e.delay, func() { e.autosaveTick(gen) })
}

func (e *Editor) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Editor) shutdown() {
	e.mu.Lock()
	e.stopTimerLocked()
	e.openGen++
	e.mu.Unlock()
}

func (e *Editor) emitEditor(snap schema.EditorSnapshot) {
	e.emit(schema.Event{
		Type: schema.EventEditor,
		Editor: &schema.EditorEvent{
			FileID: snap.FileID,
			Path:   snap.Path,
			State:  snap.State,
			Dirty:  snap.Dirty,
		},
	})
}

// refreshPath follows a rename or move of the open file, and discards the
// buffer when the file no longer exists.
func (e *Editor) refreshPath(ctx context.Context) {
	e.mu.Lock()
	id := e.fileID
	gen := e.openGen
	e.mu.Unlock()
	if id == "" {
		return
	}
	node, err := e.store.LoadContent(ctx, e.workspace, id)
	e.mu.Lock()
	if gen != e.openGen {
		e.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		e.path = node.Path
		e.mu.Unlock()
		return
	case errors.Is(err, schema.ErrNodeNotFound):
		e.stopTimerLocked()
		e.openGen++
		e.fileID = ""
		e.path = ""
		e.language = ""
		e.live = ""
		e.persisted = ""
		snap := e.snapshotLocked()
		e.mu.Unlock()
		logx.WithNode(e.logger, id, "").Info("editor discarded deleted file")
		e.emitEditor(snap)
	default:
		e.mu.Unlock()
		logx.WithNode(e.logger, id, "").Warn("editor path refresh failed", "err", err)
	}
}
