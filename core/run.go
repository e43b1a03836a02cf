package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/codeyard/schema"
)

// Run writes the active file's live text to the remote side and executes it.
// Steps run in order (delete, truncate-write, appends, execute) and each waits
// for its own end marker before the next is sent.
func (w *Workspace) Run(ctx context.Context, req schema.RunRequest) (schema.ExecutionResult, error) {
	const op = "run"
	snap := w.editor.Snapshot()
	if !snap.Open() {
		return schema.ExecutionResult{}, newErrorf(ErrorValidation, op, "no active file")
	}
	remote := RemotePath(w.cfg.RemoteRoot, snap.Path)
	command, err := w.runCommand(snap, remote, req.Command)
	if err != nil {
		return schema.ExecutionResult{FilePath: snap.Path}, err
	}
	result := schema.ExecutionResult{FilePath: snap.Path, Command: command}

	w.mu.Lock()
	inProgress := w.sync.InProgress
	synced := w.sync.IsSynced
	w.mu.Unlock()
	if inProgress {
		return result, newErrorf(ErrorBusy, op, "session busy: sync in progress")
	}
	if !synced {
		return result, newErrorf(ErrorSyncRequired, op, "sync the workspace before running")
	}

	lease, err := w.session.Acquire(op)
	if err != nil {
		return result, err
	}
	defer lease.Release()

	writes, err := WriteCommands(remote, snap.LiveText, lease.Info())
	if err != nil {
		return w.finishRun(result, err)
	}
	remove, err := RemoveCommand(remote)
	if err != nil {
		return w.finishRun(result, err)
	}

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	w.logger.Debug("run writing", "path", snap.Path, "steps", len(writes)+1)
	for _, step := range append([]string{remove}, writes...) {
		res, err := lease.Exec(ctx, step, w.cfg.StepTimeout)
		if err != nil {
			result.CapturedOutput = res.Output
			result.Duration = time.Since(start)
			return w.finishRun(result, err)
		}
		if res.ExitCode != 0 {
			code := res.ExitCode
			result.ExitCode = &code
			result.CapturedOutput = res.Output
			result.Duration = time.Since(start)
			return w.finishRun(result, newErrorf(ErrorRemote, op, "writing %s failed with exit status %d", remote, code))
		}
	}
	result.WroteOk = true

	res, err := lease.Exec(ctx, command, w.cfg.RunTimeout)
	result.Duration = time.Since(start)
	result.CapturedOutput = res.Output
	result.OutputTruncated = res.Dropped > 0
	if err != nil {
		return w.finishRun(result, err)
	}
	if result.OutputTruncated {
		w.logger.Warn("run output truncated", "path", snap.Path, "dropped_bytes", res.Dropped, "kept_bytes", len(res.Output))
	}
	code := res.ExitCode
	result.ExitCode = &code
	result.RanOk = res.BeginSeen && res.EndSeen && code == 0
	switch {
	case result.RanOk:
		return w.finishRun(result, nil)
	case code != 0:
		return w.finishRun(result, newErrorf(ErrorRemote, op, "%s exited with status %d", snap.Path, code))
	default:
		return w.finishRun(result, newErrorf(ErrorRemote, op, "start marker for %s was not observed", snap.Path))
	}
}

// LastResult returns the most recent run result, if any.
func (w *Workspace) LastResult() (schema.ExecutionResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastRun == nil {
		return schema.ExecutionResult{}, false
	}
	return *w.lastRun, true
}

func (w *Workspace) finishRun(result schema.ExecutionResult, err error) (schema.ExecutionResult, error) {
	w.mu.Lock()
	stored := result
	w.lastRun = &stored
	w.mu.Unlock()
	event := &schema.RunEvent{Result: result}
	if err != nil {
		event.Error = err.Error()
		w.logger.Warn("run failed", "path", result.FilePath, "wrote", result.WroteOk, "err", err)
	} else {
		w.logger.Info("run completed", "path", result.FilePath, "duration_ms", result.Duration.Milliseconds())
	}
	w.emit(schema.Event{Type: schema.EventRun, Run: event})
	return result, err
}

// runCommand resolves the command for the open file. An override may contain
// {path}; without it the quoted path is appended.
func (w *Workspace) runCommand(snap schema.EditorSnapshot, remote, override string) (string, error) {
	const op = "run"
	template := strings.TrimSpace(override)
	if override != "" && template == "" {
		return "", newErrorf(ErrorValidation, op, "empty command")
	}
	if template == "" {
		language := snap.Language
		if language == "" {
			language = schema.LanguageForPath(snap.Path, w.cfg.Languages)
		}
		template = strings.TrimSpace(w.cfg.RunCommands[language])
		if template == "" {
			return "", newErrorf(ErrorValidation, op, "no run command configured for %s", snap.Path)
		}
	}
	if strings.ContainsAny(template, "\n\r") {
		return "", newErrorf(ErrorValidation, op, "command must be a single line")
	}
	quoted, err := quoteChecked(op, remote, false)
	if err != nil {
		return "", err
	}
	if strings.Contains(template, schema.PathPlaceholder) {
		return strings.ReplaceAll(template, schema.PathPlaceholder, quoted), nil
	}
	return fmt.Sprintf("%s %s", template, quoted), nil
}
