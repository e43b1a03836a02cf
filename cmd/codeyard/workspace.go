package main

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"pkt.systems/codeyard"
	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/internal/appconfig"
	"pkt.systems/codeyard/internal/eventbus"
	"pkt.systems/codeyard/internal/logx"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

// oneShot is a service bound to a single workspace for the run and sync
// commands. Progress is reported from the event bus.
type oneShot struct {
	backends *stack
	service  *core.Service
	ws       *core.Workspace
	unsub    func()
	reported chan struct{}
	logger   pslog.Logger
}

func openOneShot(ctx context.Context, cfgPath, workspaceID string) (*oneShot, error) {
	logger := pslog.Ctx(ctx)
	id := schema.WorkspaceID(strings.TrimSpace(workspaceID))
	if err := schema.ValidateWorkspaceID(id); err != nil {
		return nil, err
	}
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	backends, err := openStack(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New(logger)
	sinks := append([]core.EventSink{bus}, backends.sinks...)
	service, err := core.NewService(cfg.WorkspaceSettings(), core.ServiceDeps{
		Store:     backends.store,
		Channels:  backends.channels,
		EventSink: codeyard.FanOut(sinks...),
		Logger:    logger,
	})
	if err != nil {
		_ = backends.Close(ctx)
		return nil, err
	}
	events, unsub := bus.Subscribe(id)
	ws, err := service.Workspace(ctx, id)
	if err != nil {
		unsub()
		service.Close(ctx)
		_ = backends.Close(ctx)
		return nil, err
	}
	o := &oneShot{
		backends: backends,
		service:  service,
		ws:       ws,
		unsub:    unsub,
		reported: make(chan struct{}),
		logger:   logx.WithWorkspace(ctx, id),
	}
	go o.report(events)
	if err := prepareChannels(ctx, backends.channels); err != nil {
		o.Close()
		return nil, err
	}
	return o, nil
}

// Close destroys the session and releases every backend.
func (o *oneShot) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	o.ws.DestroySession(ctx)
	o.service.Close(ctx)
	shutdownChannels(ctx, o.backends.channels)
	o.unsub()
	<-o.reported
	if err := o.backends.Close(ctx); err != nil {
		o.logger.Warn("backend close failed", "err", err)
	}
}

func (o *oneShot) report(events <-chan schema.Event) {
	defer close(o.reported)
	for ev := range events {
		switch ev.Type {
		case schema.EventSession:
			if ev.Session != nil {
				o.logger.Debug("session status", "from", ev.Session.From, "to", ev.Session.Status, "session", ev.Session.SessionID)
				if ev.Session.Error != "" {
					o.logger.Warn("session error", "err", ev.Session.Error)
				}
			}
		case schema.EventSync:
			if ev.Sync == nil {
				continue
			}
			switch ev.Sync.Phase {
			case schema.SyncPhaseStarted:
				o.logger.Debug("sync started", "total", ev.Sync.Total)
			case schema.SyncPhaseRecord:
				if rec := ev.Sync.Record; rec != nil {
					if rec.Success {
						o.logger.Debug("sync record", "path", rec.Path, "kind", rec.Kind, "done", ev.Sync.Done, "total", ev.Sync.Total)
					} else {
						o.logger.Warn("sync record failed", "path", rec.Path, "message", rec.Message)
					}
				}
			case schema.SyncPhaseCompleted:
				o.logger.Debug("sync completed", "synced", ev.Sync.IsSynced, "done", ev.Sync.Done, "total", ev.Sync.Total)
			}
		case schema.EventSave:
			if ev.Save != nil && ev.Save.Error != "" {
				o.logger.Warn("save failed", "path", ev.Save.Path, "err", ev.Save.Error)
			}
		}
	}
}

// findNode looks up a node by its rooted workspace path.
func findNode(nodes []*schema.WorkspaceNode, p string) *schema.WorkspaceNode {
	for _, node := range nodes {
		if node == nil {
			continue
		}
		if node.Path == p {
			return node
		}
		if found := findNode(node.Children, p); found != nil {
			return found
		}
	}
	return nil
}

// upsertFile writes text to the file at p, creating missing parent folders.
func upsertFile(ctx context.Context, ws *core.Workspace, p, text string) (schema.WorkspaceNode, error) {
	nodes, err := ws.Tree(ctx)
	if err != nil {
		return schema.WorkspaceNode{}, err
	}
	if existing := findNode(nodes, p); existing != nil {
		if existing.IsFolder() {
			return schema.WorkspaceNode{}, fmt.Errorf("%s is a folder", p)
		}
		if _, err := ws.OpenFile(ctx, existing.ID); err != nil {
			return schema.WorkspaceNode{}, err
		}
		if _, err := ws.Edit(text); err != nil {
			return schema.WorkspaceNode{}, err
		}
		if _, err := ws.Save(ctx); err != nil {
			return schema.WorkspaceNode{}, err
		}
		return *existing, nil
	}

	var parentID schema.NodeID
	dir, name := path.Split(p)
	current := ""
	for _, segment := range strings.Split(strings.Trim(dir, "/"), "/") {
		if segment == "" {
			continue
		}
		current += "/" + segment
		if folder := findNode(nodes, current); folder != nil {
			if !folder.IsFolder() {
				return schema.WorkspaceNode{}, fmt.Errorf("%s is not a folder", current)
			}
			parentID = folder.ID
			continue
		}
		created, err := ws.CreateNode(ctx, schema.CreateNodeRequest{ParentID: parentID, Name: segment, Kind: schema.NodeFolder})
		if err != nil {
			return schema.WorkspaceNode{}, err
		}
		parentID = created.ID
	}
	return ws.CreateNode(ctx, schema.CreateNodeRequest{ParentID: parentID, Name: name, Kind: schema.NodeFile, Content: text})
}
