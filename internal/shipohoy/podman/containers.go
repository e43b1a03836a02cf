package podman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"pkt.systems/codeyard/internal/shipohoy"
)

type createRequest struct {
	Image      string            `json:"Image"`
	Cmd        []string          `json:"Cmd,omitempty"`
	WorkingDir string            `json:"WorkingDir,omitempty"`
	Env        []string          `json:"Env,omitempty"`
	Labels     map[string]string `json:"Labels"`
	HostConfig *hostConfig       `json:"HostConfig,omitempty"`
}

type hostConfig struct {
	NetworkMode    string            `json:"NetworkMode,omitempty"`
	ReadonlyRootfs bool              `json:"ReadonlyRootfs,omitempty"`
	AutoRemove     bool              `json:"AutoRemove,omitempty"`
	UsernsMode     string            `json:"UsernsMode,omitempty"`
	Memory         int64             `json:"Memory,omitempty"`
	NanoCPUs       int64             `json:"NanoCPUs,omitempty"`
	Tmpfs          map[string]string `json:"Tmpfs,omitempty"`
}

type containerState struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Running bool   `json:"Running"`
		Status  string `json:"Status"`
	} `json:"State"`
}

type containerSummary struct {
	ID      string   `json:"Id"`
	Names   []string `json:"Names"`
	Created int64    `json:"Created"`
}

// EnsureRunning starts the named container, creating it first if needed.
// An existing container with the same name is reused.
func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container name and image are required")
	}
	log := r.log(ctx).With("container", spec.Name, "image", spec.Image)
	state, found, err := r.inspect(ctx, spec.Name)
	if err != nil {
		log.Warn("podman inspect failed", "err", err)
		return nil, err
	}
	if !found {
		var created struct {
			ID string `json:"Id"`
		}
		query := url.Values{"name": {spec.Name}}
		if _, err := r.api.call(ctx, "container create", http.MethodPost, "/containers/create", query, r.createRequest(spec), &created); err != nil {
			log.Warn("podman create failed", "err", err)
			return nil, err
		}
		if created.ID == "" {
			return nil, errors.New("podman create returned no container id")
		}
		state.ID = created.ID
		log.Debug("podman container created", "id", created.ID)
	}
	if !state.State.Running {
		if _, err := r.api.call(ctx, "container start", http.MethodPost, "/containers/"+state.ID+"/start", nil, nil, nil); err != nil {
			log.Warn("podman start failed", "err", err)
			return nil, err
		}
	}
	log.Info("podman container running", "id", state.ID, "reused", found)
	return &handle{name: spec.Name, id: state.ID}, nil
}

func (r *Runtime) createRequest(spec shipohoy.ContainerSpec) createRequest {
	labels := map[string]string{shipohoy.LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	host := hostConfig{
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		AutoRemove:     spec.AutoRemove,
		UsernsMode:     r.usernsMode,
	}
	if spec.NoNetwork {
		host.NetworkMode = "none"
	}
	if caps := spec.ResourceCaps; caps != nil {
		host.Memory = caps.MemoryBytes
		host.NanoCPUs = caps.NanoCPUs
	}
	for _, mount := range spec.Tmpfs {
		if strings.TrimSpace(mount.Target) == "" {
			continue
		}
		if host.Tmpfs == nil {
			host.Tmpfs = map[string]string{}
		}
		host.Tmpfs[mount.Target] = strings.Join(mount.Options, ",")
	}
	return createRequest{
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkingDir,
		Env:        envList(spec.Env),
		Labels:     labels,
		HostConfig: &host,
	}
}

// Stop stops the container; a missing or already stopped one is fine.
func (r *Runtime) Stop(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	_, err := r.api.call(ctx, "container stop", http.MethodPost, "/containers/"+h.ID()+"/stop", url.Values{"timeout": {"10"}}, nil, nil)
	if err != nil && !IsNotFound(err) {
		r.log(ctx).Warn("podman stop failed", "container", h.Name(), "err", err)
		return err
	}
	return nil
}

// Remove force-removes the container; a missing one is fine.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	return r.remove(ctx, h.Name(), h.ID())
}

func (r *Runtime) remove(ctx context.Context, name, id string) error {
	_, err := r.api.call(ctx, "container remove", http.MethodDelete, "/containers/"+id, url.Values{"force": {"true"}}, nil, nil)
	if err != nil && !IsNotFound(err) {
		r.log(ctx).Warn("podman remove failed", "container", name, "err", err)
		return err
	}
	r.log(ctx).Debug("podman container removed", "container", name)
	return nil
}

// Running reports whether the container exists and is running.
func (r *Runtime) Running(ctx context.Context, h shipohoy.Handle) (bool, error) {
	if h == nil {
		return false, errors.New("container handle is required")
	}
	state, found, err := r.inspect(ctx, h.ID())
	if err != nil {
		return false, err
	}
	return found && state.State.Running, nil
}

// Janitor force-removes managed containers matching the selector that are
// older than MinAge.
func (r *Runtime) Janitor(ctx context.Context, spec shipohoy.JanitorSpec) (int, error) {
	labels := []string{shipohoy.LabelManaged + "=true"}
	keys := make([]string, 0, len(spec.LabelSelector))
	for k := range spec.LabelSelector {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		labels = append(labels, k+"="+spec.LabelSelector[k])
	}
	filters, err := json.Marshal(map[string][]string{"label": labels})
	if err != nil {
		return 0, err
	}
	var list []containerSummary
	query := url.Values{"all": {"true"}, "filters": {string(filters)}}
	if _, err := r.api.call(ctx, "container list", http.MethodGet, "/containers/json", query, nil, &list); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-spec.MinAge)
	removed := 0
	for _, item := range list {
		if spec.MinAge > 0 && time.Unix(item.Created, 0).After(cutoff) {
			continue
		}
		if err := r.remove(ctx, summaryName(item), item.ID); err != nil {
			return removed, fmt.Errorf("janitor: %w", err)
		}
		removed++
	}
	r.log(ctx).Info("podman janitor done", "matched", len(list), "removed", removed)
	return removed, nil
}

func (r *Runtime) inspect(ctx context.Context, nameOrID string) (containerState, bool, error) {
	var state containerState
	_, err := r.api.call(ctx, "container inspect", http.MethodGet, "/containers/"+nameOrID+"/json", nil, nil, &state)
	if IsNotFound(err) {
		return containerState{}, false, nil
	}
	if err != nil {
		return containerState{}, false, err
	}
	return state, true, nil
}

func summaryName(item containerSummary) string {
	if len(item.Names) == 0 {
		return item.ID
	}
	return strings.TrimPrefix(item.Names[0], "/")
}

// envList renders env sorted by key so requests are deterministic.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
