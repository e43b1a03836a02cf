package shipohoy

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"
)

// Yard manages the sandbox containers started under one plan.
type Yard struct {
	runtime Runtime
	plan    YardPlan

	mu      sync.Mutex
	handles map[string]Handle
}

// Commission creates a new yard with the given plan.
func Commission(plan YardPlan, runtime Runtime) *Yard {
	return &Yard{
		runtime: runtime,
		plan:    plan,
		handles: make(map[string]Handle),
	}
}

// Runtime returns the backend the yard drives.
func (y *Yard) Runtime() Runtime { return y.runtime }

// ShipOut merges the yard plan into spec and ensures the container is running.
func (y *Yard) ShipOut(ctx context.Context, spec ContainerSpec) (Handle, error) {
	if y.runtime == nil {
		return nil, errors.New("yard has no runtime")
	}
	spec = y.plan.apply(spec)
	log := pslog.Ctx(ctx).With("container", spec.Name)
	log.Info("yard ship out start")
	handle, err := y.runtime.EnsureRunning(ctx, spec)
	if err != nil {
		log.Warn("yard ship out failed", "err", err)
		return nil, err
	}
	y.mu.Lock()
	y.handles[handle.Name()] = handle
	y.mu.Unlock()
	log.Info("yard ship out ok", "id", handle.ID())
	return handle, nil
}

// Discharge stops and removes a container shipped out by this yard.
func (y *Yard) Discharge(ctx context.Context, handle Handle) error {
	if handle == nil {
		return nil
	}
	log := pslog.Ctx(ctx).With("container", handle.Name())
	log.Info("yard discharge start")
	y.mu.Lock()
	delete(y.handles, handle.Name())
	y.mu.Unlock()
	stopErr := y.runtime.Stop(ctx, handle)
	if stopErr != nil {
		log.Warn("yard discharge stop failed", "err", stopErr)
	}
	if err := y.runtime.Remove(ctx, handle); err != nil {
		log.Warn("yard discharge remove failed", "err", err)
		return err
	}
	log.Info("yard discharge ok")
	return nil
}

// Active returns the number of containers currently shipped out.
func (y *Yard) Active() int {
	y.mu.Lock()
	defer y.mu.Unlock()
	return len(y.handles)
}

// DischargeAll stops every container still shipped out.
func (y *Yard) DischargeAll(ctx context.Context) {
	log := pslog.Ctx(ctx)
	y.mu.Lock()
	handles := make([]Handle, 0, len(y.handles))
	for _, h := range y.handles {
		handles = append(handles, h)
	}
	y.mu.Unlock()
	log.Info("yard discharge all start", "count", len(handles))
	for _, h := range handles {
		_ = y.Discharge(ctx, h)
	}
	log.Info("yard discharge all ok", "count", len(handles))
}

// Sweep removes leftover containers carrying the yard's labels, such as
// sandboxes orphaned by a previous crash.
func (y *Yard) Sweep(ctx context.Context) (int, error) {
	if y.runtime == nil {
		return 0, errors.New("yard has no runtime")
	}
	selector := map[string]string{}
	for k, v := range y.plan.Labels {
		selector[k] = v
	}
	return y.runtime.Janitor(ctx, JanitorSpec{LabelSelector: selector})
}
