package shipohoy

import (
	"io"
	"time"
)

// LabelManaged marks every container started through a runtime.
const LabelManaged = "codeyard.managed"

// YardPlan configures default behavior for all containers in a yard.
type YardPlan struct {
	NamePrefix   string
	Env          map[string]string
	Labels       map[string]string
	ResourceCaps ResourceCaps
}

// ResourceCaps sets optional resource limits (0 means default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// TmpfsMount describes a tmpfs mount inside the container.
type TmpfsMount struct {
	Target  string
	Options []string
}

// ContainerSpec describes a container.
type ContainerSpec struct {
	Name           string
	Image          string
	Env            map[string]string
	Labels         map[string]string
	Command        []string
	WorkingDir     string
	Tmpfs          []TmpfsMount
	ReadOnlyRootfs bool
	AutoRemove     bool
	ResourceCaps   *ResourceCaps
	// NoNetwork disables networking inside the container.
	NoNetwork bool
}

// ExecSpec describes a command execution inside a running container.
type ExecSpec struct {
	Command    []string
	Env        map[string]string
	WorkingDir string
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration
}

// ExecResult captures exec completion metadata.
type ExecResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// JanitorSpec prunes managed containers.
type JanitorSpec struct {
	LabelSelector map[string]string
	MinAge        time.Duration
}

// apply fills the gaps in spec from the plan. Values set on the spec win.
func (p YardPlan) apply(spec ContainerSpec) ContainerSpec {
	out := spec
	out.Name = p.NamePrefix + spec.Name
	out.Env = overlay(spec.Env, p.Env)
	out.Labels = overlay(spec.Labels, p.Labels)
	caps := p.ResourceCaps
	if spec.ResourceCaps != nil {
		caps = *spec.ResourceCaps
		caps.MemoryBytes = firstNonZero(caps.MemoryBytes, p.ResourceCaps.MemoryBytes)
		caps.NanoCPUs = firstNonZero(caps.NanoCPUs, p.ResourceCaps.NanoCPUs)
	}
	out.ResourceCaps = &caps
	return out
}

func overlay(own, defaults map[string]string) map[string]string {
	out := make(map[string]string, len(own)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}

func firstNonZero(v, fallback int64) int64 {
	if v != 0 {
		return v
	}
	return fallback
}
