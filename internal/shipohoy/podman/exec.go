package podman

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/codeyard/internal/shipohoy"
)

type execCreate struct {
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	Tty          bool     `json:"Tty"`
	Cmd          []string `json:"Cmd"`
	WorkingDir   string   `json:"WorkingDir,omitempty"`
	Env          []string `json:"Env,omitempty"`
}

// Exec runs one command in the container and streams its output to the
// spec writers as frames arrive.
func (r *Runtime) Exec(ctx context.Context, h shipohoy.Handle, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	if h == nil {
		return shipohoy.ExecResult{}, errors.New("container handle is required")
	}
	if len(spec.Command) == 0 {
		return shipohoy.ExecResult{}, errors.New("exec command is required")
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	log := r.log(ctx).With("container", h.Name())
	started := time.Now()

	var created struct {
		ID string `json:"Id"`
	}
	body := execCreate{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          spec.Command,
		WorkingDir:   spec.WorkingDir,
		Env:          envList(spec.Env),
	}
	if _, err := r.api.call(ctx, "exec create", http.MethodPost, "/containers/"+h.ID()+"/exec", nil, body, &created); err != nil {
		return shipohoy.ExecResult{}, err
	}
	if created.ID == "" {
		return shipohoy.ExecResult{}, errors.New("podman exec create returned no id")
	}
	execPath := "/exec/" + created.ID

	res, err := r.api.open(ctx, "exec start", http.MethodPost, execPath+"/start", nil, map[string]bool{"Detach": false, "Tty": false})
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	streamErr := demux(res.Body, spec.Stdout, spec.Stderr)
	_ = res.Body.Close()
	if streamErr != nil {
		return shipohoy.ExecResult{}, fmt.Errorf("podman exec stream: %w", streamErr)
	}

	var state struct {
		Running  bool `json:"Running"`
		ExitCode int  `json:"ExitCode"`
	}
	if _, err := r.api.call(ctx, "exec inspect", http.MethodGet, execPath+"/json", nil, nil, &state); err != nil {
		return shipohoy.ExecResult{}, err
	}
	if state.Running {
		return shipohoy.ExecResult{}, errors.New("podman exec stream ended while the command was still running")
	}
	finished := time.Now()
	log.Trace("podman exec done", "exit_code", state.ExitCode, "duration_ms", finished.Sub(started).Milliseconds())
	return shipohoy.ExecResult{ExitCode: state.ExitCode, Started: started, Finished: finished}, nil
}

// demux splits the multiplexed attach stream: each frame has an 8 byte
// header whose first byte names the stream and last four the payload size.
func demux(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	var header [8]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, int64(binary.BigEndian.Uint32(header[4:]))); err != nil {
			return err
		}
	}
}
