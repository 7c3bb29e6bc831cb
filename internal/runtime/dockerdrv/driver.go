package dockerdrv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"github.com/flowmesh/fleetd/internal/runtime"
)

// Driver runs one container per stream worker, named deterministically
// so a reconciler restart can recover a worker's handle without
// persisting anything the daemon doesn't already know.
type Driver struct {
	api *client.Client
}

var _ runtime.Driver = (*Driver)(nil)

// ContainerName returns the deterministic container name for a stream.
func ContainerName(streamID string) string {
	return "fleetd-worker-" + streamID
}

// Start pulls the worker image if needed, creates a container named for
// the stream, and starts it. The container name doubles as the handle:
// it is stable across fleetd restarts, so the Reconciler never loses
// track of a worker even if it never persists the handle.
func (d *Driver) Start(ctx context.Context, spec runtime.Spec) (string, error) {
	name := ContainerName(spec.StreamID)

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", retryable("pull worker image", err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	resp, err := d.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name: name,
		Config: &container.Config{
			Image: spec.Image,
			Env:   env,
			Labels: map[string]string{
				"fleetd.stream_id": spec.StreamID,
			},
		},
		HostConfig: &container.HostConfig{
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyOnFailure, MaximumRetryCount: 3},
		},
	})
	if err != nil {
		if isNameConflict(err) {
			// A container with this name already exists (a previous
			// Start that crashed before Stop cleaned up). Remove it and
			// retry once so Activate stays idempotent.
			_, _ = d.api.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true})
			resp, err = d.api.ContainerCreate(ctx, client.ContainerCreateOptions{
				Name:       name,
				Config:     &container.Config{Image: spec.Image, Env: env},
				HostConfig: &container.HostConfig{RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyOnFailure, MaximumRetryCount: 3}},
			})
		}
		if err != nil {
			return "", permanent("create worker container", err)
		}
	}

	if _, err := d.api.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return "", retryable("start worker container", err)
	}
	return name, nil
}

// Stop stops and removes the worker container. An already-absent
// container is treated as already-stopped, not an error, so repeated
// Deactivate calls are idempotent.
func (d *Driver) Stop(ctx context.Context, handle string) error {
	timeout := 10
	_, err := d.api.ContainerStop(ctx, handle, client.ContainerStopOptions{Timeout: &timeout})
	if err != nil && !isNotFound(err) {
		return retryable("stop worker container", err)
	}
	_, err = d.api.ContainerRemove(ctx, handle, client.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !isNotFound(err) {
		return retryable("remove worker container", err)
	}
	return nil
}

// Inspect reports the worker container's current state.
func (d *Driver) Inspect(ctx context.Context, handle string) (runtime.Status, error) {
	resp, err := d.api.ContainerInspect(ctx, handle, client.ContainerInspectOptions{})
	if err != nil {
		if isNotFound(err) {
			return runtime.Status{Handle: handle, State: runtime.StateStopped}, nil
		}
		return runtime.Status{}, retryable("inspect worker container", err)
	}

	st := runtime.Status{Handle: handle}
	if resp.Container.State != nil {
		switch {
		case resp.Container.State.Running:
			st.State = runtime.StateRunning
		case resp.Container.State.Restarting:
			st.State = runtime.StatePending
		case resp.Container.State.ExitCode != 0:
			st.State = runtime.StateFailed
			st.Message = resp.Container.State.Error
		default:
			st.State = runtime.StateStopped
		}
		if t, err := time.Parse(time.RFC3339Nano, resp.Container.State.StartedAt); err == nil {
			st.StartedAt = t
		}
	} else {
		st.State = runtime.StateUnknown
	}
	return st, nil
}

// Tail returns the last N lines of the worker container's combined
// stdout/stderr.
func (d *Driver) Tail(ctx context.Context, handle string, lines int) (string, error) {
	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", lines),
	}
	reader, err := d.api.ContainerLogs(ctx, handle, opts)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", retryable("read worker logs", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		raw, _ := io.ReadAll(reader)
		return string(raw), nil
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

func (d *Driver) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.api.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	resp, err := d.api.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return err
	}
	return resp.Wait(ctx)
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}

func isNameConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "is already in use")
}

func retryable(msg string, cause error) error {
	return &runtime.Error{Retryable: true, Message: msg, Cause: cause}
}

func permanent(msg string, cause error) error {
	return &runtime.Error{Retryable: false, Message: msg, Cause: cause}
}
