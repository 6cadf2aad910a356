// Package container implements the `events` operation: a line-delimited
// JSON stream of container lifecycle events, spec.md §6's `events <id>`.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	cerrors "bock/errors"
	"bock/spec"
)

// Event is one line of the `events <id>` stream: a structured,
// correlation-tagged notice of a state change or warning, matching the
// "structured event stream" spec.md §1 scopes in (and its Non-goals
// exclude everything beyond).
type Event struct {
	ID          string               `json:"id"`
	ContainerID string               `json:"container_id"`
	Type        string               `json:"type"`
	Status      spec.ContainerStatus `json:"status,omitempty"`
	Pid         int                  `json:"pid,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	Message     string               `json:"message,omitempty"`
}

// Event types.
const (
	EventStateChange = "state-change"
	EventWarning     = "warning"
	EventExit        = "exit"
)

// newEvent stamps a fresh correlation ID and timestamp onto an event.
func newEvent(containerID, typ string) Event {
	return Event{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		Type:        typ,
		Timestamp:   time.Now(),
	}
}

// StreamEvents writes one JSON object per line to w for every observed
// change to the container's state.json, until the container reaches
// "stopped" or ctx is canceled. It never polls: fsnotify delivers a write
// event the instant Lifecycle's atomic rename lands (spec.md §5's "rename
// is atomic" guarantee means every observed write is a complete state).
func StreamEvents(ctx context.Context, id, stateRoot string, w io.Writer) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)

	emit := func(typ string) error {
		if st, err := spec.LoadState(c.StateDir + "/" + StateFileName); err == nil {
			c.State = st
			c.InitProcess = st.Pid
		}
		c.RefreshStatus()
		ev := newEvent(c.ID, typ)
		ev.Status = c.State.Status
		ev.Pid = c.InitProcess
		return enc.Encode(ev)
	}

	if err := emit(EventStateChange); err != nil {
		return cerrors.Wrap(err, cerrors.ErrIoFailed, "emit initial event")
	}
	if c.State.Status == spec.StatusStopped {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "create fs watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(c.StateDir); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrIoFailed, "watch state dir", c.StateDir)
	}

	statePath := c.StateDir + "/" + StateFileName
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return cerrors.Wrap(err, cerrors.ErrInternal, "watch state dir")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// The atomic-rename pattern in spec/state.go fires a Create
			// event for the final path, not a Write on it directly.
			if ev.Name != statePath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := emit(EventStateChange); err != nil {
				return cerrors.Wrap(err, cerrors.ErrIoFailed, "emit event")
			}
			if c.State.Status == spec.StatusStopped {
				return emit(EventExit)
			}
		}
	}
}

// EmitWarning writes a single warning event to w without watching for
// further changes, as opposed to the long-lived `events` stream.
func EmitWarning(w io.Writer, containerID, message string) error {
	ev := newEvent(containerID, EventWarning)
	ev.Message = message
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
