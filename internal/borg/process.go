package borg

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Tuning bundles the supervision timing constants. The zero value is not
// usable; start from DefaultTuning. Tests shrink the durations.
type Tuning struct {
	// PollTimeout bounds one read from the diagnostic stream.
	PollTimeout time.Duration
	// StallThreshold is the silence after which a run is reported stalled.
	StallThreshold time.Duration
	// DelayReconnect is the fixed pause between reconnect attempts.
	DelayReconnect time.Duration
	// MaxReconnect caps the reconnect attempts per reconnect cycle.
	MaxReconnect int
	// LockWaitReconnect is the repository lock wait granted to retried
	// attempts, so a retry tolerates the previous attempt's lock draining.
	LockWaitReconnect time.Duration
}

func DefaultTuning() Tuning {
	return Tuning{
		PollTimeout:       100 * time.Millisecond,
		StallThreshold:    time.Second,
		DelayReconnect:    time.Minute,
		MaxReconnect:      30,
		LockWaitReconnect: 10 * time.Minute,
	}
}

// Communication bundles the shared state of one running job: the status
// store written by the supervisor and the bus its classified messages are
// published on.
type Communication struct {
	Status *Store
	Events *Bus
}

func NewCommunication() *Communication {
	return &Communication{Status: NewStore(), Events: NewBus()}
}

// None is the result type for borg commands that produce no stdout payload.
// It decodes from the literal JSON null document.
type None struct{}

// Stats is the payload of borg create --json.
type Stats struct {
	Archive struct {
		Name  string `json:"name"`
		Stats struct {
			OriginalSize     uint64 `json:"original_size"`
			CompressedSize   uint64 `json:"compressed_size"`
			DeduplicatedSize uint64 `json:"deduplicated_size"`
			NFiles           uint64 `json:"nfiles"`
		} `json:"stats"`
	} `json:"archive"`
}

// Run executes call as a supervised subprocess and decodes its stdout
// payload as T. Connection-class failures are retried per tune; every other
// error is returned as-is. Cancelling ctx aborts the run: the child receives
// SIGTERM, the call waits for it to exit, and ErrAborted is returned.
//
// All bus subscribers are closed before Run returns, whatever the outcome.
func Run[T any](ctx context.Context, call *Call, comm *Communication, tune Tuning) (T, error) {
	defer comm.Events.Close()

	comm.Status.Update(func(s *Status) {
		now := time.Now()
		s.Started = &now
	})

	rec := newReconnect(tune)
	for {
		result, err := attempt[T](ctx, call, comm, tune)
		if err == nil || !IsConnectionError(err) {
			return result, err
		}

		rec.prepare(call)

		if comm.Status.Load().Run != RunReconnecting {
			slog.DebugContext(ctx, "connection lost, starting reconnect attempts")
			rec.reset()
			comm.Status.Update(func(s *Status) { s.Run = RunReconnecting })
		}

		if !rec.next() {
			return result, err
		}
		slog.DebugContext(ctx, "reconnect attempt", "attempt", rec.retries)

		select {
		case <-time.After(tune.DelayReconnect):
		case <-ctx.Done():
			var zero T
			return zero, ErrAborted
		}
	}
}

// attempt runs one invocation to completion: spawn, pump the diagnostic
// stream through the classifier, publish every message, track staleness, and
// classify the exit.
func attempt[T any](ctx context.Context, call *Call, comm *Communication, tune Tuning) (T, error) {
	var zero T

	inv, err := call.spawn(ctx)
	if err != nil {
		return zero, err
	}

	lines := make(chan string)
	pump := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(inv.stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		pump <- scanner.Err()
	}()

	var unresponsive time.Duration
	timeout := time.NewTimer(tune.PollTimeout)
	defer timeout.Stop()

read:
	for {
		// React to an abort before blocking on the stream again, so a
		// cancellation is never delayed by more than one poll timeout.
		if ctx.Err() != nil {
			return zero, abort(ctx, inv, comm, lines)
		}

		resetTimer(timeout, tune.PollTimeout)
		select {
		case line, ok := <-lines:
			if !ok {
				break read // end of stream, await exit
			}
			unresponsive = 0
			handleLine(ctx, line, comm)

		case <-timeout.C:
			unresponsive += tune.PollTimeout
			if unresponsive > tune.StallThreshold &&
				comm.Status.Load().Run != RunReconnecting {
				comm.Status.Update(func(s *Status) { s.Run = RunStalled })
			}

		case <-ctx.Done():
			// handled at the top of the next iteration
		}
	}

	// A broken stream (oversized line, read error) is not end of output: the
	// child may be blocked writing the unread remainder and would never exit
	// on its own.
	if err := <-pump; err != nil {
		_ = inv.cmd.Process.Kill()
		_ = inv.cmd.Wait()
		return zero, fmt.Errorf("reading borg diagnostic stream: %w", err)
	}

	waitErr := inv.cmd.Wait()
	slog.DebugContext(ctx, "borg process terminated")

	if waitErr == nil {
		return decodePayload[T](inv.stdout.Bytes())
	}

	if logErr := errorFromHistory(comm.Status.Load().History); logErr != nil {
		return zero, logErr
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
		return zero, &ExitCodeError{Code: exitErr.ExitCode()}
	}
	return zero, waitErr
}

// handleLine classifies one diagnostic line, updates the status store, and
// publishes the message. A progress record is evidence of liveness and forces
// the run state back to Running, even while reconnecting.
func handleLine(ctx context.Context, line string, comm *Communication) {
	msg := ParseLine(line)

	switch msg.(type) {
	case Progress:
		comm.Status.Update(func(s *Status) {
			s.Run = RunRunning
			s.LastMessage = msg
		})
	default:
		if run := comm.Status.Load().Run; run != RunRunning && run != RunReconnecting {
			comm.Status.Update(func(s *Status) { s.Run = RunRunning })
		}
		comm.Status.AddMessage(msg)
	}

	// Publish returns early only when ctx is cancelled; the abort check at
	// the top of the poll loop takes over then.
	_ = comm.Events.Publish(ctx, msg)
}

// abort terminates the child with SIGTERM and waits for it to exit before
// surfacing the user abort. No output can arrive after the error is reported
// and no zombie is left behind. Waiting comes first: the stream only reaches
// end of file once every inherited writer is gone, which may include orphaned
// grandchildren outliving the signal.
func abort(ctx context.Context, inv *invocation, comm *Communication, lines <-chan string) error {
	comm.Status.Update(func(s *Status) { s.Run = RunStopping })

	slog.DebugContext(ctx, "sending SIGTERM to borg process")
	if err := inv.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "terminating borg process failed", "error", err)
	}
	// Wait closes the parent's pipe ends, stopping the pump.
	_ = inv.cmd.Wait()
	for range lines {
		// discard output emitted while shutting down
	}
	slog.DebugContext(ctx, "borg process terminated after abort")
	return ErrAborted
}

// decodePayload decodes the stdout payload as T. For None the sentinel null
// document is decoded instead, covering commands without payload.
func decodePayload[T any](payload []byte) (T, error) {
	var out T
	data := payload
	if _, ok := any(out).(None); ok {
		data = []byte("null")
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding borg result: %w", err)
	}
	return out, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
