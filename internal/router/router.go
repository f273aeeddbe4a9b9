// Package router implements CapabilityRouter (spec.md §4.6): the single
// path every capability call goes through, from profile check to
// execution-record persistence.
package router

import (
	"context"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/history"
	"github.com/baysh/bay/internal/runtime"
	"github.com/baysh/bay/internal/sandbox"
	"github.com/baysh/bay/internal/session"
	"github.com/rs/zerolog/log"
)

// Router dispatches (sandbox, capability, operation) calls.
type Router struct {
	sandboxes *sandbox.Manager
	sessions  *session.Manager
	history   *history.Recorder
}

func New(sandboxes *sandbox.Manager, sessions *session.Manager, hist *history.Recorder) *Router {
	return &Router{sandboxes: sandboxes, sessions: sessions, history: hist}
}

// Outcome is what an op passed to Call returns: its Output for the
// execution record along with the ExecResult-shaped outcome fields. Call
// records history only when its execType is non-empty, and then also for
// an op that failed.
type Outcome struct {
	Success    bool
	Output     string
	Stdout     string
	Stderr     string
	ExitCode   *int
	DurationMs int64
}

func (r *Router) Call(ctx context.Context, owner, sandboxID string, cap runtime.Capability, execType string, input string, op func(ctx context.Context, adapter runtime.Adapter) (*Outcome, error)) (*Outcome, error) {
	sess, prof, err := r.sandboxes.EnsureRunning(ctx, owner, sandboxID)
	if err != nil {
		return nil, err
	}

	if !prof.Supports(cap) {
		return nil, apierr.Newf(apierr.CapabilityNotSupported, "capability %q is not declared by profile %s", cap, prof.ID)
	}

	adapter, _, err := r.sessions.AdapterAndContainerFor(ctx, sess, prof, cap)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	outcome, opErr := op(ctx, adapter)
	duration := time.Since(started)

	if r.history != nil && execType != "" {
		success := opErr == nil && (outcome == nil || outcome.Success)
		rec := history.Record{
			SandboxID: sandboxID, Type: execType, Input: input,
			StartedAt: started, DurationMs: duration.Milliseconds(), Success: success,
		}
		if outcome != nil {
			rec.Output = outcome.Output
			rec.Stdout = outcome.Stdout
			rec.Stderr = outcome.Stderr
			rec.ExitCode = outcome.ExitCode
		}
		if recErr := r.history.Append(ctx, rec); recErr != nil {
			log.Warn().Err(recErr).Str("sandbox_id", sandboxID).Msg("router: failed to persist execution record")
		}
	}

	if opErr != nil {
		return nil, translate(opErr)
	}
	return outcome, nil
}

// translate maps adapter/driver errors onto the public taxonomy
// (spec.md §4.6 "Error translation", §7).
func translate(err error) error {
	if ae, ok := apierr.As(err); ok {
		return ae
	}
	switch err.(type) {
	case *runtime.ConnError:
		return apierr.Wrap(apierr.RuntimeError, "runtime connection failed", err)
	case *runtime.WireError:
		return apierr.Wrap(apierr.RuntimeError, "runtime returned an error", err)
	default:
		return apierr.Internal(err)
	}
}
