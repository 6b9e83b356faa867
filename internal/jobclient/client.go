// ============================================================================
// Beaver-Audit Job Client - Submit/Poll State Machine
// ============================================================================
//
// Package: internal/jobclient
// File: client.go
// Function: One polling loop shared by every job family
//
// State machine (one RunJob call):
//
//   ┌──────────┐  handle   ┌──────────┐  Pending   ┌──────────┐
//   │  Submit  │ ────────→ │   Poll   │ ─────────→ │   Poll   │ ...
//   └──────────┘           └──────────┘            └──────────┘
//        ↑                      │
//        │  LostJob / stall /   │ Success    → Parse → return payload
//        │  transport error     │ Permanent  → return ErrPermanent
//        └──────────────────────┘
//           (attempt++, abandon the old handle)
//
//   attempt > MaxRetries → ErrRetriesExhausted
//   ctx done             → ErrCanceled
//
// The client does not touch the task registry or the result cache.
//
// ============================================================================

package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// Family is the capability set a job family plugs into RunJob.
type Family[P any] interface {
	Name() types.JobFamily
	Submit(ctx context.Context, params map[string]any) (types.RemoteJobHandle, error)
	Poll(ctx context.Context, handle types.RemoteJobHandle) (RawStatus, error)
	Classify(raw RawStatus) PollOutcome
	Parse(result json.RawMessage) (P, error)
}

// Observer receives state machine events. Implementations must be safe for
// concurrent use; grid runs share one observer across points.
type Observer interface {
	Submitted(family types.JobFamily, attempt int, err error)
	Polled(family types.JobFamily, kind OutcomeKind)
	Resubmitting(family types.JobFamily, attempt int, reason string)
	Finished(family types.JobFamily, err error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) Submitted(types.JobFamily, int, error) {}
func (nopObserver) Polled(types.JobFamily, OutcomeKind) {}
func (nopObserver) Resubmitting(types.JobFamily, int, string) {}
func (nopObserver) Finished(types.JobFamily, error, time.Duration) {}

type options struct {
	observer Observer
	logger   *slog.Logger
}

// Option configures RunJob.
type Option func(*options)

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observer = o
		}
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(opts *options) {
		if l != nil {
			opts.logger = l
		}
	}
}

// RunJob submits spec through fam and polls until a terminal outcome.
//
// It returns exactly one of: the parsed payload, a *JobError of kind
// permanent, retries_exhausted, or canceled.
func RunJob[P any](ctx context.Context, spec types.JobSpec, fam Family[P], opts ...Option) (P, error) {
	o := options{observer: nopObserver{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var zero P
	spec = spec.WithDefaults()
	family := fam.Name()
	start := time.Now()
	log := o.logger.With("family", family, "subject", spec.SubjectID)

	finish := func(p P, err error) (P, error) {
		o.observer.Finished(family, err, time.Since(start))
		return p, err
	}

	var lastCause error
	for attempt := 1; attempt <= spec.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return finish(zero, canceled(family, attempt-1, ctx.Err()))
		}
		if attempt > 1 {
			o.observer.Resubmitting(family, attempt, lastCause.Error())
			log.Info("Resubmitting job", "attempt", attempt, "reason", lastCause)
		}

		handle, err := fam.Submit(ctx, spec.Params)
		o.observer.Submitted(family, attempt, err)
		if err != nil {
			if ctx.Err() != nil {
				return finish(zero, canceled(family, attempt, ctx.Err()))
			}
			if errors.Is(err, ErrSubmitRejected) {
				return finish(zero, &JobError{Family: family, Kind: KindPermanent, Hard: true, Attempts: attempt, Cause: err})
			}
			log.Warn("Submit failed", "attempt", attempt, "error", err)
			lastCause = err
			continue
		}

		outcome, err := pollUntilTerminal(ctx, spec, fam, handle, o.observer, log)
		if err != nil {
			if ctx.Err() != nil {
				return finish(zero, canceled(family, attempt, ctx.Err()))
			}
			log.Warn("Polling stalled", "attempt", attempt, "task", handle.TaskID, "error", err)
			lastCause = err
			continue
		}

		switch outcome.Kind {
		case OutcomeSuccess:
			payload, perr := fam.Parse(outcome.Payload)
			if perr != nil {
				return finish(zero, &JobError{Family: family, Kind: KindPermanent, Reason: ReasonMalformedResult, Hard: true, Attempts: attempt, Cause: perr})
			}
			return finish(payload, nil)

		case OutcomePermanentFailure:
			return finish(zero, &JobError{Family: family, Kind: KindPermanent, Reason: outcome.Reason, Hard: outcome.Hard, Attempts: attempt})

		case OutcomeLostJob:
			lastCause = errLostJob
			if outcome.Reason != "" {
				lastCause = errors.Join(errLostJob, errors.New(outcome.Reason))
			}
		}
	}

	return finish(zero, &JobError{Family: family, Kind: KindRetriesExhausted, Attempts: spec.MaxRetries, Cause: lastCause})
}

// pollUntilTerminal polls handle every PollInterval until a non-pending
// outcome or until MaxWait elapses (errStalled). A transport error keeps the
// handle; it only shows up in the stall cause if nothing terminal follows.
func pollUntilTerminal[P any](ctx context.Context, spec types.JobSpec, fam Family[P], handle types.RemoteJobHandle, obs Observer, log *slog.Logger) (PollOutcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, spec.MaxWait)
	defer cancel()

	ticker := time.NewTicker(spec.PollInterval)
	defer ticker.Stop()

	var lastPollErr error
	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return PollOutcome{}, ctx.Err()
			}
			if lastPollErr != nil {
				return PollOutcome{}, errors.Join(errStalled, lastPollErr)
			}
			return PollOutcome{}, errStalled

		case <-ticker.C:
			raw, err := fam.Poll(waitCtx, handle)
			if err != nil {
				if ctx.Err() != nil {
					return PollOutcome{}, ctx.Err()
				}
				if lastPollErr == nil {
					log.Debug("Poll failed, keeping handle", "task", handle.TaskID, "error", err)
				}
				lastPollErr = err
				continue
			}
			lastPollErr = nil

			outcome := fam.Classify(raw)
			obs.Polled(fam.Name(), outcome.Kind)
			if outcome.Kind != OutcomePending {
				return outcome, nil
			}
		}
	}
}

func canceled(family types.JobFamily, attempts int, cause error) *JobError {
	return &JobError{Family: family, Kind: KindCanceled, Attempts: attempts, Cause: cause}
}
