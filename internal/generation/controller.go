package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const errLoggerKey = "err"

// DefaultMaxTranscriptChars caps how much transcript text is placed into a
// prompt. Oversized transcripts are truncated, not rejected, so long videos
// never hard-fail.
const DefaultMaxTranscriptChars = 15000

// Options tunes a Controller.
type Options struct {
	// MaxTranscriptChars overrides DefaultMaxTranscriptChars when positive.
	MaxTranscriptChars int
	// IdleTimeout, when positive, cancels a generation that has produced no
	// delta for this long. It reuses the registry's cancel path.
	IdleTimeout time.Duration
}

// Controller runs generations from request to terminal state. Each Start mints
// a fresh ID, registers it (superseding any active generation for the same
// context), and streams tagged events to the sink from a goroutine. All stream
// failures are converted into a Terminal event at this boundary; nothing is
// thrown across the delivery channel.
type Controller struct {
	registry *Registry
	streamer Streamer
	creds    Credentials
	sink     Sink

	maxTranscriptChars int
	idleTimeout        time.Duration

	minter *minter
	logger *slog.Logger
}

// NewController wires a Controller to its collaborators.
func NewController(
	registry *Registry,
	streamer Streamer,
	creds Credentials,
	sink Sink,
	opts Options,
	logger *slog.Logger,
) *Controller {
	maxChars := opts.MaxTranscriptChars
	if maxChars <= 0 {
		maxChars = DefaultMaxTranscriptChars
	}
	return &Controller{
		registry:           registry,
		streamer:           streamer,
		creds:              creds,
		sink:               sink,
		maxTranscriptChars: maxChars,
		idleTimeout:        opts.IdleTimeout,
		minter:             newMinter(),
		logger:             logger.With(slog.String("module", "generation")),
	}
}

// Start begins a generation for c and returns its ID immediately. The
// generation runs detached from ctx's cancellation; its lifetime is governed
// by the registry, so a request handler returning does not tear the stream
// down.
func (g *Controller) Start(ctx context.Context, c Context, in Input) ID {
	id := g.minter.next()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.registry.Register(c, id, cancel)

	if tracker, ok := g.sink.(Tracker); ok {
		tracker.Track(c, id)
	}

	go g.run(runCtx, c, id, in)

	return id
}

func (g *Controller) run(ctx context.Context, c Context, id ID, in Input) {
	// Complete is ID-matched, so this is a no-op when the registry has
	// already moved on through Cancel or a superseding Register.
	defer g.registry.Complete(c, id)

	if err := g.creds.Resolve(ctx); err != nil {
		g.logger.Warn("Credential resolution failed",
			slog.String("context", string(c)),
			slog.String(errLoggerKey, err.Error()))
		g.emitTerminal(Terminal{
			Context:         c,
			ID:              id,
			Outcome:         OutcomeError,
			Message:         "Please add your API key in settings.",
			NeedsCredential: true,
		})
		return
	}

	messages := in.build(g.maxTranscriptChars)

	var idle *time.Timer
	if g.idleTimeout > 0 {
		idle = time.AfterFunc(g.idleTimeout, func() {
			g.registry.CancelID(c, id)
		})
		defer idle.Stop()
	}

	for chunk, err := range g.streamer.Stream(ctx, messages) {
		if err != nil {
			g.finish(ctx, c, id, err)
			return
		}
		if idle != nil {
			idle.Reset(g.idleTimeout)
		}
		if chunk == "" {
			continue
		}
		if derr := g.sink.OnDelta(Delta{Context: c, ID: id, Text: chunk}); derr != nil {
			// The destination may be gone; keep streaming regardless.
			g.logger.Warn("Delta delivery failed",
				slog.String("context", string(c)),
				slog.String("id", string(id)),
				slog.String(errLoggerKey, derr.Error()))
		}
	}

	if ctx.Err() != nil {
		// Cancelled or superseded mid-stream. The registry has already
		// transitioned state; acknowledge so the overlay can settle, but
		// surface no error.
		g.emitTerminal(Terminal{Context: c, ID: id, Outcome: OutcomeCancelled})
		return
	}

	g.emitTerminal(Terminal{Context: c, ID: id, Outcome: OutcomeCompleted})
}

func (g *Controller) finish(ctx context.Context, c Context, id ID, err error) {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		g.emitTerminal(Terminal{Context: c, ID: id, Outcome: OutcomeCancelled})
	case errors.Is(err, ErrMissingCredential), errors.Is(err, ErrInvalidCredential):
		if ierr := g.creds.Invalidate(context.WithoutCancel(ctx)); ierr != nil {
			g.logger.Error("Failed to invalidate credential",
				slog.String(errLoggerKey, ierr.Error()))
		}
		g.emitTerminal(Terminal{
			Context:         c,
			ID:              id,
			Outcome:         OutcomeError,
			Message:         "Invalid API key. Please provide a valid API key.",
			NeedsCredential: true,
		})
	case errors.Is(err, ErrModelUnavailable):
		g.emitTerminal(Terminal{
			Context: c,
			ID:      id,
			Outcome: OutcomeError,
			Message: fmt.Sprintf("%v. Please select a different model in settings.", err),
		})
	default:
		g.emitTerminal(Terminal{
			Context: c,
			ID:      id,
			Outcome: OutcomeError,
			Message: err.Error(),
		})
	}
}

func (g *Controller) emitTerminal(t Terminal) {
	if err := g.sink.OnTerminal(t); err != nil {
		g.logger.Warn("Terminal delivery failed",
			slog.String("context", string(t.Context)),
			slog.String("id", string(t.ID)),
			slog.String(errLoggerKey, err.Error()))
	}
}
