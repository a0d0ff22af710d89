package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KaramelBytes/chartloom/internal/ai"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/logging"
)

// Defaults for Options.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 2
)

// Options configures a Resolver.
type Options struct {
	// Timeout bounds each model call.
	Timeout time.Duration
	// MaxAttempts counts the first call plus re-prompts after a rejected answer.
	MaxAttempts int
	Logger      *zap.Logger
}

// Resolver asks the model for an intent and validates the answer.
type Resolver struct {
	llm         ai.Completer
	timeout     time.Duration
	maxAttempts int
	log         *zap.Logger
}

func NewResolver(llm ai.Completer, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Resolver{llm: llm, timeout: opts.Timeout, maxAttempts: opts.MaxAttempts, log: logging.OrNop(opts.Logger)}
}

// Request is one resolution.
type Request struct {
	Prompt  PromptInput
	Columns dataset.Columns
}

// Resolve returns a validated intent, or an IntentParseError,
// IntentValidationError or IntentTimeoutError. A rejected answer is sent back
// to the model with the reason until MaxAttempts is reached.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Validated, *Intent, error) {
	msgs := BuildMessages(req.Prompt)
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		raw, err := r.complete(ctx, msgs)
		if err != nil {
			return nil, nil, err
		}
		in, err := Parse(raw)
		if err == nil {
			var v *Validated
			if v, err = Validate(in, req.Columns); err == nil {
				return v, in, nil
			}
		}
		lastErr = err
		r.log.Info("intent rejected",
			zap.Int("attempt", attempt),
			zap.Error(err))
		msgs = Reprompt(msgs, raw, err)
	}
	return nil, nil, lastErr
}

func (r *Resolver) complete(ctx context.Context, msgs []ai.Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	raw, err := r.llm.Complete(cctx, msgs)
	r.log.Debug("intent completion", zap.Duration("elapsed", time.Since(start)), zap.Int("chars", len(raw)))
	if err == nil {
		return raw, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return "", ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return "", &failure.IntentTimeoutError{Err: err}
	}
	return "", fmt.Errorf("intent completion: %w", err)
}
