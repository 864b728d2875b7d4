package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Gate outcomes reported to the observer.
const (
	OutcomeExecuted  = "executed"
	OutcomeDuplicate = "duplicate"
	OutcomeInFlight  = "in_flight"
	OutcomeFailed    = "failed"
)

// Gate runs a command handler at most once per request id and replays the
// stored result on retransmission.
type Gate struct {
	ledger       Ledger
	waitTimeout  time.Duration
	pollInterval time.Duration
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
	observe      func(outcome string)
	logger       *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithWait sets how long a duplicate waits for a pending original and how
// often it polls. A zero timeout rejects pending duplicates immediately.
func WithWait(timeout, poll time.Duration) Option {
	return func(g *Gate) {
		g.waitTimeout = timeout
		if poll > 0 {
			g.pollInterval = poll
		}
	}
}

// WithObserver registers a callback receiving one outcome per Execute call.
func WithObserver(observe func(outcome string)) Option {
	return func(g *Gate) {
		g.observe = observe
	}
}

// WithLogger sets the gate logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGate constructs a Gate over the given ledger.
func NewGate(ledger Ledger, opts ...Option) *Gate {
	g := &Gate{
		ledger:       ledger,
		waitTimeout:  5 * time.Second,
		pollInterval: 50 * time.Millisecond,
		now:          time.Now,
		sleep:        sleepWithContext,
		observe:      func(string) {},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs handler for the first delivery of requestID and returns the
// memoized result, or the memoized failure, for every later delivery.
func (g *Gate) Execute(ctx context.Context, requestID, commandType string, handler func(context.Context) ([]byte, error)) ([]byte, error) {
	deadline := g.now().Add(g.waitTimeout)
	logger := g.logger.With(zap.String("request_id", requestID), zap.String("command_type", commandType))

	for {
		rec, claimed, err := g.ledger.Claim(ctx, Record{
			RequestID:   requestID,
			CommandType: commandType,
			CreatedAt:   g.now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("claim request %s: %w", requestID, err)
		}
		if rec.CommandType != commandType {
			g.observe(OutcomeFailed)
			return nil, fmt.Errorf("%w: %s was %s", ErrRequestConflict, requestID, rec.CommandType)
		}
		if claimed {
			return g.run(ctx, logger, requestID, handler)
		}
		if rec.Failed() {
			logger.Debug("failed request replayed")
			g.observe(OutcomeDuplicate)
			return nil, fmt.Errorf("%w: %s", ErrRequestFailed, rec.Failure)
		}
		if !rec.Pending() {
			logger.Debug("duplicate request replayed")
			g.observe(OutcomeDuplicate)
			return rec.Result, nil
		}
		if !g.now().Before(deadline) {
			logger.Warn("duplicate request still in flight")
			g.observe(OutcomeInFlight)
			return nil, fmt.Errorf("%w: %s", ErrRequestInFlight, requestID)
		}
		if err := g.sleep(ctx, g.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (g *Gate) run(ctx context.Context, logger *zap.Logger, requestID string, handler func(context.Context) ([]byte, error)) ([]byte, error) {
	result, err := handler(ctx)
	if err != nil {
		g.observe(OutcomeFailed)
		if errors.Is(err, ErrNotApplied) {
			if relErr := g.ledger.Release(context.WithoutCancel(ctx), requestID); relErr != nil {
				logger.Error("release request claim", zap.Error(relErr))
			}
			return nil, err
		}
		// State may have changed; retransmissions get this error back instead
		// of running the handler again.
		if failErr := g.ledger.Fail(context.WithoutCancel(ctx), requestID, err.Error()); failErr != nil {
			logger.Error("store request failure", zap.Error(failErr))
		}
		return nil, err
	}
	if result == nil {
		result = []byte("null")
	}

	if err := g.ledger.Resolve(context.WithoutCancel(ctx), requestID, result); err != nil {
		// The side effects already happened; retries see the claim as pending
		// until the ledger entry expires.
		logger.Error("store request result", zap.Error(err))
	}
	g.observe(OutcomeExecuted)
	return result, nil
}

// Run is the typed form of Gate.Execute; results are stored as JSON.
func Run[R any](ctx context.Context, g *Gate, requestID, commandType string, handler func(context.Context) (R, error)) (R, error) {
	var out R
	raw, err := g.Execute(ctx, requestID, commandType, func(ctx context.Context) ([]byte, error) {
		result, err := handler(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode stored result for %s: %w", requestID, err)
	}
	return out, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
