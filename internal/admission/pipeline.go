// Package admission sequences the per-request checks in front of the router:
// rate limit, quota reservation, content rules, then routing. Completion hands
// the real token count to the usage worker, which settles the reservation.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/h-lu/llmGateway-sub000/internal/quota"
	"github.com/h-lu/llmGateway-sub000/internal/ratelimit"
	"github.com/h-lu/llmGateway-sub000/internal/router"
	"github.com/h-lu/llmGateway-sub000/internal/usage"
)

// DefaultEstimate is the reservation used when a request carries no estimate.
const DefaultEstimate int64 = 1000

// ErrMissingCaller is returned for a request without a caller id.
var ErrMissingCaller = errors.New("admission: caller id is required")

// RejectedError is returned when the rule checker refuses a request.
type RejectedError struct {
	Rule   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admission: rejected by rule %s: %s", e.Rule, e.Reason)
}

// RuleChecker inspects a request before it is routed. A non-nil error refuses
// the request; it should be a *RejectedError.
type RuleChecker interface {
	Check(ctx context.Context, req *Request) error
}

// AllowAll is the RuleChecker used when none is configured.
type AllowAll struct{}

// Check implements RuleChecker.
func (AllowAll) Check(context.Context, *Request) error { return nil }

// Limiter is the rate limiter seen by the pipeline.
type Limiter interface {
	IsAllowed(ctx context.Context, key string, cost int) ratelimit.Result
}

// Reserver is the quota coordinator seen by the pipeline.
type Reserver interface {
	TryReserve(ctx context.Context, callerID string, period, limit, tokens int64) (quota.Reservation, error)
	Release(ctx context.Context, callerID string, period, tokens int64) error
}

// Period supplies the current period and the per-period limit.
type Period interface {
	CurrentPeriod() int64
	Limit() int64
}

// Router is the provider router seen by the pipeline.
type Router interface {
	Route(ctx context.Context, caller router.Caller, model string) (*router.Decision, error)
}

// Sink receives usage events.
type Sink interface {
	Submit(ev usage.Event) error
}

// Request is one request presented for admission.
type Request struct {
	RequestID    string
	CallerID     string
	ProviderType string
	APIKey       string
	// RateKey is the hashed limiter key, see ratelimit.KeyForRequest.
	RateKey string
	Model   string
	Prompt  string
	// EstimatedTokens is reserved up front; zero uses DefaultEstimate.
	EstimatedTokens int64
}

// Admission is an admitted request.
type Admission struct {
	Decision  *router.Decision
	RateLimit ratelimit.Result
	Started   time.Time
	RequestID string
	CallerID  string
	Period    int64
	Reserved  int64
}

// Options configures a Pipeline.
type Options struct {
	Limiter  Limiter
	Reserver Reserver
	Period   Period
	Rules    RuleChecker
	Router   Router
	Sink     Sink
	Logger   *zerolog.Logger
}

// Pipeline admits requests.
type Pipeline struct {
	limiter  Limiter
	reserver Reserver
	period   Period
	rules    RuleChecker
	router   Router
	sink     Sink
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPipeline builds a pipeline. The limiter and rules are optional; the
// reserver is required together with its period.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Router == nil {
		return nil, errors.New("admission: router is required")
	}
	if (opts.Reserver == nil) != (opts.Period == nil) {
		return nil, errors.New("admission: reserver and period must be set together")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "admission").Logger()
	}
	rules := opts.Rules
	if rules == nil {
		rules = AllowAll{}
	}
	return &Pipeline{
		limiter:  opts.Limiter,
		reserver: opts.Reserver,
		period:   opts.Period,
		rules:    rules,
		router:   opts.Router,
		sink:     opts.Sink,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Admit runs the rate limiter, the quota reservation, the rule checker and the
// router in that order. Any reservation made is released again when a later
// step refuses the request. Callers bringing their own key skip the quota.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Admission, error) {
	if req.CallerID == "" {
		return nil, ErrMissingCaller
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := p.logger.With().Str("request_id", req.RequestID).Str("caller", req.CallerID).Logger()
	ctx = logger.WithContext(ctx)

	adm := &Admission{RequestID: req.RequestID, CallerID: req.CallerID, Started: p.now()}

	if p.limiter != nil {
		adm.RateLimit = p.limiter.IsAllowed(ctx, req.RateKey, 1)
		if !adm.RateLimit.Allowed {
			logger.Debug().Dur("retry_after", adm.RateLimit.RetryAfter).Msg("rate limited")
			return nil, &ratelimit.LimitedError{Key: req.RateKey, Result: adm.RateLimit}
		}
	}

	ownKey := req.APIKey != ""
	if p.reserver != nil && !ownKey {
		tokens := req.EstimatedTokens
		if tokens <= 0 {
			tokens = DefaultEstimate
		}
		adm.Period = p.period.CurrentPeriod()
		if _, err := p.reserver.TryReserve(ctx, req.CallerID, adm.Period, p.period.Limit(), tokens); err != nil {
			logger.Debug().Err(err).Int64("tokens", tokens).Msg("quota reservation refused")
			return nil, err
		}
		adm.Reserved = tokens
	}

	if err := p.rules.Check(ctx, &req); err != nil {
		p.rollback(ctx, adm)
		return nil, err
	}

	d, err := p.router.Route(ctx, router.Caller{
		ID:           req.CallerID,
		ProviderType: req.ProviderType,
		APIKey:       req.APIKey,
		Reserved:     adm.Reserved,
	}, req.Model)
	if err != nil {
		p.rollback(ctx, adm)
		return nil, err
	}
	adm.Decision = d

	logger.Debug().
		Str("provider", d.Descriptor.Name).
		Str("class", string(d.Class)).
		Int64("reserved", adm.Reserved).
		Msg("request admitted")
	return adm, nil
}

// Complete reports the tokens the request actually used. A failed upstream
// call is completed with zero so the whole reservation is released.
func (p *Pipeline) Complete(ctx context.Context, adm *Admission, actualUsed int64) error {
	if adm == nil || adm.Reserved == 0 {
		return nil
	}
	ev := usage.Event{
		At:         p.now(),
		RequestID:  adm.RequestID,
		CallerID:   adm.CallerID,
		Period:     adm.Period,
		Reserved:   adm.Reserved,
		ActualUsed: max(actualUsed, 0),
	}
	if adm.Decision != nil {
		ev.Provider = adm.Decision.Descriptor.Name
		ev.Model = adm.Decision.Model
	}

	if p.sink == nil {
		return p.releaseInline(ctx, ev)
	}
	if err := p.sink.Submit(ev); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("request_id", ev.RequestID).Msg("usage event not queued, settling inline")
		return p.releaseInline(ctx, ev)
	}
	return nil
}

func (p *Pipeline) releaseInline(ctx context.Context, ev usage.Event) error {
	if unused := ev.Unused(); unused > 0 && p.reserver != nil {
		return p.reserver.Release(ctx, ev.CallerID, ev.Period, unused)
	}
	return nil
}

func (p *Pipeline) rollback(ctx context.Context, adm *Admission) {
	if adm.Reserved == 0 {
		return
	}
	if err := p.reserver.Release(ctx, adm.CallerID, adm.Period, adm.Reserved); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("tokens", adm.Reserved).Msg("failed to release reservation")
	}
}
