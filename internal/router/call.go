package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/h-lu/llmGateway-sub000/internal/providers"
)

// callFunc is one upstream operation.
type callFunc[T any] func(ctx context.Context, p providers.Provider, req *providers.ChatRequest) (T, error)

// Call executes a chat completion for d. It retries transient failures within
// d's pool and, when a primary call ends in a timeout, reissues it once against
// the fallback pool. The returned decision is the one that produced the result.
func (r *Router) Call(ctx context.Context, d *Decision, body []byte) (*providers.ChatResponse, *Decision, error) {
	chat := func(ctx context.Context, p providers.Provider, req *providers.ChatRequest) (*providers.ChatResponse, error) {
		return p.ChatCompletion(ctx, req)
	}
	return invoke(ctx, r, d, body, chat, nil)
}

// Stream opens a streaming chat completion for d. Retries and failover apply
// while the stream is being established; the timeout stops applying once the
// upstream has answered. Closing the stream releases the call.
func (r *Router) Stream(ctx context.Context, d *Decision, body []byte) (*providers.Stream, *Decision, error) {
	open := func(ctx context.Context, p providers.Provider, req *providers.ChatRequest) (*providers.Stream, error) {
		return p.StreamChat(ctx, req)
	}
	hold := func(s *providers.Stream, release func()) { s.OnClose(release) }
	return invoke(ctx, r, d, body, open, hold)
}

func invoke[T any](
	ctx context.Context, r *Router, d *Decision, body []byte, call callFunc[T], hold func(T, func()),
) (T, *Decision, error) {
	res, used, err := withRetry(ctx, r, d, body, call, hold)
	if err == nil || d.Class != ClassPrimary || !providers.IsTimeout(err) || ctx.Err() != nil {
		return res, used, err
	}

	fb, ferr := r.selectFrom(ctx, r.pools[ClassFallback], d.requested)
	if ferr != nil {
		if !errors.Is(ferr, ErrNoProviders) {
			r.logger.Warn().Err(ferr).Msg("fallback pool unavailable")
		}
		return res, used, err
	}

	r.metrics.Failover()
	r.logger.Warn().
		Err(err).
		Str("from", used.Descriptor.Name).
		Str("to", fb.Descriptor.Name).
		Str("model", fb.Model).
		Msg("primary timed out, failing over")

	res, err = attempt(ctx, r, fb, body, call, hold)
	return res, fb, err
}

func withRetry[T any](
	ctx context.Context, r *Router, d *Decision, body []byte, call callFunc[T], hold func(T, func()),
) (T, *Decision, error) {
	var zero T
	cur := d
	for n := 0; ; n++ {
		res, err := attempt(ctx, r, cur, body, call, hold)
		if err == nil {
			return res, cur, nil
		}
		if !providers.IsRetryable(err) || n >= r.retry.MaxRetries || ctx.Err() != nil {
			return zero, cur, err
		}

		delay := r.retry.Delay(n)
		r.logger.Debug().
			Err(err).
			Str("provider", cur.Descriptor.Name).
			Int("attempt", n+1).
			Dur("delay", delay).
			Msg("retrying upstream call")
		if serr := r.sleep(ctx, delay); serr != nil {
			return zero, cur, err
		}
		if cur.pool != nil {
			if next, serr := r.selectFrom(ctx, cur.pool, cur.requested); serr == nil {
				cur = next
			}
		}
	}
}

// attempt makes one bounded call and records its outcome. With hold set the
// timeout covers only the call itself and the context lives until hold's
// release runs.
func attempt[T any](
	ctx context.Context, r *Router, d *Decision, body []byte, call callFunc[T], hold func(T, func()),
) (T, error) {
	start := time.Now()
	var (
		res T
		err error
	)
	if hold == nil {
		callCtx, cancel := context.WithTimeout(ctx, d.Timeout)
		res, err = call(callCtx, d.Provider, d.Request(body))
		cancel()
	} else {
		callCtx, cancel := context.WithCancel(ctx)
		var expired atomic.Bool
		timer := time.AfterFunc(d.Timeout, func() {
			expired.Store(true)
			cancel()
		})
		res, err = call(callCtx, d.Provider, d.Request(body))
		timer.Stop()
		switch {
		case err == nil:
			hold(res, cancel)
		case expired.Load():
			cancel()
			err = fmt.Errorf("router: %s: no response within %s: %w", d.Descriptor.Name, d.Timeout, context.DeadlineExceeded)
		default:
			cancel()
		}
	}
	r.observe(d, err, time.Since(start))
	return res, err
}

func (r *Router) observe(d *Decision, err error, elapsed time.Duration) {
	outcome := "ok"
	switch {
	case err == nil:
	case providers.IsTimeout(err):
		outcome = "timeout"
	case providers.IsRetryable(err):
		outcome = "error"
	default:
		outcome = "rejected"
	}
	r.metrics.UpstreamRequest(d.Descriptor.Name, d.Descriptor.Pool, outcome, elapsed)

	if err != nil && providers.IsRetryable(err) && r.monitor != nil {
		r.monitor.MarkUnhealthy(d.Descriptor.Name, err)
	}
}
