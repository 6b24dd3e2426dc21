package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// GuardOpts configures a Guard.
type GuardOpts struct {
	// RPS limits calls per second. Zero or less disables limiting.
	RPS float64
	// Burst is the limiter's bucket size (default 1).
	Burst int
	// Timeout bounds each call. Zero means no bound beyond ctx.
	Timeout time.Duration
	Breaker BreakerOpts
}

// Guard applies rate limiting, a circuit breaker and a timeout, in that
// order, to every call.
type Guard struct {
	name    string
	limiter *rate.Limiter
	breaker *Breaker
	timeout time.Duration
}

// NewGuard creates a Guard. name prefixes its errors.
func NewGuard(name string, opts GuardOpts) *Guard {
	g := &Guard{name: name, breaker: NewBreaker(opts.Breaker), timeout: opts.Timeout}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return g
}

// Breaker exposes the guard's breaker.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Run executes f under g. Waiting for the limiter honours ctx.
func Run[T any](g *Guard, ctx context.Context, f func(context.Context) (T, error)) (T, error) {
	var zero T
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%s: rate limit: %w", g.name, err)
		}
	}
	v, err := Do(g.breaker, ctx, func(ctx context.Context) (T, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return f(ctx)
	})
	if err != nil {
		return zero, fmt.Errorf("%s: %w", g.name, err)
	}
	return v, nil
}

// Embedder is an embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator is a text generation provider.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GuardedEmbedder runs an Embedder behind a Guard.
type GuardedEmbedder struct {
	next  Embedder
	guard *Guard
}

// GuardEmbedder wraps e.
func GuardEmbedder(e Embedder, g *Guard) *GuardedEmbedder {
	return &GuardedEmbedder{next: e, guard: g}
}

func (e *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return Run(e.guard, ctx, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

func (e *GuardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return Run(e.guard, ctx, func(ctx context.Context) ([][]float32, error) {
		return e.next.EmbedBatch(ctx, texts)
	})
}

// GuardedGenerator runs a Generator behind a Guard.
type GuardedGenerator struct {
	next  Generator
	guard *Guard
}

// GuardGenerator wraps gen.
func GuardGenerator(gen Generator, g *Guard) *GuardedGenerator {
	return &GuardedGenerator{next: gen, guard: g}
}

func (g *GuardedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return Run(g.guard, ctx, func(ctx context.Context) (string, error) {
		return g.next.Generate(ctx, prompt)
	})
}
