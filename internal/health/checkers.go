package health

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// PingChecker reports a dependency reachable through a ping function, such as
// the recall database or Redis.
type PingChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	ping     func(ctx context.Context) error
}

// NewPingChecker creates a checker named name around ping.
func NewPingChecker(name string, critical bool, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, critical: critical, timeout: 5 * time.Second, ping: ping}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := p.ping(ctx)
	latency := time.Since(start)

	switch {
	case err != nil:
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: p.name + " ping failed",
			Details: map[string]any{"latency_ms": latency.Milliseconds()},
		}
	case latency > slowThreshold:
		return CheckResult{
			Status:  StatusDegraded,
			Message: p.name + " responding but with high latency",
			Details: map[string]any{"latency_ms": latency.Milliseconds()},
		}
	default:
		return CheckResult{
			Status:  StatusHealthy,
			Message: p.name + " healthy",
			Details: map[string]any{"latency_ms": latency.Milliseconds()},
		}
	}
}

// Readiness is anything that knows whether it finished warming up.
type Readiness interface {
	Ready() bool
}

// ReadyChecker reports components that are usable only after initialization,
// such as the knowledge index. Not ready is degraded, never unhealthy.
type ReadyChecker struct {
	name string
	r    Readiness
}

func NewReadyChecker(name string, r Readiness) *ReadyChecker {
	return &ReadyChecker{name: name, r: r}
}

func (c *ReadyChecker) Name() string           { return c.name }
func (c *ReadyChecker) IsCritical() bool       { return false }
func (c *ReadyChecker) Timeout() time.Duration { return time.Second }

func (c *ReadyChecker) Check(context.Context) CheckResult {
	if c.r.Ready() {
		return CheckResult{Status: StatusHealthy, Message: c.name + " ready"}
	}
	return CheckResult{Status: StatusDegraded, Message: c.name + " not initialized"}
}

// BreakerChecker surfaces circuit breaker state for an upstream.
type BreakerChecker struct {
	b        *circuitbreaker.Breaker
	critical bool
}

func NewBreakerChecker(b *circuitbreaker.Breaker, critical bool) *BreakerChecker {
	return &BreakerChecker{b: b, critical: critical}
}

func (c *BreakerChecker) Name() string           { return "breaker_" + c.b.Name() }
func (c *BreakerChecker) IsCritical() bool       { return c.critical }
func (c *BreakerChecker) Timeout() time.Duration { return time.Second }

func (c *BreakerChecker) Check(context.Context) CheckResult {
	state := c.b.State()
	counts := c.b.Counts()
	details := map[string]any{
		"state":                state.String(),
		"consecutive_failures": counts.ConsecutiveFailures,
	}
	switch state {
	case circuitbreaker.StateOpen:
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: c.b.Name() + " circuit breaker is open", Details: details}
	case circuitbreaker.StateHalfOpen:
		return CheckResult{Status: StatusDegraded, Message: c.b.Name() + " circuit breaker is probing", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: c.b.Name() + " circuit breaker closed", Details: details}
	}
}
