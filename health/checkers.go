package health

import (
	"context"
	"fmt"
	"runtime"
)

// Connectivity is implemented by transports that know whether their broker
// connection is up.
type Connectivity interface {
	IsConnected() bool
}

// TransportChecker reports the broker connection state
type TransportChecker struct {
	name      string
	transport Connectivity
}

// NewTransportChecker checks transport under name
func NewTransportChecker(name string, transport Connectivity) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string { return c.name }

func (c *TransportChecker) Check(context.Context) CheckResult {
	connected := c.transport.IsConnected()
	res := CheckResult{
		Name:    c.name,
		Status:  StatusHealthy,
		Message: "connected",
		Details: map[string]any{"connected": connected},
	}
	if !connected {
		res.Status = StatusUnhealthy
		res.Message = "not connected"
	}
	return res
}

// Breaker is implemented by senders guarded by a circuit breaker
type Breaker interface {
	BreakerOpen() bool
}

// BreakerChecker reports degraded while sends are failing fast
type BreakerChecker struct {
	name    string
	breaker Breaker
}

// NewBreakerChecker checks breaker under name
func NewBreakerChecker(name string, breaker Breaker) *BreakerChecker {
	return &BreakerChecker{name: name, breaker: breaker}
}

func (c *BreakerChecker) Name() string { return c.name }

func (c *BreakerChecker) Check(context.Context) CheckResult {
	if c.breaker.BreakerOpen() {
		return CheckResult{Name: c.name, Status: StatusDegraded, Message: "circuit breaker open, sends on some routes fail fast"}
	}
	return CheckResult{Name: c.name, Status: StatusHealthy, Message: "circuit breaker closed"}
}

// GoroutineChecker flags runaway goroutine counts, usually leaked
// subscriptions or futures nobody awaits.
type GoroutineChecker struct {
	warn     int
	critical int
}

// NewGoroutineChecker is degraded above warn and unhealthy above critical
func NewGoroutineChecker(warn, critical int) *GoroutineChecker {
	return &GoroutineChecker{warn: warn, critical: critical}
}

func (c *GoroutineChecker) Name() string { return "goroutines" }

func (c *GoroutineChecker) Check(context.Context) CheckResult {
	n := runtime.NumGoroutine()
	res := CheckResult{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "goroutine count is normal",
		Details: map[string]any{"goroutines": n},
	}
	switch {
	case n > c.critical:
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warn:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("high goroutine count: %d", n)
	}
	return res
}
