package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

type fakeBreaker bool

func (b fakeBreaker) BreakerOpen() bool { return bool(b) }

func TestRegistry_WorstStatusWins(t *testing.T) {
	reg := NewRegistry(
		NewTransportChecker("transport", fakeConn(true)),
		NewBreakerChecker("producers", fakeBreaker(false)),
	)

	report := reg.Check(context.Background())
	assert.True(t, report.Healthy())
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "producers", report.Checks[0].Name)
	assert.Equal(t, "transport", report.Checks[1].Name)

	reg.Register(NewBreakerChecker("producers", fakeBreaker(true)))
	assert.Equal(t, StatusDegraded, reg.Check(context.Background()).Status)

	reg.Register(NewTransportChecker("transport", fakeConn(false)))
	report = reg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, false, report.Checks[1].Details["connected"])

	reg.Unregister("transport")
	reg.Unregister("producers")
	assert.True(t, reg.Check(context.Background()).Healthy())
}

func TestRegistry_SlowCheckTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	reg := NewRegistry(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
		<-release
		return CheckResult{Status: StatusHealthy}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := reg.Check(ctx)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "check timed out", report.Checks[0].Message)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks[0].Error)
}

func TestCheckerFunc_FillsName(t *testing.T) {
	reg := NewRegistry(NewCheckerFunc("custom", func(context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "meh"}
	}))
	report := reg.Check(context.Background())
	assert.Equal(t, "custom", report.Checks[0].Name)
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestGoroutineChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewGoroutineChecker(1_000_000, 2_000_000).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewGoroutineChecker(0, 1_000_000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewGoroutineChecker(0, 0).Check(context.Background()).Status)
}
