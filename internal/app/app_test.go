package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctiengine/internal/config"
	"ctiengine/internal/events"
	"ctiengine/internal/threat"
)

type fixedProvider struct{}

func (fixedProvider) Name() string { return "abuseipdb" }

func (fixedProvider) CheckIP(ctx context.Context, ip string) threat.ProviderResult {
	return threat.ProviderResult{ThreatScore: 40, Confidence: 40, Detections: 3}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(`
server:
  http_addr: 127.0.0.1:0
  metrics_addr: 127.0.0.1:0
  grpc_addr: 127.0.0.1:0
store:
  backend: memory
refresh:
  interval: 1h
  run_on_start: true
  seeds: ["4.4.4.4"]
`))
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresServiceAndScheduler(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), nil, fixedProvider{})
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, events.Noop{}, a.Publisher)

	res, err := a.Service.Lookup(context.Background(), "4.4.4.4")
	require.NoError(t, err)
	assert.Equal(t, 40, res.Verdict().ThreatScore)

	rep := a.Scheduler.RunOnce(context.Background())
	assert.Equal(t, 1, rep.Skipped)
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), nil, fixedProvider{})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := a.Store.Count(context.Background())
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond, "run_on_start seeds the store")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, a.Scheduler.Running())
}

func TestBuildFailsOnUnreachableBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.NATSURL = "nats://127.0.0.1:1"
	_, err := Build(context.Background(), cfg, nil, fixedProvider{})
	require.Error(t, err)
}
