package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/internal/service/affinity"
	"github.com/zakuro-ai/mesh/internal/service/registry"
)

type probeClient struct {
	mu      sync.Mutex
	healthy map[string]bool
	probes  map[string]int
}

func newProbeClient(healthy ...string) *probeClient {
	m := map[string]bool{}
	for _, h := range healthy {
		m[h] = true
	}
	return &probeClient{healthy: m, probes: map[string]int{}}
}

func (c *probeClient) Info(_ domain.Context, endpoint string) (domain.Worker, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[endpoint]++
	if !c.healthy[endpoint] {
		return domain.Worker{}, 0, errors.New("connection refused")
	}
	return domain.Worker{
		Name:      "w-" + endpoint,
		Resources: domain.Resources{CPUsTotal: 4, CPUsAvailable: 4},
	}, 5 * time.Millisecond, nil
}

func (c *probeClient) Execute(domain.Context, string, []byte) ([]byte, error) {
	return nil, errors.New("not used")
}

func (c *probeClient) setHealthy(endpoint string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy[endpoint] = ok
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "http://node1:3960", NormalizeEndpoint("node1:3960"))
	assert.Equal(t, "http://node1:3960", NormalizeEndpoint(" node1:3960 "))
	assert.Equal(t, "http://node1:3960", NormalizeEndpoint("http://node1:3960/"))
	assert.Equal(t, "https://node1", NormalizeEndpoint("https://node1"))
}

func TestTickRegistersReachablePeers(t *testing.T) {
	client := newProbeClient("http://node1:3960")
	reg := registry.New(5 * time.Minute)
	loop := New([]string{"node1:3960", "node2:3960"}, reg, nil, client, time.Minute, time.Second)

	loop.Tick(context.Background())

	w, ok := reg.Get("http://node1:3960")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerHealthy, w.Status)

	// node2 never answered, so it never entered the registry at all.
	_, ok = reg.Get("http://node2:3960")
	assert.False(t, ok)
}

func TestTickDegradesAfterConsecutiveFailures(t *testing.T) {
	client := newProbeClient("http://node1:3960")
	reg := registry.New(5 * time.Minute)
	loop := New([]string{"node1:3960"}, reg, nil, client, time.Minute, time.Second)

	ctx := context.Background()
	loop.Tick(ctx)
	require.True(t, reg.IsHealthy("http://node1:3960"))

	client.setHealthy("http://node1:3960", false)
	loop.Tick(ctx)
	loop.Tick(ctx)
	assert.True(t, reg.IsHealthy("http://node1:3960"))
	loop.Tick(ctx)
	assert.False(t, reg.IsHealthy("http://node1:3960"))
}

func TestTickEvictsAffinityForUnhealthyWorkers(t *testing.T) {
	client := newProbeClient("http://node1:3960")
	reg := registry.New(5 * time.Minute)
	aff := affinity.NewTable(30 * time.Minute)
	loop := New([]string{"node1:3960"}, reg, aff, client, time.Minute, time.Second)

	ctx := context.Background()
	loop.Tick(ctx)
	aff.Put("inst_A", "http://node1:3960", "u1")

	client.setHealthy("http://node1:3960", false)
	for i := 0; i < 3; i++ {
		loop.Tick(ctx)
	}
	_, ok := aff.Lookup("inst_A")
	assert.False(t, ok)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	client := newProbeClient()
	reg := registry.New(5 * time.Minute)
	loop := New(nil, reg, nil, client, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("discovery loop did not stop")
	}
}
