package realtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierops/pipewatch/pkg/realtime"
)

// fakeTransport hands out scripted streams; while down, Connect fails.
type fakeTransport struct {
	mu      sync.Mutex
	down    bool
	current chan realtime.Event
	dials   atomic.Int64
}

func (f *fakeTransport) Connect(context.Context) (<-chan realtime.Event, error) {
	f.dials.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errors.New("transport down")
	}
	f.current = make(chan realtime.Event, 8)
	return f.current, nil
}

func (f *fakeTransport) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// dropStream simulates transport loss by closing the live stream.
func (f *fakeTransport) dropStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		close(f.current)
		f.current = nil
	}
}

func (f *fakeTransport) push(ev realtime.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		f.current <- ev
	}
}

type fakePuller struct {
	pulls atomic.Int64
}

func (f *fakePuller) Pull(context.Context) ([]realtime.Event, error) {
	f.pulls.Add(1)
	return []realtime.Event{{Type: realtime.EventMetricsUpdate}}, nil
}

func fastConfig() realtime.SubscriberConfig {
	return realtime.SubscriberConfig{
		FallbackDelay: 100 * time.Millisecond,
		PollInterval:  50 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
	}
}

func waitForState(t *testing.T, s *realtime.Subscriber, want realtime.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state never reached %s (now %s)", want, s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscriber_StartsLiveAndForwardsPush(t *testing.T) {
	transport := &fakeTransport{}
	puller := &fakePuller{}
	sub := realtime.NewSubscriber(fastConfig(), transport, puller, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	waitForState(t, sub, realtime.StateLive)
	transport.push(realtime.Event{Type: realtime.EventCostAlertsUpdate})

	select {
	case ev := <-sub.Updates():
		assert.Equal(t, realtime.EventCostAlertsUpdate, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("push event not forwarded")
	}
	assert.Zero(t, puller.pulls.Load(), "no polling while live")
}

func TestSubscriber_RecoveryWithinWindowStaysPush(t *testing.T) {
	transport := &fakeTransport{}
	puller := &fakePuller{}
	cfg := fastConfig()
	cfg.FallbackDelay = time.Second
	sub := realtime.NewSubscriber(cfg, transport, puller, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)
	waitForState(t, sub, realtime.StateLive)

	transport.dropStream()
	waitForState(t, sub, realtime.StateAwaitingRecovery)

	// Transport comes back before the fallback timer fires.
	waitForState(t, sub, realtime.StateLive)
	assert.Zero(t, puller.pulls.Load(), "never degraded to polling")
}

func TestSubscriber_DegradesToPollingAndRecovers(t *testing.T) {
	transport := &fakeTransport{}
	puller := &fakePuller{}
	sub := realtime.NewSubscriber(fastConfig(), transport, puller, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)
	waitForState(t, sub, realtime.StateLive)

	transport.setDown(true)
	transport.dropStream()
	waitForState(t, sub, realtime.StatePolling)

	// Pulled events are merged into the same updates stream.
	select {
	case ev := <-sub.Updates():
		assert.Equal(t, realtime.EventMetricsUpdate, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no pulled event while polling")
	}
	require.Positive(t, puller.pulls.Load())

	// Transport recovery wins over polling.
	transport.setDown(false)
	waitForState(t, sub, realtime.StateLive)
	pullsAtRecovery := puller.pulls.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, pullsAtRecovery, puller.pulls.Load(), "polling stopped after recovery")
}

func TestSubscriber_ConnectFailureEntersAwaiting(t *testing.T) {
	transport := &fakeTransport{down: true}
	sub := realtime.NewSubscriber(fastConfig(), transport, &fakePuller{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	waitForState(t, sub, realtime.StatePolling)
	assert.Greater(t, transport.dials.Load(), int64(1), "kept retrying the transport")
}
