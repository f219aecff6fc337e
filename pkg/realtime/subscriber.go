package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State names the subscriber's delivery mode.
type State string

const (
	StateLive             State = "live"
	StateAwaitingRecovery State = "awaiting-recovery"
	StatePolling          State = "polling"
)

// Transport is a push connection factory. The returned channel carries
// events until the transport is lost, at which point it is closed.
type Transport interface {
	Connect(ctx context.Context) (<-chan Event, error)
}

// Puller fetches the same logical resources the push channel carries, for
// the polling fallback. The returned events are merged into local state
// exactly as push updates would be.
type Puller interface {
	Pull(ctx context.Context) ([]Event, error)
}

// SubscriberConfig tunes the fallback state machine.
type SubscriberConfig struct {
	// FallbackDelay is how long to wait for the transport to recover
	// before degrading to polling.
	FallbackDelay time.Duration
	// PollInterval is the pull cadence while degraded.
	PollInterval time.Duration
	// RetryInterval is how often reconnection is attempted while not live.
	RetryInterval time.Duration
}

// DefaultSubscriberConfig matches the production dashboard client.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		FallbackDelay: 15 * time.Second,
		PollInterval:  30 * time.Second,
		RetryInterval: 2 * time.Second,
	}
}

// Subscriber is the client-side delivery state machine:
//
//	Live -> (loss) -> AwaitingRecovery -> (timeout) -> Polling -> (recovery) -> Live
//
// It owns no cache state; it only forwards snapshots to Updates.
type Subscriber struct {
	cfg       SubscriberConfig
	transport Transport
	puller    Puller
	updates   chan Event
	stream    <-chan Event
	logger    *slog.Logger

	mu    sync.Mutex
	state State
}

// NewSubscriber creates a subscriber starting in push mode.
func NewSubscriber(cfg SubscriberConfig, transport Transport, puller Puller, logger *slog.Logger) *Subscriber {
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:       cfg,
		transport: transport,
		puller:    puller,
		updates:   make(chan Event, 16),
		logger:    logger,
		state:     StateLive,
	}
}

// Updates returns the merged event stream (push or pulled).
func (s *Subscriber) Updates() <-chan Event {
	return s.updates
}

// State returns the current delivery mode.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Info("subscriber state changed", "from", prev, "to", st)
	}
}

// Run drives the state machine until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	for ctx.Err() == nil {
		switch s.State() {
		case StateLive:
			s.runLive(ctx)
		case StateAwaitingRecovery:
			s.runAwaiting(ctx)
		case StatePolling:
			s.runPolling(ctx)
		}
	}
}

// runLive connects if needed and forwards push events until the stream
// closes.
func (s *Subscriber) runLive(ctx context.Context) {
	if s.stream == nil {
		stream, err := s.transport.Connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("push connect failed", "error", err)
				s.setState(StateAwaitingRecovery)
			}
			return
		}
		s.stream = stream
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.stream:
			if !ok {
				s.stream = nil
				s.setState(StateAwaitingRecovery)
				return
			}
			s.forward(ctx, ev)
		}
	}
}

// runAwaiting retries the transport until it recovers or the fallback
// timer fires.
func (s *Subscriber) runAwaiting(ctx context.Context) {
	deadline := time.NewTimer(s.cfg.FallbackDelay)
	defer deadline.Stop()
	retry := time.NewTicker(s.cfg.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.setState(StatePolling)
			return
		case <-retry.C:
			if stream, err := s.transport.Connect(ctx); err == nil {
				s.stream = stream
				s.setState(StateLive)
				return
			}
		}
	}
}

// runPolling pulls on an interval while still probing for transport
// recovery. Recovery wins immediately and stops polling.
func (s *Subscriber) runPolling(ctx context.Context) {
	s.pollOnce(ctx)

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	retry := time.NewTicker(s.cfg.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.pollOnce(ctx)
		case <-retry.C:
			if stream, err := s.transport.Connect(ctx); err == nil {
				s.stream = stream
				s.setState(StateLive)
				return
			}
		}
	}
}

func (s *Subscriber) pollOnce(ctx context.Context) {
	events, err := s.puller.Pull(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("poll failed", "error", err)
		}
		return
	}
	for _, ev := range events {
		s.forward(ctx, ev)
	}
}

func (s *Subscriber) forward(ctx context.Context, ev Event) {
	select {
	case s.updates <- ev:
	case <-ctx.Done():
	}
}
