// Package session wires the orchestrator, reconciler and poller around one
// connection to the ledger service and owns their lifecycle.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/activity"
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/orchestrator"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
	"github.com/aircon-ledger/aircon-remote/internal/reconciler"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

// Status is the connection status shown to the user
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	// StatusDegraded means connected without live updates, polling only
	StatusDegraded Status = "degraded"
)

// Options configures a session
type Options struct {
	Orchestrator  orchestrator.Config
	PollInterval  time.Duration
	ReadTimeout   time.Duration
	LookupTimeout time.Duration
	LogCapacity   int
}

// StatusListener is notified on every status change
type StatusListener func(status Status)

// Session is one client connected to the ledger service
type Session struct {
	adapter remote.Adapter

	Projection   *projection.Projection
	Log          *activity.Log
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconciler.Reconciler
	Poller       *reconciler.Poller

	mu       sync.Mutex
	status   Status
	watchers []StatusListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// New builds the components of a session around adapter
func New(adapter remote.Adapter, opts Options) *Session {
	proj := projection.New(models.DefaultDeviceState())
	activityLog := activity.NewLog(opts.LogCapacity)
	poller := reconciler.NewPoller(adapter, proj, opts.PollInterval, opts.ReadTimeout)
	orch := orchestrator.New(opts.Orchestrator, adapter, proj, activityLog, poller)
	rec := reconciler.New(adapter, proj, activityLog, orch, opts.LookupTimeout)

	return &Session{
		adapter:      adapter,
		Projection:   proj,
		Log:          activityLog,
		Orchestrator: orch,
		Reconciler:   rec,
		Poller:       poller,
		status:       StatusDisconnected,
	}
}

// Account returns the local account
func (s *Session) Account() string {
	return s.adapter.Account()
}

// Status returns the current connection status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatus registers fn for status changes
func (s *Session) OnStatus(fn StatusListener) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Start announces the account, subscribes to live updates and starts the
// poller. A failed subscription leaves the session degraded, not failed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	account := s.adapter.Account()
	s.Log.SetAccount(account)
	s.Log.Info("account connected: " + models.ShortAccount(account))
	s.announceBalance(ctx, account)

	status := StatusConnected
	if err := s.Reconciler.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Live updates unavailable, falling back to polling")
		s.Log.Info("live updates unavailable, polling only")
		status = StatusDegraded
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Poller.Start(ctx)
	}()

	s.setStatus(status)
	log.Info().Str("account", account).Str("status", string(status)).Msg("Session started")
	return nil
}

// Close releases the subscription and stops the poller. It blocks until the
// poller goroutine has exited.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.Reconciler.Stop()
	s.Poller.Stop()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.setStatus(StatusDisconnected)
	log.Info().Msg("Session closed")
}

// Disconnected records loss of the transport connection
func (s *Session) Disconnected() {
	s.setStatus(StatusDisconnected)
}

// Reconnected starts a fresh deduplication scope and reads the full state
// at once, since events may have been missed while disconnected.
func (s *Session) Reconnected() {
	s.Reconciler.Reset()
	s.Poller.Trigger()

	if s.Reconciler.Subscribed() {
		s.setStatus(StatusConnected)
	} else {
		s.setStatus(StatusDegraded)
	}
}

// Degraded records that the event stream is known unhealthy and polls now
func (s *Session) Degraded(reason string) {
	if s.Status() != StatusDegraded {
		s.Log.Info("live updates unavailable, polling only")
	}
	log.Warn().Str("reason", reason).Msg("Event stream degraded")
	s.setStatus(StatusDegraded)
	s.Poller.Trigger()
}

func (s *Session) announceBalance(ctx context.Context, account string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	balance, err := s.adapter.ReadBalance(ctx, account)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read balance")
		return
	}
	s.Log.Info("balance: " + models.FormatAmount(balance, 4))
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	watchers := append([]StatusListener(nil), s.watchers...)
	s.mu.Unlock()

	for _, w := range watchers {
		w(status)
	}
}
