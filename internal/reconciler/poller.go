package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

// DefaultPollInterval is the full-state read period
const DefaultPollInterval = 8 * time.Second

// Poller performs full-state reads on a fixed interval and on demand. Each
// successful read overwrites the projection.
type Poller struct {
	adapter     remote.Adapter
	projection  *projection.Projection
	interval    time.Duration
	readTimeout time.Duration

	trigger chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	onPoll  func(state models.DeviceState, err error)
}

// NewPoller creates a poller
func NewPoller(adapter remote.Adapter, proj *projection.Projection, interval, readTimeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if readTimeout <= 0 {
		readTimeout = interval
	}
	return &Poller{
		adapter:     adapter,
		projection:  proj,
		interval:    interval,
		readTimeout: readTimeout,
		trigger:     make(chan struct{}, 1),
	}
}

// OnPoll registers a hook called after every read attempt
func (p *Poller) OnPoll(fn func(state models.DeviceState, err error)) {
	p.mu.Lock()
	p.onPoll = fn
	p.mu.Unlock()
}

// Start polls immediately, then every interval and whenever triggered,
// until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.Stop()

	log.Info().Dur("interval", p.interval).Msg("State poller started")

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("State poller stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		case <-p.trigger:
			p.Poll(ctx)
		}
	}
}

// Trigger requests an immediate read. Requests made while one is already
// queued are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// ScheduleRefresh requests a read after delay. While a refresh is scheduled
// further requests are folded into it.
func (p *Poller) ScheduleRefresh(delay time.Duration) {
	if delay <= 0 {
		p.Trigger()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		p.timer = nil
		p.mu.Unlock()
		p.Trigger()
	})
}

// Stop cancels a scheduled refresh and refuses new ones
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Poll performs one full-state read and applies it
func (p *Poller) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.readTimeout)
	defer cancel()

	state, err := remote.ReadState(ctx, p.adapter)
	if err != nil {
		log.Warn().Err(err).Msg("State poll failed")
	} else {
		p.projection.Apply(projection.Write{Source: projection.SourcePoll, State: &state})
		log.Debug().
			Bool("power", state.Power).
			Int("temperature", state.Temperature).
			Str("fan", string(state.FanLevel)).
			Str("mode", string(state.Mode)).
			Msg("State polled")
	}

	p.mu.Lock()
	hook := p.onPoll
	p.mu.Unlock()
	if hook != nil {
		hook(state, err)
	}
	return err
}
