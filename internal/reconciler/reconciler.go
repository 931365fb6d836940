// Package reconciler folds the remote change-event stream and periodic
// full-state reads into the shared projection.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/activity"
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

// UnknownOrigin is recorded when the originating account cannot be resolved
const UnknownOrigin = "unknown"

// HandleRegistry tells whether a remote handle was submitted locally
type HandleRegistry interface {
	IsOwnHandle(handle string) bool
}

// Reconciler applies foreign change events exactly once
type Reconciler struct {
	adapter       remote.Adapter
	projection    *projection.Projection
	log           *activity.Log
	handles       HandleRegistry
	lookupTimeout time.Duration

	mu   sync.Mutex
	seen map[string]struct{}
	sub  remote.Subscription
}

// New creates a reconciler. handles may be nil.
func New(adapter remote.Adapter, proj *projection.Projection, activityLog *activity.Log, handles HandleRegistry, lookupTimeout time.Duration) *Reconciler {
	if lookupTimeout <= 0 {
		lookupTimeout = 5 * time.Second
	}
	return &Reconciler{
		adapter:       adapter,
		projection:    proj,
		log:           activityLog,
		handles:       handles,
		lookupTimeout: lookupTimeout,
		seen:          make(map[string]struct{}),
	}
}

// Start subscribes to the change-event stream
func (r *Reconciler) Start(ctx context.Context) error {
	sub, err := r.adapter.Subscribe(ctx, func(event models.RemoteEvent) {
		r.Handle(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("subscribe to change events: %w", err)
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Stop releases the subscription. It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Msg("Failed to unsubscribe from change events")
	}
}

// Subscribed reports whether live updates are active
func (r *Reconciler) Subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub != nil
}

// Reset forgets the events seen during the previous connection
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.seen = make(map[string]struct{})
	r.mu.Unlock()
}

// Handle processes one event. It never panics and never returns an error to
// the stream. It reports whether the event changed the projection.
func (r *Reconciler) Handle(ctx context.Context, event models.RemoteEvent) (applied bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("event_id", event.ID).Msg("Recovered from panic in event handler")
			applied = false
		}
	}()

	if !r.markSeen(event.ID) {
		log.Debug().Str("event_id", event.ID).Msg("Duplicate event ignored")
		return false
	}

	if r.handles != nil && r.handles.IsOwnHandle(event.RemoteHandle) {
		log.Debug().Str("handle", event.RemoteHandle).Msg("Own event ignored")
		return false
	}

	origin := r.resolveOrigin(ctx, event)
	if models.SameAccount(origin, r.adapter.Account()) {
		log.Debug().Str("handle", event.RemoteHandle).Msg("Own event ignored")
		return false
	}

	change, err := decodeChange(event)
	if err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Str("kind", string(event.Kind)).Msg("Failed to decode change event")
		return false
	}

	r.projection.Apply(projection.Write{
		Source: projection.SourceForeign,
		Mutate: change.mutate,
	})
	r.log.Append(models.LogEntry{
		Message:       fmt.Sprintf("%s %s", models.ShortAccount(origin), change.message),
		Severity:      models.SeverityExternal,
		RemoteHandle:  event.RemoteHandle,
		Annotation:    change.annotation,
		OriginAddress: origin,
	})

	log.Info().
		Str("kind", string(event.Kind)).
		Str("origin", origin).
		Str("handle", event.RemoteHandle).
		Msg("Applied foreign change")
	return true
}

// markSeen records id and reports whether it was new. Events without an ID
// cannot be deduplicated and are always new.
func (r *Reconciler) markSeen(id string) bool {
	if id == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}

func (r *Reconciler) resolveOrigin(ctx context.Context, event models.RemoteEvent) string {
	if event.OriginAccount != "" {
		return event.OriginAccount
	}
	if event.RemoteHandle == "" {
		return UnknownOrigin
	}

	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	origin, err := r.adapter.ResolveOrigin(ctx, event.RemoteHandle)
	if err != nil || origin == "" {
		log.Warn().Err(err).Str("handle", event.RemoteHandle).Msg("Origin lookup failed, treating event as foreign")
		return UnknownOrigin
	}
	return origin
}

// change is a decoded event ready to apply
type change struct {
	mutate     projection.Mutation
	message    string
	annotation string
}

func decodeChange(event models.RemoteEvent) (*change, error) {
	if len(event.Args) == 0 {
		return nil, fmt.Errorf("event has no arguments")
	}

	c := &change{}
	if len(event.Args) > 1 {
		c.annotation = argString(event.Args[1])
	}

	switch event.Kind {
	case models.EventTemperatureChanged:
		t, err := argInt(event.Args[0])
		if err != nil {
			return nil, fmt.Errorf("temperature: %w", err)
		}
		c.mutate = func(s *models.DeviceState) { s.Temperature = t }
		c.message = fmt.Sprintf("set the temperature to %d", t)

	case models.EventPowerChanged:
		on, err := argBool(event.Args[0])
		if err != nil {
			return nil, fmt.Errorf("power: %w", err)
		}
		c.mutate = func(s *models.DeviceState) { s.Power = on }
		if on {
			c.message = "turned the unit on"
		} else {
			c.message = "turned the unit off"
		}

	case models.EventModeChanged:
		m, err := argMode(event.Args[0])
		if err != nil {
			return nil, fmt.Errorf("mode: %w", err)
		}
		c.mutate = func(s *models.DeviceState) { s.Mode = m }
		c.message = fmt.Sprintf("switched to %s mode", m)

	case models.EventFanLevelChanged:
		f, err := argFanLevel(event.Args[0])
		if err != nil {
			return nil, fmt.Errorf("fan level: %w", err)
		}
		c.mutate = func(s *models.DeviceState) { s.FanLevel = f }
		c.message = fmt.Sprintf("set the fan to %s", f)

	default:
		return nil, fmt.Errorf("unknown event kind %q", event.Kind)
	}
	return c, nil
}

// argString reads a JSON string, or the raw text of any other value
func argString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// argInt accepts JSON numbers and numeric strings
func argInt(raw json.RawMessage) (int, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		s := argString(raw)
		if _, perr := strconv.Atoi(s); perr != nil {
			return 0, fmt.Errorf("not an integer: %s", raw)
		}
		n = json.Number(s)
	}
	i, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}
	return i, nil
}

func argBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	i, err := argInt(raw)
	if err != nil {
		return false, err
	}
	return i == 1, nil
}

func argMode(raw json.RawMessage) (models.Mode, error) {
	if i, err := argInt(raw); err == nil {
		return models.ModeFromIndex(i)
	}
	switch m := models.Mode(strings.ToLower(argString(raw))); m {
	case models.ModeCool, models.ModeHeat:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode: %s", raw)
}

func argFanLevel(raw json.RawMessage) (models.FanLevel, error) {
	if i, err := argInt(raw); err == nil {
		return models.FanLevelFromIndex(i)
	}
	return models.ParseFanLevel(argString(raw))
}
