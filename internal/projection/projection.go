// Package projection holds the client's single view of what the unit is
// doing now.
//
// Four producers write to it, ranked:
//
//	poll        full authoritative read, always overwrites
//	confirmed   local write the ledger accepted
//	foreign     change event from another account
//	optimistic  local write submitted but not yet settled
//
// Poll, confirmed and foreign writes land on the base state in arrival
// order. An optimistic write never touches the base: it is kept as an
// overlay rendered on top of it, and the first higher-ranked write after it
// removes the overlay.
package projection

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

// Source identifies the producer of a write
type Source int

const (
	SourceNone Source = iota
	SourceOptimistic
	SourceForeign
	SourceConfirmed
	SourcePoll
)

func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceOptimistic:
		return "optimistic"
	case SourceForeign:
		return "foreign"
	case SourceConfirmed:
		return "confirmed"
	case SourcePoll:
		return "poll"
	}
	return "unknown"
}

// Mutation changes some fields of a state in place
type Mutation func(s *models.DeviceState)

// Write is one request to change the projection.
// Poll writes carry State; the others carry Mutate.
type Write struct {
	Source    Source
	State     *models.DeviceState
	Mutate    Mutation
	RequestID uuid.UUID
}

// View is a snapshot handed to readers
type View struct {
	State     models.DeviceState `json:"state"`
	Pending   bool               `json:"pending"`
	Source    string             `json:"source"`
	Synced    bool               `json:"synced"`
	Version   uint64             `json:"version"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Listener is notified after each accepted write. Listeners are called one
// at a time in version order and must not write to the projection.
type Listener func(v View)

type overlay struct {
	requestID uuid.UUID
	mutate    Mutation
}

// Projection is safe for concurrent use
type Projection struct {
	mu          sync.RWMutex
	base        models.DeviceState
	baseSource  Source
	baseVersion uint64
	synced      bool
	overlay     *overlay
	version     uint64
	updatedAt   time.Time

	// serializes writers through notification so views go out in order
	writeMu sync.Mutex

	nextID   uint64
	watchers map[uint64]Listener

	nowFunc func() time.Time
}

// New creates a projection starting from initial
func New(initial models.DeviceState) *Projection {
	return &Projection{
		base:     initial,
		watchers: make(map[uint64]Listener),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the time source (for testing).
func (p *Projection) SetNowFunc(fn func() time.Time) { p.nowFunc = fn }

// Apply runs w through the precedence rules. It reports whether the write
// was accepted.
func (p *Projection) Apply(w Write) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	v, ok := p.applyLocked(w)
	p.mu.Unlock()

	if ok {
		p.notify(v)
	}
	return ok
}

// ApplyIfBase is Apply for a write computed against the base at
// baseVersion. It is refused when a poll, confirmed or foreign write has
// changed the base since.
func (p *Projection) ApplyIfBase(w Write, baseVersion uint64) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if p.baseVersion != baseVersion {
		p.mu.Unlock()
		return false
	}
	v, ok := p.applyLocked(w)
	p.mu.Unlock()

	if ok {
		p.notify(v)
	}
	return ok
}

func (p *Projection) applyLocked(w Write) (View, bool) {
	switch w.Source {
	case SourcePoll:
		if w.State == nil {
			return View{}, false
		}
		p.base = *w.State
		p.synced = true
		p.overlay = nil

	case SourceConfirmed, SourceForeign:
		if w.Mutate == nil {
			return View{}, false
		}
		w.Mutate(&p.base)
		p.overlay = nil

	case SourceOptimistic:
		if w.Mutate == nil {
			return View{}, false
		}
		p.overlay = &overlay{requestID: w.RequestID, mutate: w.Mutate}

	default:
		return View{}, false
	}

	if w.Source != SourceOptimistic {
		p.baseSource = w.Source
		p.baseVersion++
	}
	return p.commitLocked(), true
}

// Discard removes the optimistic overlay of requestID, if it is still shown
func (p *Projection) Discard(requestID uuid.UUID) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if p.overlay == nil || p.overlay.requestID != requestID {
		p.mu.Unlock()
		return false
	}
	p.overlay = nil
	v := p.commitLocked()
	p.mu.Unlock()

	p.notify(v)
	return true
}

// Snapshot returns the visible state
func (p *Projection) Snapshot() View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.viewLocked()
}

// State returns the visible device state
func (p *Projection) State() models.DeviceState {
	return p.Snapshot().State
}

// Confirmed returns the base state without any optimistic overlay
func (p *Projection) Confirmed() models.DeviceState {
	state, _ := p.Base()
	return state
}

// Base returns the base state and its version. The version moves on every
// poll, confirmed or foreign write.
func (p *Projection) Base() (models.DeviceState, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.base, p.baseVersion
}

// Subscribe registers fn for change notifications and returns a function
// removing it.
func (p *Projection) Subscribe(fn Listener) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.watchers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

func (p *Projection) commitLocked() View {
	p.version++
	p.updatedAt = p.nowFunc()
	return p.viewLocked()
}

func (p *Projection) viewLocked() View {
	v := View{
		State:     p.base,
		Source:    p.baseSource.String(),
		Synced:    p.synced,
		Version:   p.version,
		UpdatedAt: p.updatedAt,
	}
	if p.overlay != nil {
		p.overlay.mutate(&v.State)
		v.Pending = true
		v.Source = SourceOptimistic.String()
	}
	return v
}

func (p *Projection) notify(v View) {
	p.mu.RLock()
	watchers := make([]Listener, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.RUnlock()

	for _, w := range watchers {
		w(v)
	}
}
