// Package ledgersim is an in-process stand-in for the remote ledger: it
// holds the unit's authoritative fields, charges a cost per write, includes
// writes after a delay and emits change events.
package ledgersim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

// baseBudget is the execution budget every write consumes
const baseBudget uint64 = 45_000

// EventSink receives events emitted by included writes
type EventSink func(event models.RemoteEvent)

type txStatus int

const (
	txPending txStatus = iota
	txAccepted
	txReverted
)

type transaction struct {
	handle  string
	origin  string
	call    models.WriteCall
	value   *big.Int
	status  txStatus
	block   uint64
	settled chan struct{}
}

// Options configures a Ledger
type Options struct {
	Cost        *big.Int
	MiningDelay time.Duration
	TempRange   models.TemperatureRange
	Initial     models.DeviceState
	Balances    map[string]*big.Int
}

// Ledger is the simulated contract. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	state    models.DeviceState
	cost     *big.Int
	balances map[string]*big.Int
	txs      map[string]*transaction
	block    uint64
	events   uint64

	delay     time.Duration
	tempRange models.TemperatureRange
	sink      EventSink
	timers    map[string]*time.Timer
}

// New creates a ledger
func New(opts Options) *Ledger {
	if opts.Cost == nil {
		opts.Cost = big.NewInt(0)
	}
	if opts.TempRange.Step == 0 {
		opts.TempRange = models.TemperatureRange{Min: 18, Max: 30, Step: 1}
	}
	if opts.Initial.FanLevel == "" {
		opts.Initial = models.DefaultDeviceState()
	}

	balances := make(map[string]*big.Int, len(opts.Balances))
	for account, b := range opts.Balances {
		balances[normalize(account)] = new(big.Int).Set(b)
	}

	return &Ledger{
		state:     opts.Initial,
		cost:      new(big.Int).Set(opts.Cost),
		balances:  balances,
		txs:       make(map[string]*transaction),
		delay:     opts.MiningDelay,
		tempRange: opts.TempRange,
		timers:    make(map[string]*time.Timer),
	}
}

// SetEventSink registers the receiver of change events
func (l *Ledger) SetEventSink(sink EventSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// State returns the current authoritative state
func (l *Ledger) State() models.DeviceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Read returns the raw value of a field
func (l *Ledger) Read(field remote.Field) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var v interface{}
	switch field {
	case remote.FieldPower:
		status := 0
		if l.state.Power {
			status = 1
		}
		v = status
	case remote.FieldTemperature:
		v = l.state.Temperature
	case remote.FieldFanLevel:
		v = l.state.FanLevel.Index()
	case remote.FieldMode:
		v = l.state.Mode.Index()
	case remote.FieldCost:
		v = l.cost
	default:
		return nil, remote.NewError(remote.CodeRejected, fmt.Sprintf("unknown field %q", field))
	}
	return json.Marshal(v)
}

// Balance returns the balance of account
func (l *Ledger) Balance(account string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[normalize(account)]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Credit adds amount to the balance of account
func (l *Ledger) Credit(account string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := normalize(account)
	b, ok := l.balances[key]
	if !ok {
		b = new(big.Int)
		l.balances[key] = b
	}
	b.Add(b, amount)
}

// Estimate dry-runs call against the current state
func (l *Ledger) Estimate(account string, call models.WriteCall, value *big.Int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkPaymentLocked(account, value); err != nil {
		return 0, err
	}
	if _, err := l.transitionLocked(call); err != nil {
		return 0, err
	}
	return baseBudget + uint64(len(call.Annotation))*16, nil
}

// Submit queues call for inclusion and returns its handle. The transition
// is checked again at inclusion and reverts if no longer valid.
func (l *Ledger) Submit(account string, call models.WriteCall, value *big.Int, budget uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkPaymentLocked(account, value); err != nil {
		return "", err
	}
	if budget < baseBudget {
		return "", remote.NewError(remote.CodeRejected, "intrinsic budget too low")
	}

	tx := &transaction{
		handle:  "0x" + uuid.New().String(),
		origin:  account,
		call:    call,
		value:   new(big.Int).Set(value),
		settled: make(chan struct{}),
	}
	l.txs[tx.handle] = tx

	if l.delay <= 0 {
		l.mineLocked(tx)
	} else {
		l.timers[tx.handle] = time.AfterFunc(l.delay, func() {
			l.mu.Lock()
			delete(l.timers, tx.handle)
			l.mineLocked(tx)
			l.mu.Unlock()
		})
	}

	log.Debug().Str("handle", tx.handle).Str("method", call.Method).Str("origin", account).Msg("Write queued")
	return tx.handle, nil
}

// Await blocks until handle settles, timeout elapses or ctx is done
func (l *Ledger) Await(ctx context.Context, handle string, timeout time.Duration) (*remote.Receipt, error) {
	l.mu.Lock()
	tx, ok := l.txs[handle]
	l.mu.Unlock()
	if !ok {
		return nil, remote.NewError(remote.CodeRejected, "unknown handle "+handle)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tx.settled:
	case <-timer.C:
		return nil, remote.NewError(remote.CodeTimedOut, "not included within "+timeout.String())
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	receipt := &remote.Receipt{RemoteHandle: handle, Status: remote.ReceiptAccepted, Block: tx.block}
	if tx.status == txReverted {
		receipt.Status = remote.ReceiptReverted
	}
	return receipt, nil
}

// Origin returns the account that submitted handle
func (l *Ledger) Origin(handle string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[handle]
	if !ok {
		return "", remote.NewError(remote.CodeRejected, "unknown handle "+handle)
	}
	return tx.origin, nil
}

// Close cancels writes still waiting for inclusion
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for handle, t := range l.timers {
		t.Stop()
		delete(l.timers, handle)
	}
}

func (l *Ledger) checkPaymentLocked(account string, value *big.Int) error {
	if value == nil || value.Cmp(l.cost) < 0 {
		return remote.NewError(remote.CodeRejected, "execution reverted: insufficient payment")
	}
	balance, ok := l.balances[normalize(account)]
	if !ok || balance.Cmp(value) < 0 {
		return remote.NewError(remote.CodeInsufficientFunds, "insufficient funds for transfer")
	}
	return nil
}

// transitionLocked returns the state call would produce, or a rejection
func (l *Ledger) transitionLocked(call models.WriteCall) (models.DeviceState, error) {
	next := l.state
	revert := func(reason string) (models.DeviceState, error) {
		return l.state, remote.NewError(remote.CodeRejected, "execution reverted: "+reason)
	}

	if call.Method != models.MethodChangeStatus && !l.state.Power {
		return revert("unit is off")
	}

	switch call.Method {
	case models.MethodChangeStatus:
		on := call.Value == 1
		if on == l.state.Power {
			return revert("status unchanged")
		}
		next.Power = on

	case models.MethodChangeTemp:
		switch call.Value {
		case models.TempDirectionUp:
			next.Temperature += l.tempRange.Step
		case models.TempDirectionDown:
			next.Temperature -= l.tempRange.Step
		default:
			return revert("bad direction")
		}
		if !l.tempRange.Contains(next.Temperature) {
			return revert("temperature out of range")
		}

	case models.MethodChangeMode:
		m, err := models.ModeFromIndex(call.Value)
		if err != nil {
			return revert(err.Error())
		}
		next.Mode = m

	case models.MethodChangePower:
		f, err := models.FanLevelFromIndex(call.Value)
		if err != nil {
			return revert(err.Error())
		}
		next.FanLevel = f

	default:
		return revert("unknown method " + call.Method)
	}
	return next, nil
}

// mineLocked includes tx. A write that is no longer valid, or whose sender
// can no longer pay, reverts without charge.
func (l *Ledger) mineLocked(tx *transaction) {
	l.block++
	tx.block = l.block

	next, err := l.transitionLocked(tx.call)
	if err == nil {
		err = l.checkPaymentLocked(tx.origin, tx.value)
	}
	if err != nil {
		tx.status = txReverted
		close(tx.settled)
		log.Debug().Err(err).Str("handle", tx.handle).Msg("Write reverted")
		return
	}

	balance := l.balances[normalize(tx.origin)]
	balance.Sub(balance, tx.value)
	l.state = next
	tx.status = txAccepted
	close(tx.settled)

	event := l.eventLocked(tx)
	if l.sink != nil {
		// delivered off the lock: sinks may read the ledger
		sink := l.sink
		go sink(event)
	}
	log.Debug().Str("handle", tx.handle).Uint64("block", tx.block).Msg("Write included")
}

func (l *Ledger) eventLocked(tx *transaction) models.RemoteEvent {
	l.events++

	var kind models.EventKind
	var value interface{}
	switch tx.call.Method {
	case models.MethodChangeStatus:
		kind, value = models.EventPowerChanged, l.state.Power
	case models.MethodChangeTemp:
		kind, value = models.EventTemperatureChanged, l.state.Temperature
	case models.MethodChangeMode:
		kind, value = models.EventModeChanged, l.state.Mode.Index()
	case models.MethodChangePower:
		kind, value = models.EventFanLevelChanged, fanWireName(l.state.FanLevel)
	}

	v, _ := json.Marshal(value)
	note, _ := json.Marshal(tx.call.Annotation)
	// like a contract log, the event names the write but not its sender
	return models.RemoteEvent{
		ID:           fmt.Sprintf("%d-%d", tx.block, l.events),
		Kind:         kind,
		Args:         []json.RawMessage{v, note},
		RemoteHandle: tx.handle,
		Block:        tx.block,
	}
}

// fanWireName is the level name the contract emits
func fanWireName(f models.FanLevel) string {
	switch f {
	case models.FanLow:
		return "weak"
	case models.FanHigh:
		return "power"
	}
	return "medium"
}

func normalize(account string) string {
	return strings.ToLower(account)
}
