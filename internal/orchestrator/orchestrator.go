// Package orchestrator turns user intents into ledger writes and tracks
// them until they settle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/activity"
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
	"github.com/aircon-ledger/aircon-remote/internal/retry"
)

// ownHandleMemory is how many submitted handles are remembered for
// self-origin checks
const ownHandleMemory = 64

// Refresher schedules an authoritative full-state read
type Refresher interface {
	ScheduleRefresh(delay time.Duration)
}

// Config tunes the submission pipeline
type Config struct {
	CostAttempts   int
	CostRetryDelay time.Duration
	DefaultCost    *big.Int

	BalanceBuffer *big.Int

	FallbackBudget      uint64
	BudgetMarginPercent uint64

	ConfirmTimeout    time.Duration
	ConfirmAttempts   int
	ConfirmRetryDelay time.Duration
	RefreshDelay      time.Duration

	IntentTTL        time.Duration
	TemperatureRange models.TemperatureRange
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() Config {
	return Config{
		CostAttempts:        3,
		CostRetryDelay:      300 * time.Millisecond,
		DefaultCost:         big.NewInt(0),
		BalanceBuffer:       big.NewInt(10_000_000_000_000_000), // 0.01 in 18-decimal units
		FallbackBudget:      500_000,
		BudgetMarginPercent: 150,
		ConfirmTimeout:      60 * time.Second,
		ConfirmAttempts:     5,
		ConfirmRetryDelay:   time.Second,
		RefreshDelay:        1500 * time.Millisecond,
		IntentTTL:           5 * time.Minute,
		TemperatureRange:    models.TemperatureRange{Min: 18, Max: 30, Step: 1},
	}
}

// Intent is a prepared request waiting for the user's annotation
type Intent struct {
	ID         uuid.UUID          `json:"id"`
	Kind       models.RequestKind `json:"kind"`
	PreparedAt time.Time          `json:"preparedAt"`
	ExpiresAt  time.Time          `json:"expiresAt"`
}

// OutcomeStatus is how a request ended
type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed-out"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome reports the end of a request
type Outcome struct {
	RequestID    uuid.UUID          `json:"requestId"`
	Kind         models.RequestKind `json:"kind"`
	Status       OutcomeStatus      `json:"status"`
	RemoteHandle string             `json:"remoteHandle,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// Orchestrator owns pending requests. At most one request is in flight.
type Orchestrator struct {
	cfg        Config
	adapter    remote.Adapter
	projection *projection.Projection
	log        *activity.Log
	refresher  Refresher

	inFlight atomic.Bool

	mu         sync.Mutex
	intents    map[uuid.UUID]*Intent
	pending    map[uuid.UUID]*models.PendingRequest
	ownHandles map[string]struct{}
	handleFIFO []string

	nowFunc func() time.Time
}

// New creates an orchestrator writing to the shared projection and log
func New(cfg Config, adapter remote.Adapter, proj *projection.Projection, activityLog *activity.Log, refresher Refresher) *Orchestrator {
	def := DefaultConfig()
	if cfg.CostAttempts <= 0 {
		cfg.CostAttempts = def.CostAttempts
	}
	if cfg.DefaultCost == nil {
		cfg.DefaultCost = def.DefaultCost
	}
	if cfg.BalanceBuffer == nil {
		cfg.BalanceBuffer = def.BalanceBuffer
	}
	if cfg.FallbackBudget == 0 {
		cfg.FallbackBudget = def.FallbackBudget
	}
	if cfg.BudgetMarginPercent == 0 {
		cfg.BudgetMarginPercent = def.BudgetMarginPercent
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = def.ConfirmAttempts
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = def.IntentTTL
	}
	if cfg.TemperatureRange.Step <= 0 {
		cfg.TemperatureRange = def.TemperatureRange
	}

	return &Orchestrator{
		cfg:        cfg,
		adapter:    adapter,
		projection: proj,
		log:        activityLog,
		refresher:  refresher,
		intents:    make(map[uuid.UUID]*Intent),
		pending:    make(map[uuid.UUID]*models.PendingRequest),
		ownHandles: make(map[string]struct{}),
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the time source (for testing).
func (o *Orchestrator) SetNowFunc(fn func() time.Time) { o.nowFunc = fn }

// Busy reports whether a request is in flight
func (o *Orchestrator) Busy() bool {
	return o.inFlight.Load()
}

// Pending returns the requests awaiting settlement, oldest first
func (o *Orchestrator) Pending() []models.PendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.PendingRequest, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// IsOwnHandle reports whether handle was submitted by this orchestrator
func (o *Orchestrator) IsOwnHandle(handle string) bool {
	if handle == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.ownHandles[handle]
	return ok
}

// Prepare validates kind against the current state and returns an intent
// to be confirmed with an annotation or cancelled.
func (o *Orchestrator) Prepare(kind models.RequestKind) (*Intent, error) {
	if _, err := models.ParseRequestKind(string(kind)); err != nil {
		return nil, newError(CodeInvalidInput, err.Error(), err)
	}
	if o.inFlight.Load() {
		return nil, newError(CodeBusy, "another request is still being processed", nil)
	}
	if err := checkPreconditions(kind, o.projection.State(), o.cfg.TemperatureRange); err != nil {
		return nil, err
	}

	now := o.nowFunc()
	intent := &Intent{
		ID:         uuid.New(),
		Kind:       kind,
		PreparedAt: now,
		ExpiresAt:  now.Add(o.cfg.IntentTTL),
	}

	o.mu.Lock()
	for id, in := range o.intents {
		if now.After(in.ExpiresAt) {
			delete(o.intents, id)
		}
	}
	o.intents[intent.ID] = intent
	o.mu.Unlock()

	return intent, nil
}

// Cancel discards a prepared intent. The remote is never contacted.
func (o *Orchestrator) Cancel(intentID uuid.UUID) (*Outcome, error) {
	intent, ok := o.takeIntent(intentID)
	if !ok {
		return nil, newError(CodeInvalidInput, "unknown or expired request", nil)
	}
	return &Outcome{
		RequestID: intent.ID,
		Kind:      intent.Kind,
		Status:    OutcomeCancelled,
		Message:   "request cancelled",
	}, newError(CodeUserCancelled, "request cancelled", nil)
}

// Submit prepares and confirms kind in one step
func (o *Orchestrator) Submit(ctx context.Context, kind models.RequestKind, annotation string) (*Outcome, error) {
	intent, err := o.Prepare(kind)
	if err != nil {
		return rejected(uuid.Nil, kind, err), err
	}
	return o.Confirm(ctx, intent.ID, annotation)
}

// Confirm runs the submission pipeline for a prepared intent
func (o *Orchestrator) Confirm(ctx context.Context, intentID uuid.UUID, annotation string) (*Outcome, error) {
	intent, ok := o.takeIntent(intentID)
	if !ok {
		err := newError(CodeInvalidInput, "unknown or expired request", nil)
		return rejected(intentID, "", err), err
	}
	if utf8.RuneCountInString(annotation) > models.MaxAnnotationLength {
		err := newError(CodeInvalidInput,
			fmt.Sprintf("annotation is limited to %d characters", models.MaxAnnotationLength), nil)
		return rejected(intent.ID, intent.Kind, err), err
	}

	if !o.inFlight.CompareAndSwap(false, true) {
		err := newError(CodeBusy, "another request is still being processed", nil)
		return rejected(intent.ID, intent.Kind, err), err
	}
	defer o.inFlight.Store(false)

	return o.run(ctx, intent, annotation)
}

func (o *Orchestrator) takeIntent(id uuid.UUID) (*Intent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	intent, ok := o.intents[id]
	if !ok {
		return nil, false
	}
	delete(o.intents, id)
	if o.nowFunc().After(intent.ExpiresAt) {
		return nil, false
	}
	return intent, true
}

// run executes preflight, submission and confirmation. The caller holds the
// single-flight guard.
func (o *Orchestrator) run(ctx context.Context, intent *Intent, annotation string) (*Outcome, error) {
	kind := intent.Kind
	state, baseVersion := o.projection.Base()
	if err := checkPreconditions(kind, state, o.cfg.TemperatureRange); err != nil {
		return rejected(intent.ID, kind, err), err
	}

	cost := o.discoverCost(ctx)

	if err := o.checkBalance(ctx, cost); err != nil {
		return rejected(intent.ID, kind, err), err
	}

	p := planFor(kind, state, o.cfg.TemperatureRange, annotation)

	budget, err := o.estimateBudget(ctx, p.call, cost)
	if err != nil {
		return failed(intent.ID, kind, "", err), err
	}

	handle, err := o.adapter.SubmitWrite(ctx, p.call, cost, budget)
	if err != nil {
		rerr := classify(err)
		log.Warn().Err(err).Str("kind", string(kind)).Str("code", string(rerr.Code)).Msg("Submission failed")
		status := OutcomeFailed
		switch rerr.Code {
		case CodeUserCancelled:
			status = OutcomeCancelled
		case CodeNetworkUnstable:
			// the write may have reached the ledger anyway
			o.scheduleRefresh()
		}
		out := failed(intent.ID, kind, "", rerr)
		out.Status = status
		return out, rerr
	}

	req := &models.PendingRequest{
		ID:           intent.ID,
		Kind:         kind,
		Status:       models.RequestSubmitted,
		SubmittedAt:  o.nowFunc(),
		CostEstimate: cost,
		Budget:       budget,
		RemoteHandle: handle,
		Annotation:   annotation,
	}
	o.track(req)

	o.projection.Apply(projection.Write{
		Source:    projection.SourceOptimistic,
		Mutate:    p.mutate,
		RequestID: req.ID,
	})
	o.log.Append(models.LogEntry{
		Message:       "submitted: " + kind.Description(),
		Severity:      models.SeverityPending,
		RemoteHandle:  handle,
		Annotation:    annotation,
		OriginAddress: o.adapter.Account(),
	})

	log.Info().
		Str("kind", string(kind)).
		Str("handle", handle).
		Str("cost", cost.String()).
		Uint64("budget", budget).
		Msg("Request submitted")

	return o.awaitSettlement(ctx, req, p, baseVersion)
}

// discoverCost reads the per-request cost, falling back to the configured
// default when every attempt fails
func (o *Orchestrator) discoverCost(ctx context.Context) *big.Int {
	policy := retry.Policy{Attempts: o.cfg.CostAttempts, Delay: o.cfg.CostRetryDelay}
	cost, err := retry.Do(ctx, policy, retry.Options{
		OnRetry: func(attempt int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Int("of", o.cfg.CostAttempts).Msg("Cost read failed")
		},
	}, func(int) (*big.Int, error) {
		values, err := o.adapter.ReadFields(ctx, remote.FieldCost)
		if err != nil {
			return nil, err
		}
		return values.BigInt(remote.FieldCost)
	})
	if err != nil {
		log.Warn().Err(err).Str("default", o.cfg.DefaultCost.String()).Msg("Cost unavailable, using default")
		return new(big.Int).Set(o.cfg.DefaultCost)
	}
	return cost
}

// checkBalance rejects the request when the account cannot cover cost plus
// the safety buffer. A failed balance read is not a rejection.
func (o *Orchestrator) checkBalance(ctx context.Context, cost *big.Int) error {
	balance, err := o.adapter.ReadBalance(ctx, o.adapter.Account())
	if err != nil {
		log.Warn().Err(err).Msg("Balance read failed, assuming sufficient funds")
		return nil
	}
	return checkFunds(balance, cost, o.cfg.BalanceBuffer)
}

// checkFunds compares balance against cost + buffer
func checkFunds(balance, cost, buffer *big.Int) error {
	required := new(big.Int).Add(cost, buffer)
	if balance.Cmp(required) < 0 {
		return newError(CodeInsufficientFunds,
			fmt.Sprintf("insufficient balance: have %s, need %s", balance, required), nil)
	}
	return nil
}

// estimateBudget returns the execution budget with margin, the fallback
// budget when estimation is unavailable, or a RemoteRejected error when the
// ledger refuses the transition outright.
func (o *Orchestrator) estimateBudget(ctx context.Context, call models.WriteCall, cost *big.Int) (uint64, error) {
	estimated, err := o.adapter.EstimateBudget(ctx, call, cost)
	if err == nil {
		return estimated * o.cfg.BudgetMarginPercent / 100, nil
	}

	if rerr := classify(err); rerr.Code == CodeRemoteRejected {
		log.Warn().Err(err).Str("method", call.Method).Msg("Ledger rejected the transition during estimation")
		return 0, rerr
	}

	log.Warn().Err(err).Uint64("fallback", o.cfg.FallbackBudget).Msg("Budget estimation unavailable, using fallback")
	return o.cfg.FallbackBudget, nil
}

// awaitSettlement waits for the receipt and applies the outcome. The plan was
// computed against the base at baseVersion.
func (o *Orchestrator) awaitSettlement(ctx context.Context, req *models.PendingRequest, p plan, baseVersion uint64) (*Outcome, error) {
	policy := retry.Policy{Attempts: o.cfg.ConfirmAttempts, Delay: o.cfg.ConfirmRetryDelay}
	receipt, err := retry.Do(ctx, policy, retry.Options{
		Retryable: func(err error) bool { return errors.Is(err, remote.ErrTimedOut) },
		OnRetry: func(attempt int, err error) {
			log.Warn().Err(err).Str("handle", req.RemoteHandle).Int("attempt", attempt).Msg("Confirmation wait timed out")
		},
	}, func(int) (*remote.Receipt, error) {
		return o.adapter.AwaitConfirmation(ctx, req.RemoteHandle, o.cfg.ConfirmTimeout)
	})

	if err != nil {
		return o.deferToRefresh(req, err), nil
	}

	if receipt.Status != remote.ReceiptAccepted {
		o.finish(req, models.RequestFailed)
		o.projection.Discard(req.ID)
		o.log.Append(models.LogEntry{
			Message:       "failed: " + req.Kind.Description(),
			Severity:      models.SeverityError,
			RemoteHandle:  req.RemoteHandle,
			OriginAddress: o.adapter.Account(),
		})
		log.Warn().Str("handle", req.RemoteHandle).Msg("Request reverted")

		rerr := newError(CodeRemoteRejected, "the request was reverted by the ledger", nil)
		return failed(req.ID, req.Kind, req.RemoteHandle, rerr), rerr
	}

	o.finish(req, models.RequestConfirmed)
	applied := o.projection.ApplyIfBase(projection.Write{
		Source:    projection.SourceConfirmed,
		Mutate:    p.mutate,
		RequestID: req.ID,
	}, baseVersion)
	if applied {
		o.scheduleRefresh()
	} else {
		// a poll or foreign change moved the base and may already include
		// this write; read instead of applying it twice
		o.projection.Discard(req.ID)
		if o.refresher != nil {
			o.refresher.ScheduleRefresh(0)
		}
		log.Debug().Str("handle", req.RemoteHandle).Msg("State changed while waiting, refreshing instead of applying")
	}
	o.log.Append(models.LogEntry{
		Message:       "success: " + req.Kind.Description(),
		Severity:      models.SeveritySuccess,
		RemoteHandle:  req.RemoteHandle,
		Annotation:    req.Annotation,
		OriginAddress: o.adapter.Account(),
	})
	log.Info().Str("handle", req.RemoteHandle).Uint64("block", receipt.Block).Msg("Request confirmed")

	return &Outcome{
		RequestID:    req.ID,
		Kind:         req.Kind,
		Status:       OutcomeConfirmed,
		RemoteHandle: req.RemoteHandle,
		Message:      "done: " + req.Kind.Description(),
	}, nil
}

// deferToRefresh gives up waiting locally. The write may still land; the next
// authoritative read decides.
func (o *Orchestrator) deferToRefresh(req *models.PendingRequest, err error) *Outcome {
	o.finish(req, models.RequestTimedOut)
	o.projection.Discard(req.ID)
	o.scheduleRefresh()
	o.log.Append(models.LogEntry{
		Message:       "awaiting ledger, state will refresh: " + req.Kind.Description(),
		Severity:      models.SeverityInfo,
		RemoteHandle:  req.RemoteHandle,
		OriginAddress: o.adapter.Account(),
	})
	log.Warn().Err(err).Str("handle", req.RemoteHandle).Msg("Confirmation inconclusive, deferring to refresh")

	return &Outcome{
		RequestID:    req.ID,
		Kind:         req.Kind,
		Status:       OutcomeTimedOut,
		RemoteHandle: req.RemoteHandle,
		Message:      "confirmation is taking longer than expected, state will refresh",
	}
}

func (o *Orchestrator) track(req *models.PendingRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending[req.ID] = req
	o.ownHandles[req.RemoteHandle] = struct{}{}
	o.handleFIFO = append(o.handleFIFO, req.RemoteHandle)
	if len(o.handleFIFO) > ownHandleMemory {
		delete(o.ownHandles, o.handleFIFO[0])
		o.handleFIFO = o.handleFIFO[1:]
	}
}

func (o *Orchestrator) finish(req *models.PendingRequest, status models.RequestStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req.Status = status
	delete(o.pending, req.ID)
}

func rejected(id uuid.UUID, kind models.RequestKind, err error) *Outcome {
	return &Outcome{RequestID: id, Kind: kind, Status: OutcomeRejected, Message: err.Error()}
}

func failed(id uuid.UUID, kind models.RequestKind, handle string, err error) *Outcome {
	return &Outcome{RequestID: id, Kind: kind, Status: OutcomeFailed, RemoteHandle: handle, Message: err.Error()}
}

func (o *Orchestrator) scheduleRefresh() {
	if o.refresher != nil {
		o.refresher.ScheduleRefresh(o.cfg.RefreshDelay)
	}
}
