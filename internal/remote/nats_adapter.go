package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

// receiptGrace is added to the NATS request deadline so the ledger can
// answer TIMED_OUT itself before the transport gives up.
const receiptGrace = 2 * time.Second

// NATSAdapter talks to the ledger service over NATS request/reply
type NATSAdapter struct {
	nc             *nats.Conn
	subjects       Subjects
	account        string
	requestTimeout time.Duration
}

// NewNATSAdapter creates an adapter acting for account against contract
func NewNATSAdapter(nc *nats.Conn, contract, account string, requestTimeout time.Duration) *NATSAdapter {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &NATSAdapter{
		nc:             nc,
		subjects:       NewSubjects(contract),
		account:        account,
		requestTimeout: requestTimeout,
	}
}

// Account returns the local account
func (a *NATSAdapter) Account() string {
	return a.account
}

// request performs one request/reply exchange and decodes the result
func (a *NATSAdapter) request(ctx context.Context, subject string, timeout time.Duration, req, out interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := a.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return classifyTransport(err)
	}
	return DecodeReply(msg.Data, out)
}

// ReadFields reads the requested fields concurrently
func (a *NATSAdapter) ReadFields(ctx context.Context, fields ...Field) (FieldValues, error) {
	values := make(FieldValues, len(fields))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fields {
		f := f
		g.Go(func() error {
			var res ReadResult
			if err := a.request(gctx, a.subjects.Read(f), a.requestTimeout, struct{}{}, &res); err != nil {
				return fmt.Errorf("read %s: %w", f, err)
			}
			mu.Lock()
			values[f] = res.Value
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// ReadBalance reads an account balance
func (a *NATSAdapter) ReadBalance(ctx context.Context, account string) (*big.Int, error) {
	var res BalanceResult
	if err := a.request(ctx, a.subjects.Balance(), a.requestTimeout, BalanceRequest{Account: account}, &res); err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if res.Balance == nil {
		return new(big.Int), nil
	}
	return res.Balance, nil
}

// EstimateBudget estimates the execution budget of call
func (a *NATSAdapter) EstimateBudget(ctx context.Context, call models.WriteCall, cost *big.Int) (uint64, error) {
	var res EstimateResult
	req := EstimateRequest{Account: a.account, Call: call, Value: cost}
	if err := a.request(ctx, a.subjects.Estimate(), a.requestTimeout, req, &res); err != nil {
		return 0, fmt.Errorf("estimate %s: %w", call.Method, err)
	}
	return res.Budget, nil
}

// SubmitWrite issues call and returns its handle without waiting for inclusion
func (a *NATSAdapter) SubmitWrite(ctx context.Context, call models.WriteCall, cost *big.Int, budget uint64) (string, error) {
	var res SubmitResult
	req := SubmitRequest{Account: a.account, Call: call, Value: cost, Budget: budget}
	if err := a.request(ctx, a.subjects.Submit(), a.requestTimeout, req, &res); err != nil {
		return "", fmt.Errorf("submit %s: %w", call.Method, err)
	}
	if res.RemoteHandle == "" {
		return "", NewError(CodeUnknown, "submission returned no handle")
	}
	return res.RemoteHandle, nil
}

// AwaitConfirmation blocks until handle settles or timeout elapses
func (a *NATSAdapter) AwaitConfirmation(ctx context.Context, handle string, timeout time.Duration) (*Receipt, error) {
	var res Receipt
	req := ReceiptRequest{RemoteHandle: handle, TimeoutMs: timeout.Milliseconds()}
	if err := a.request(ctx, a.subjects.Receipt(), timeout+receiptGrace, req, &res); err != nil {
		return nil, fmt.Errorf("await %s: %w", handle, err)
	}
	if res.RemoteHandle == "" {
		res.RemoteHandle = handle
	}
	return &res, nil
}

// ResolveOrigin looks up the account that submitted handle
func (a *NATSAdapter) ResolveOrigin(ctx context.Context, handle string) (string, error) {
	var res OriginResult
	if err := a.request(ctx, a.subjects.Origin(), a.requestTimeout, OriginRequest{RemoteHandle: handle}, &res); err != nil {
		return "", fmt.Errorf("resolve origin of %s: %w", handle, err)
	}
	return res.Account, nil
}

// Subscribe registers handler for change events
func (a *NATSAdapter) Subscribe(ctx context.Context, handler EventHandler) (Subscription, error) {
	sub, err := a.nc.Subscribe(a.subjects.Events(), func(msg *nats.Msg) {
		var event models.RemoteEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal change event")
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", classifyTransport(err))
	}

	log.Info().Str("subject", a.subjects.Events()).Msg("Subscribed to change events")
	return sub, nil
}
