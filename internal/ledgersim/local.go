package ledgersim

import (
	"context"
	"math/big"
	"time"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

// LocalAdapter is a remote.Adapter calling a Ledger in process
type LocalAdapter struct {
	ledger  *Ledger
	account string
}

// NewLocalAdapter returns an adapter acting for account
func NewLocalAdapter(ledger *Ledger, account string) *LocalAdapter {
	return &LocalAdapter{ledger: ledger, account: account}
}

func (a *LocalAdapter) Account() string { return a.account }

func (a *LocalAdapter) ReadFields(ctx context.Context, fields ...remote.Field) (remote.FieldValues, error) {
	values := make(remote.FieldValues, len(fields))
	for _, f := range fields {
		v, err := a.ledger.Read(f)
		if err != nil {
			return nil, err
		}
		values[f] = v
	}
	return values, nil
}

func (a *LocalAdapter) ReadBalance(ctx context.Context, account string) (*big.Int, error) {
	return a.ledger.Balance(account), nil
}

func (a *LocalAdapter) EstimateBudget(ctx context.Context, call models.WriteCall, cost *big.Int) (uint64, error) {
	return a.ledger.Estimate(a.account, call, cost)
}

func (a *LocalAdapter) SubmitWrite(ctx context.Context, call models.WriteCall, cost *big.Int, budget uint64) (string, error) {
	return a.ledger.Submit(a.account, call, cost, budget)
}

func (a *LocalAdapter) AwaitConfirmation(ctx context.Context, handle string, timeout time.Duration) (*remote.Receipt, error) {
	return a.ledger.Await(ctx, handle, timeout)
}

func (a *LocalAdapter) ResolveOrigin(ctx context.Context, handle string) (string, error) {
	return a.ledger.Origin(handle)
}

func (a *LocalAdapter) Subscribe(ctx context.Context, handler remote.EventHandler) (remote.Subscription, error) {
	a.ledger.SetEventSink(EventSink(handler))
	return localSubscription{ledger: a.ledger}, nil
}

type localSubscription struct {
	ledger *Ledger
}

func (s localSubscription) Unsubscribe() error {
	s.ledger.SetEventSink(nil)
	return nil
}
