package session_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aircon-ledger/aircon-remote/internal/ledgersim"
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/orchestrator"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
	"github.com/aircon-ledger/aircon-remote/internal/session"
)

const (
	localAccount   = "0xAAAA000000000000000000000000000000000001"
	foreignAccount = "0xBBBB000000000000000000000000000000000002"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newLedger() *ledgersim.Ledger {
	one, _ := models.ParseAmount("1")
	return ledgersim.New(ledgersim.Options{
		Cost: big.NewInt(4),
		Balances: map[string]*big.Int{
			localAccount:   one,
			foreignAccount: one,
		},
	})
}

func options() session.Options {
	cfg := orchestrator.DefaultConfig()
	cfg.CostRetryDelay = 0
	cfg.ConfirmRetryDelay = 0
	cfg.ConfirmTimeout = time.Second
	cfg.RefreshDelay = 10 * time.Millisecond
	return session.Options{
		Orchestrator:  cfg,
		PollInterval:  time.Hour,
		ReadTimeout:   time.Second,
		LookupTimeout: time.Second,
	}
}

func messages(entries []models.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func externalEntries(entries []models.LogEntry) []models.LogEntry {
	var out []models.LogEntry
	for _, e := range entries {
		if e.Severity == models.SeverityExternal {
			out = append(out, e)
		}
	}
	return out
}

func TestSessionEndToEnd(t *testing.T) {
	ledger := newLedger()
	defer ledger.Close()

	sess := session.New(ledgersim.NewLocalAdapter(ledger, localAccount), options())

	var mu sync.Mutex
	var statuses []session.Status
	sess.OnStatus(func(s session.Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	require.NoError(t, sess.Start(context.Background()))
	defer sess.Close()

	assert.Equal(t, session.StatusConnected, sess.Status())
	require.Eventually(t, func() bool { return sess.Projection.Snapshot().Synced }, time.Second, 5*time.Millisecond)

	startup := messages(sess.Log.Entries())
	require.Len(t, startup, 2)
	assert.Equal(t, "balance: 1.0000", startup[0])
	assert.Equal(t, "account connected: 0xAAAA...0001", startup[1])

	// local write: applied once through the orchestrator, the echo is skipped
	outcome, err := sess.Orchestrator.Submit(context.Background(), models.KindPowerOn, "")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeConfirmed, outcome.Status)
	assert.True(t, ledger.State().Power)
	assert.True(t, sess.Projection.State().Power)

	// foreign write: arrives only as an event
	foreign := ledgersim.NewLocalAdapter(ledger, foreignAccount)
	_, err = foreign.SubmitWrite(context.Background(),
		models.WriteCall{Method: models.MethodChangeTemp, Value: models.TempDirectionUp, Annotation: "warmer please"},
		big.NewInt(4), 100_000)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(externalEntries(sess.Log.Entries())) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 26, sess.Projection.State().Temperature)

	ext := externalEntries(sess.Log.Entries())[0]
	assert.Equal(t, "warmer please", ext.Annotation)
	assert.True(t, strings.HasPrefix(ext.Message, "0xBBBB...0002"))
	assert.False(t, ext.IsSelfOriginated)

	// give a late echo of the local write the chance to show up
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, externalEntries(sess.Log.Entries()), 1)

	sess.Close()
	assert.Equal(t, session.StatusDisconnected, sess.Status())

	mu.Lock()
	assert.Equal(t, []session.Status{session.StatusConnected, session.StatusDisconnected}, statuses)
	mu.Unlock()
}

func TestSessionRejectsSecondStart(t *testing.T) {
	ledger := newLedger()
	defer ledger.Close()

	sess := session.New(ledgersim.NewLocalAdapter(ledger, localAccount), options())
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Close()

	assert.Error(t, sess.Start(context.Background()))
}

type noStreamAdapter struct {
	*ledgersim.LocalAdapter
}

func (noStreamAdapter) Subscribe(ctx context.Context, handler remote.EventHandler) (remote.Subscription, error) {
	return nil, errors.New("event stream unavailable")
}

func TestSessionDegradesWithoutEventStream(t *testing.T) {
	ledger := newLedger()
	defer ledger.Close()

	sess := session.New(noStreamAdapter{ledgersim.NewLocalAdapter(ledger, localAccount)}, options())
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Close()

	assert.Equal(t, session.StatusDegraded, sess.Status())
	assert.Contains(t, messages(sess.Log.Entries()), "live updates unavailable, polling only")

	// polling still tracks the ledger
	require.Eventually(t, func() bool { return sess.Projection.Snapshot().Synced }, time.Second, 5*time.Millisecond)

	sess.Reconnected()
	assert.Equal(t, session.StatusDegraded, sess.Status())
}

func TestSessionReconnectReadsState(t *testing.T) {
	ledger := newLedger()
	defer ledger.Close()

	sess := session.New(ledgersim.NewLocalAdapter(ledger, localAccount), options())
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Close()
	require.Eventually(t, func() bool { return sess.Projection.Snapshot().Synced }, time.Second, 5*time.Millisecond)

	sess.Disconnected()
	assert.Equal(t, session.StatusDisconnected, sess.Status())

	// a change made while the stream was down, with no event delivered
	sess.Reconciler.Stop()
	foreign := ledgersim.NewLocalAdapter(ledger, foreignAccount)
	_, err := foreign.SubmitWrite(context.Background(),
		models.WriteCall{Method: models.MethodChangeStatus, Value: 1}, big.NewInt(4), 100_000)
	require.NoError(t, err)

	sess.Reconnected()
	require.Eventually(t, func() bool { return sess.Projection.State().Power }, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StatusDegraded, sess.Status())
}
