package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

// Field names a readable ledger field
type Field string

const (
	FieldPower       Field = "airconStatus"
	FieldTemperature Field = "airconTemp"
	FieldFanLevel    Field = "airconPower"
	FieldMode        Field = "airconMod"
	FieldCost        Field = "airconCost"
)

// StateFields are the fields making up a full device read
var StateFields = []Field{FieldPower, FieldTemperature, FieldFanLevel, FieldMode}

// ReceiptStatus is the settled outcome of a write
type ReceiptStatus string

const (
	ReceiptAccepted ReceiptStatus = "accepted"
	ReceiptReverted ReceiptStatus = "reverted"
)

// Receipt is returned once a write has been included by the ledger
type Receipt struct {
	RemoteHandle string        `json:"remoteHandle"`
	Status       ReceiptStatus `json:"status"`
	Block        uint64        `json:"block"`
}

// EventHandler receives change events. It must not block for long.
type EventHandler func(event models.RemoteEvent)

// Subscription is a live event stream registration
type Subscription interface {
	Unsubscribe() error
}

// Adapter is the client's view of the remote ledger service. Writes and
// balance checks are performed on behalf of Account().
type Adapter interface {
	Account() string

	ReadFields(ctx context.Context, fields ...Field) (FieldValues, error)
	ReadBalance(ctx context.Context, account string) (*big.Int, error)

	EstimateBudget(ctx context.Context, call models.WriteCall, cost *big.Int) (uint64, error)
	SubmitWrite(ctx context.Context, call models.WriteCall, cost *big.Int, budget uint64) (string, error)
	AwaitConfirmation(ctx context.Context, handle string, timeout time.Duration) (*Receipt, error)
	ResolveOrigin(ctx context.Context, handle string) (string, error)

	Subscribe(ctx context.Context, handler EventHandler) (Subscription, error)
}

// FieldValues holds raw JSON values keyed by field
type FieldValues map[Field]json.RawMessage

// Int decodes an integer field
func (v FieldValues) Int(f Field) (int, error) {
	raw, ok := v[f]
	if !ok {
		return 0, fmt.Errorf("field %s: %w", f, ErrMissingField)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("field %s: %w", f, err)
	}
	return n, nil
}

// BigInt decodes an amount field
func (v FieldValues) BigInt(f Field) (*big.Int, error) {
	raw, ok := v[f]
	if !ok {
		return nil, fmt.Errorf("field %s: %w", f, ErrMissingField)
	}
	n := new(big.Int)
	if err := n.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("field %s: %w", f, err)
	}
	return n, nil
}

// ErrMissingField is returned when a batched read lacks a requested field
var ErrMissingField = errors.New("missing field")

// DecodeState converts the raw ledger fields into a DeviceState
func DecodeState(v FieldValues) (models.DeviceState, error) {
	var s models.DeviceState

	status, err := v.Int(FieldPower)
	if err != nil {
		return s, err
	}
	temp, err := v.Int(FieldTemperature)
	if err != nil {
		return s, err
	}
	fan, err := v.Int(FieldFanLevel)
	if err != nil {
		return s, err
	}
	mode, err := v.Int(FieldMode)
	if err != nil {
		return s, err
	}

	s.Power = status == 1
	s.Temperature = temp
	if s.FanLevel, err = models.FanLevelFromIndex(fan); err != nil {
		return s, err
	}
	if s.Mode, err = models.ModeFromIndex(mode); err != nil {
		return s, err
	}
	return s, nil
}

// ReadState performs a batched read of the full device state
func ReadState(ctx context.Context, a Adapter) (models.DeviceState, error) {
	values, err := a.ReadFields(ctx, StateFields...)
	if err != nil {
		return models.DeviceState{}, fmt.Errorf("read state: %w", err)
	}
	return DecodeState(values)
}
