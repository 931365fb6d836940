package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// MaxAnnotationLength bounds the free-text note attached to a request
const MaxAnnotationLength = 100

// RequestKind enumerates the user intents the remote accepts
type RequestKind string

const (
	KindPowerOn    RequestKind = "power-on"
	KindPowerOff   RequestKind = "power-off"
	KindTempUp     RequestKind = "temp-up"
	KindTempDown   RequestKind = "temp-down"
	KindModeToggle RequestKind = "mode-toggle"
	KindFanCycle   RequestKind = "fan-cycle"
)

// AllRequestKinds lists every supported kind
var AllRequestKinds = []RequestKind{
	KindPowerOn, KindPowerOff, KindTempUp, KindTempDown, KindModeToggle, KindFanCycle,
}

// ParseRequestKind validates a kind received from a caller
func ParseRequestKind(s string) (RequestKind, error) {
	for _, k := range AllRequestKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown request kind: %q", s)
}

// Description is the short human label used in log messages
func (k RequestKind) Description() string {
	switch k {
	case KindPowerOn:
		return "turn unit on"
	case KindPowerOff:
		return "turn unit off"
	case KindTempUp:
		return "temperature +1"
	case KindTempDown:
		return "temperature -1"
	case KindModeToggle:
		return "change mode"
	case KindFanCycle:
		return "change fan speed"
	}
	return string(k)
}

// DefaultAnnotation is sent when the user leaves the note empty
func (k RequestKind) DefaultAnnotation() string {
	switch k {
	case KindPowerOn:
		return "power on"
	case KindPowerOff:
		return "power off"
	case KindTempUp:
		return "temperature up"
	case KindTempDown:
		return "temperature down"
	case KindModeToggle:
		return "mode change"
	case KindFanCycle:
		return "fan change"
	}
	return ""
}

// RequestStatus is the lifecycle position of a PendingRequest
type RequestStatus string

const (
	RequestSubmitted RequestStatus = "submitted"
	RequestConfirmed RequestStatus = "confirmed"
	RequestFailed    RequestStatus = "failed"
	RequestTimedOut  RequestStatus = "timed-out"
)

// Terminal reports whether the status ends the request lifecycle
func (s RequestStatus) Terminal() bool {
	return s == RequestConfirmed || s == RequestFailed || s == RequestTimedOut
}

// PendingRequest is a write submitted to the remote and not yet settled
type PendingRequest struct {
	ID           uuid.UUID     `json:"id"`
	Kind         RequestKind   `json:"kind"`
	Status       RequestStatus `json:"status"`
	SubmittedAt  time.Time     `json:"submittedAt"`
	CostEstimate *big.Int      `json:"costEstimate"`
	Budget       uint64        `json:"budget"`
	RemoteHandle string        `json:"remoteHandle"`
	Annotation   string        `json:"annotation,omitempty"`
}

// WriteCall is the ledger method invocation a request kind maps to
type WriteCall struct {
	Method     string `json:"method"`
	Value      int    `json:"value"`
	Annotation string `json:"annotation"`
}

// Ledger method names
const (
	MethodChangeStatus = "changeAirconStatus"
	MethodChangeTemp   = "changeAirconTemp"
	MethodChangeMode   = "changeAirconMod"
	MethodChangePower  = "changePower"
)

// Temperature direction arguments of MethodChangeTemp
const (
	TempDirectionUp   = 0
	TempDirectionDown = 1
)
