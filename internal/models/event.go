package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LogEntry is one record of the activity log
type LogEntry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Seq       uint64    `json:"seq" db:"seq"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`

	Message  string   `json:"message" db:"message"`
	Severity Severity `json:"severity" db:"severity"`

	RemoteHandle     string `json:"remoteHandle,omitempty" db:"remote_handle"`
	Annotation       string `json:"annotation,omitempty" db:"annotation"`
	OriginAddress    string `json:"originAddress,omitempty" db:"origin_address"`
	IsSelfOriginated bool   `json:"isSelfOriginated" db:"is_self"`
}

// Severity classifies a log entry for display
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
	SeverityError    Severity = "error"
	SeverityPending  Severity = "pending"
	SeverityExternal Severity = "external"
)

// SameAccount compares two ledger accounts case-insensitively.
// Empty accounts never match.
func SameAccount(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// ShortAccount abbreviates an account for log messages (0x1234...abcd)
func ShortAccount(a string) string {
	if len(a) <= 10 {
		return a
	}
	return a[:6] + "..." + a[len(a)-4:]
}

// EventKind names the change events the ledger emits
type EventKind string

const (
	EventTemperatureChanged EventKind = "ChangedAirconTemp"
	EventPowerChanged       EventKind = "ChangeAirconStatus"
	EventModeChanged        EventKind = "ChangeAirconMod"
	EventFanLevelChanged    EventKind = "ChangeAirconPower"
)

// RemoteEvent is a change notification delivered by the event stream.
// Args follow the ledger's positional layout: args[0] is the new value,
// args[1] the optional annotation.
type RemoteEvent struct {
	ID            string            `json:"eventId"`
	Kind          EventKind         `json:"kind"`
	Args          []json.RawMessage `json:"args"`
	OriginAccount string            `json:"originAccount,omitempty"`
	RemoteHandle  string            `json:"remoteHandle,omitempty"`
	Block         uint64            `json:"block,omitempty"`
}
