package remote

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

// Subjects derives the NATS subjects served for one contract
type Subjects struct {
	Prefix string
}

// NewSubjects returns the subject set for a contract address
func NewSubjects(contract string) Subjects {
	return Subjects{Prefix: "aircon." + contract}
}

func (s Subjects) Read(f Field) string { return fmt.Sprintf("%s.read.%s", s.Prefix, f) }
func (s Subjects) ReadAll() string     { return s.Prefix + ".read.*" }
func (s Subjects) Balance() string     { return s.Prefix + ".balance" }
func (s Subjects) Estimate() string    { return s.Prefix + ".estimate" }
func (s Subjects) Submit() string      { return s.Prefix + ".submit" }
func (s Subjects) Receipt() string     { return s.Prefix + ".receipt" }
func (s Subjects) Origin() string      { return s.Prefix + ".origin" }
func (s Subjects) Events() string      { return s.Prefix + ".events" }

// Reply is the envelope of every request/reply exchange
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// ReadResult carries one field value
type ReadResult struct {
	Value json.RawMessage `json:"value"`
}

// BalanceRequest asks for an account balance
type BalanceRequest struct {
	Account string `json:"account"`
}

// BalanceResult carries an account balance
type BalanceResult struct {
	Balance *big.Int `json:"balance"`
}

// EstimateRequest asks for the execution budget of a write
type EstimateRequest struct {
	Account string           `json:"account"`
	Call    models.WriteCall `json:"call"`
	Value   *big.Int         `json:"value"`
}

// EstimateResult carries the estimated budget
type EstimateResult struct {
	Budget uint64 `json:"budget"`
}

// SubmitRequest issues a write
type SubmitRequest struct {
	Account string           `json:"account"`
	Call    models.WriteCall `json:"call"`
	Value   *big.Int         `json:"value"`
	Budget  uint64           `json:"budget"`
}

// SubmitResult carries the handle of an accepted submission
type SubmitResult struct {
	RemoteHandle string `json:"remoteHandle"`
}

// ReceiptRequest waits for a write to settle
type ReceiptRequest struct {
	RemoteHandle string `json:"remoteHandle"`
	TimeoutMs    int64  `json:"timeoutMs"`
}

// OriginRequest asks who submitted a write
type OriginRequest struct {
	RemoteHandle string `json:"remoteHandle"`
}

// OriginResult names the submitting account
type OriginResult struct {
	Account string `json:"account"`
}

// EncodeReply builds a reply payload from a result or an error
func EncodeReply(result interface{}, rerr *Error) ([]byte, error) {
	reply := Reply{Error: rerr}
	if rerr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		reply.Result = data
	}
	return json.Marshal(reply)
}

// DecodeReply unpacks a reply payload into out, surfacing a remote error
func DecodeReply(data []byte, out interface{}) error {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return NewError(CodeUnknown, fmt.Sprintf("malformed reply: %v", err))
	}
	if reply.Error != nil {
		return reply.Error
	}
	if out == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return NewError(CodeUnknown, fmt.Sprintf("malformed result: %v", err))
	}
	return nil
}
