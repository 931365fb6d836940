package ledgersim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

// maxReceiptWait caps the wait a single receipt request may ask for
const maxReceiptWait = 5 * time.Minute

// Server answers the client protocol for one contract over NATS
type Server struct {
	nc       *nats.Conn
	ledger   *Ledger
	subjects remote.Subjects
	subs     []*nats.Subscription
	wg       sync.WaitGroup
}

// NewServer creates a server for contract
func NewServer(nc *nats.Conn, ledger *Ledger, contract string) *Server {
	return &Server{
		nc:       nc,
		ledger:   ledger,
		subjects: remote.NewSubjects(contract),
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	handlers := []struct {
		subject string
		handle  nats.MsgHandler
	}{
		{s.subjects.ReadAll(), s.handleRead},
		{s.subjects.Balance(), s.handleBalance},
		{s.subjects.Estimate(), s.handleEstimate},
		{s.subjects.Submit(), s.handleSubmit},
		{s.subjects.Receipt(), func(msg *nats.Msg) {
			// waits may be long; do not hold up the subscription
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleReceipt(ctx, msg)
			}()
		}},
		{s.subjects.Origin(), s.handleOrigin},
	}

	for _, h := range handlers {
		sub, err := s.nc.Subscribe(h.subject, h.handle)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.ledger.SetEventSink(s.publishEvent)

	log.Info().
		Str("prefix", s.subjects.Prefix).
		Int("subscriptions", len(s.subs)).
		Msg("Ledger simulator started")

	<-ctx.Done()

	s.ledger.SetEventSink(nil)
	s.unsubscribe()
	s.wg.Wait()

	return ctx.Err()
}

func (s *Server) unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = s.subs[:0]
}

func (s *Server) handleRead(msg *nats.Msg) {
	field := remote.Field(msg.Subject[strings.LastIndex(msg.Subject, ".")+1:])
	value, err := s.ledger.Read(field)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respond(msg, remote.ReadResult{Value: value}, nil)
}

func (s *Server) handleBalance(msg *nats.Msg) {
	var req remote.BalanceRequest
	if !s.decode(msg, &req) {
		return
	}
	s.respond(msg, remote.BalanceResult{Balance: s.ledger.Balance(req.Account)}, nil)
}

func (s *Server) handleEstimate(msg *nats.Msg) {
	var req remote.EstimateRequest
	if !s.decode(msg, &req) {
		return
	}
	budget, err := s.ledger.Estimate(req.Account, req.Call, req.Value)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respond(msg, remote.EstimateResult{Budget: budget}, nil)
}

func (s *Server) handleSubmit(msg *nats.Msg) {
	var req remote.SubmitRequest
	if !s.decode(msg, &req) {
		return
	}
	handle, err := s.ledger.Submit(req.Account, req.Call, req.Value, req.Budget)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respond(msg, remote.SubmitResult{RemoteHandle: handle}, nil)
}

func (s *Server) handleReceipt(ctx context.Context, msg *nats.Msg) {
	var req remote.ReceiptRequest
	if !s.decode(msg, &req) {
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 || timeout > maxReceiptWait {
		timeout = maxReceiptWait
	}

	receipt, err := s.ledger.Await(ctx, req.RemoteHandle, timeout)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respond(msg, receipt, nil)
}

func (s *Server) handleOrigin(msg *nats.Msg) {
	var req remote.OriginRequest
	if !s.decode(msg, &req) {
		return
	}
	origin, err := s.ledger.Origin(req.RemoteHandle)
	if err != nil {
		s.respond(msg, nil, err)
		return
	}
	s.respond(msg, remote.OriginResult{Account: origin}, nil)
}

func (s *Server) publishEvent(event models.RemoteEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal change event")
		return
	}
	if err := s.nc.Publish(s.subjects.Events(), data); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to publish change event")
		return
	}
	log.Debug().Str("event_id", event.ID).Str("kind", string(event.Kind)).Msg("Change event published")
}

func (s *Server) decode(msg *nats.Msg, v interface{}) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.respond(msg, nil, remote.NewError(remote.CodeRejected, "malformed request: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) respond(msg *nats.Msg, result interface{}, err error) {
	var rerr *remote.Error
	if err != nil && !errors.As(err, &rerr) {
		rerr = remote.NewError(remote.CodeUnavailable, err.Error())
	}

	data, encErr := remote.EncodeReply(result, rerr)
	if encErr != nil {
		log.Error().Err(encErr).Str("subject", msg.Subject).Msg("Failed to encode reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to send reply")
	}
}
