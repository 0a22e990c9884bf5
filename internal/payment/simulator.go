package payment

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

// Test card numbers understood by the simulator.
const (
	CardDeclined          = "4000000000000002"
	CardInsufficientFunds = "4000000000009995"
	CardProcessingError   = "4000000000000119"
)

// ErrProcessorUnreachable is the transport failure the simulator reports for CardProcessingError.
var ErrProcessorUnreachable = errors.New("settlement processor unreachable")

// SimulatedSettler settles card charges immediately and PIX charges through
// a pending step, like an instant payment confirmed on the next poll.
type SimulatedSettler struct {
	mu      sync.Mutex
	pending map[string]int // reference -> polls until approved
	polls   int
}

// NewSimulatedSettler creates a settler whose PIX charges approve after pixPolls confirmations.
func NewSimulatedSettler(pixPolls int) *SimulatedSettler {
	return &SimulatedSettler{pending: make(map[string]int), polls: pixPolls}
}

// Settle implements Settler.
func (s *SimulatedSettler) Settle(_ context.Context, req SettlementRequest) (*Settlement, error) {
	switch req.Method {
	case domain.PaymentMethodCard:
		ref := "sim_card_" + uuid.NewString()
		switch req.Card.Number {
		case CardDeclined:
			return &Settlement{Status: SettlementDeclined, Reference: ref, Reason: "card declined"}, nil
		case CardInsufficientFunds:
			return &Settlement{Status: SettlementDeclined, Reference: ref, Reason: "insufficient funds"}, nil
		case CardProcessingError:
			return nil, ErrProcessorUnreachable
		}
		return &Settlement{Status: SettlementApproved, Reference: ref}, nil
	case domain.PaymentMethodPix:
		ref := "sim_pix_" + uuid.NewString()
		s.mu.Lock()
		s.pending[ref] = s.polls
		s.mu.Unlock()
		return &Settlement{Status: SettlementPending, Reference: ref}, nil
	}
	return &Settlement{Status: SettlementDeclined, Reason: "unsupported method"}, nil
}

// Confirm implements Settler.
func (s *SimulatedSettler) Confirm(_ context.Context, reference string) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	left, ok := s.pending[reference]
	if !ok {
		if strings.HasPrefix(reference, "sim_") {
			return &Settlement{Status: SettlementApproved, Reference: reference}, nil
		}
		return &Settlement{Status: SettlementDeclined, Reference: reference, Reason: "unknown settlement"}, nil
	}
	if left > 1 {
		s.pending[reference] = left - 1
		return &Settlement{Status: SettlementPending, Reference: reference}, nil
	}
	delete(s.pending, reference)
	return &Settlement{Status: SettlementApproved, Reference: reference}, nil
}

// SimulatedHosted is a hosted provider kept in memory. Sessions stay open
// until Complete or Cancel is called.
type SimulatedHosted struct {
	mu       sync.Mutex
	baseURL  string
	sessions map[string]*domain.HostedSessionState
	err      error
}

// NewSimulatedHosted creates a simulated provider whose pay pages live under baseURL.
func NewSimulatedHosted(baseURL string) *SimulatedHosted {
	return &SimulatedHosted{baseURL: strings.TrimRight(baseURL, "/"), sessions: make(map[string]*domain.HostedSessionState)}
}

// CreateSession implements HostedProvider.
func (h *SimulatedHosted) CreateSession(_ context.Context, req domain.HostedSessionRequest) (*domain.HostedSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	h.sessions[req.SessionID] = &domain.HostedSessionState{Status: domain.SessionStatusOpen}
	ref := "sim_pref_" + uuid.NewString()
	return &domain.HostedSession{
		ProviderReference: ref,
		ClientSecret:      req.SessionID + "_secret_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		RedirectURL:       h.baseURL + "/simulated-checkout/" + req.SessionID,
	}, nil
}

// SessionState implements HostedProvider.
func (h *SimulatedHosted) SessionState(_ context.Context, session domain.PaymentSession) (*domain.HostedSessionState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	st, ok := h.sessions[session.SessionID]
	if !ok {
		return &domain.HostedSessionState{Status: domain.SessionStatusOpen}, nil
	}
	out := *st
	return &out, nil
}

// Complete marks a session paid by email.
func (h *SimulatedHosted) Complete(sessionID, email string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionID] = &domain.HostedSessionState{
		Status:           domain.SessionStatusComplete,
		CustomerEmail:    email,
		PaymentReference: "sim_hosted_" + uuid.NewString(),
	}
}

// Cancel marks a session abandoned.
func (h *SimulatedHosted) Cancel(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionID] = &domain.HostedSessionState{Status: domain.SessionStatusExpired}
}

// SetErr makes every call fail with err until called with nil.
func (h *SimulatedHosted) SetErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}
