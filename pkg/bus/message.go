package bus

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Agent names. The set is fixed; every message is addressed to exactly one.
const (
	AgentBacktester   = "backtester"
	AgentPaperTrader  = "paper_trader"
	AgentValidator    = "validator"
	AgentOrchestrator = "orchestrator"
)

// Agents lists every valid agent name.
var Agents = []string{AgentBacktester, AgentPaperTrader, AgentValidator, AgentOrchestrator}

// Message types. Commands flow from the orchestrator to an agent, results flow back.
const (
	TypeBacktestCommand   = "backtest_command"
	TypeValidateCommand   = "validate_command"
	TypePaperTradeCommand = "paper_trade_command"
	TypeCancel            = "cancel"
	TypeBacktestResult    = "backtest_result"
	TypeValidationResult  = "validation_result"
	TypePaperTradeResult  = "paper_trade_result"
)

// Message is one immutable record on the bus.
// Seq and Timestamp are assigned by the bus when the message is published.
type Message struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	From      string          `json:"from_agent"`
	To        string          `json:"to_agent"`
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Ack confirms that a message was durably written.
type Ack struct {
	ID        string
	Seq       int64
	Timestamp int64
}

// NewMessage builds an unpublished message with a fresh ID and a JSON payload.
func NewMessage(from, to, msgType, runID string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}

	return &Message{
		ID:      uuid.New().String(),
		From:    from,
		To:      to,
		Type:    msgType,
		RunID:   runID,
		Payload: raw,
	}, nil
}

// Validate checks the fields the bus relies on.
func (m *Message) Validate() error {
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("invalid message ID: %w", err)
	}
	if !IsAgent(m.From) {
		return fmt.Errorf("unknown from_agent: %q", m.From)
	}
	if !IsAgent(m.To) {
		return fmt.Errorf("unknown to_agent: %q", m.To)
	}
	if m.From == m.To {
		return fmt.Errorf("message cannot be addressed to its sender (%s)", m.From)
	}
	if m.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if m.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has an empty payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// IsAgent reports whether name is one of the known agents.
func IsAgent(name string) bool {
	for _, a := range Agents {
		if a == name {
			return true
		}
	}
	return false
}
