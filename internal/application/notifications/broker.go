package notifications

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/messaging"

	"github.com/google/uuid"
)

// Publisher is satisfied by messaging.RabbitMQPublisher.
type Publisher interface {
	Publish(ctx context.Context, m messaging.Message) error
}

// BrokerSink publishes every completed operation on the ledger topic exchange.
type BrokerSink struct {
	Publisher Publisher
}

func (BrokerSink) Name() string { return "broker" }

// OperationMessage is the event body consumers receive.
type OperationMessage struct {
	OperationID uuid.UUID              `json:"operation_id"`
	Type        domain.OperationType   `json:"type"`
	Status      domain.OperationStatus `json:"status"`
	UserID      string                 `json:"user_id"`
	Result      json.RawMessage        `json:"result,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
}

// RoutingKey is ledger.operation.<type> in lower case, e.g. ledger.operation.vault_withdrawal.
func RoutingKey(t domain.OperationType) string {
	return "ledger.operation." + strings.ToLower(string(t))
}

func (s BrokerSink) Deliver(ctx context.Context, ev domain.OperationEvent) error {
	msg := OperationMessage{
		OperationID: ev.OperationID,
		Type:        ev.Type,
		Status:      ev.Status,
		UserID:      ev.UserID,
		CompletedAt: ev.CompletedAt,
	}
	if json.Valid(ev.Result) {
		msg.Result = ev.Result
	}
	return s.Publisher.Publish(ctx, messaging.Message{
		ID:         ev.OperationID.String(),
		RoutingKey: RoutingKey(ev.Type),
		Type:       string(ev.Type),
		Payload:    msg,
		Timestamp:  ev.CompletedAt,
	})
}
