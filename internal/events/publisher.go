package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"payment-switch/internal/logging"
	"payment-switch/internal/models"
)

// TransactionEvent announces a transaction reaching a terminal status.
type TransactionEvent struct {
	TxnID         string                   `json:"txn_id"`
	TransactionID string                   `json:"transaction_id"`
	Type          models.TransactionType   `json:"type"`
	Status        models.TransactionStatus `json:"status"`
	UserID        string                   `json:"user_id,omitempty"`
	Amount        float64                  `json:"amount"`
	Currency      string                   `json:"currency"`
	Reason        string                   `json:"reason,omitempty"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// FromTransaction builds the event for txn's current status.
func FromTransaction(txn models.Transaction, reason string) TransactionEvent {
	return TransactionEvent{
		TxnID:         txn.TxnID,
		TransactionID: txn.ID,
		Type:          txn.Type,
		Status:        txn.Status,
		UserID:        txn.UserID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt TransactionEvent) error
	Close() error
}

// KafkaPublisher writes events keyed by txn id so one transaction's events stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt TransactionEvent) error {
	msg, err := message(evt)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.TxnID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func message(evt TransactionEvent) (kafka.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(evt.TxnID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(evt.Status)},
		},
	}, nil
}

// LogPublisher is used when no brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.Resolve(logger).With(zap.String("module", "events"))}
}

func (p *LogPublisher) Publish(_ context.Context, evt TransactionEvent) error {
	p.logger.Info("transaction event",
		zap.String("event", "transaction_"+string(evt.Status)),
		zap.String("txn_id", evt.TxnID),
		zap.String("type", string(evt.Type)),
		zap.Float64("amount", evt.Amount),
		zap.String("currency", evt.Currency),
		zap.String("reason", evt.Reason),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
