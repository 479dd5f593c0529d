package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Notifier is the higher-urgency path escalated alerts are pushed to
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
	Close() error
}

// KafkaNotifier publishes escalated alerts to a Kafka topic
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to the given topic
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// Notify publishes the alert as a JSON message keyed by rule id
func (kn *KafkaNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return kn.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.RuleID),
		Value: payload,
		Time:  time.Now(),
	})
}

// Close flushes and closes the writer
func (kn *KafkaNotifier) Close() error {
	return kn.writer.Close()
}

// LogNotifier is the fallback path when no brokers are configured
type LogNotifier struct{}

// Notify logs the escalation at error level
func (LogNotifier) Notify(ctx context.Context, alert Alert) error {
	log.WithFields(log.Fields{
		"rule":     alert.RuleID,
		"severity": string(alert.Severity),
		"age":      time.Since(alert.Timestamp).Round(time.Second).String(),
	}).Errorf("ESCALATED ALERT: %s", alert.Message)
	return nil
}

// Close is a no-op
func (LogNotifier) Close() error { return nil }
