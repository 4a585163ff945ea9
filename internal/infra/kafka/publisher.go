// Package kafka publishes delivered investigation events to a Kafka topic
// so other services can follow investigations without polling.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// Publisher writes domain events as JSON messages keyed by account ID.
type Publisher struct {
	writer  *kgo.Writer
	timeout time.Duration
}

// NewPublisher creates a publisher for the comma-separated broker list.
func NewPublisher(brokersCSV, topic string) (*Publisher, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	w := &kgo.Writer{
		Addr:                   kgo.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kgo.LeastBytes{},
		RequiredAcks:           kgo.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, timeout: 3 * time.Second}, nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.writer.Close() }

// Publish sends ev. Keying by account keeps one account's events ordered.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	return p.publishJSON(ctx, ev.AccountID, ev)
}

func (p *Publisher) publishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
