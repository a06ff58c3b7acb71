// Package ingest publishes best-effort event streams to kafka: the driver
// presence firehose consumed by the locator mirror, and order status
// events consumed by reporting.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/courier-dispatch/internal/models"
)

type Producer struct {
	presence *kafka.Writer
	orders   *kafka.Writer
}

func NewProducer(brokers []string, presenceTopic, orderTopic string) *Producer {
	return &Producer{
		presence: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: presenceTopic, Balancer: &kafka.LeastBytes{}}),
		orders:   kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: orderTopic, Balancer: &kafka.LeastBytes{}}),
	}
}

func (p *Producer) PublishPresence(ev models.PresenceEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return p.presence.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b})
}

func (p *Producer) PublishOrderEvent(ev models.OrderEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return p.orders.WriteMessages(ctx, kafka.Message{Key: []byte(ev.OrderID), Value: b})
}

func (p *Producer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{p.presence, p.orders} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
