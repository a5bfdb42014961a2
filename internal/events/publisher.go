// Package events publishes campaign lifecycle events to Kafka for
// downstream consumers (notifications, analytics). Publishing is
// best-effort: a broker outage is logged and never blocks or fails the
// send loop.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/outboundly/campaigngw/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration // default 3s
}

type Publisher struct {
	w       *kafka.Writer
	timeout time.Duration
	log     *zap.Logger
}

func NewPublisher(cfg Config, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // events of one campaign stay ordered
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &Publisher{w: w, timeout: timeout, log: log}
}

func (p *Publisher) Publish(ctx context.Context, ev model.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("marshal campaign event", zap.Error(err))
		return
	}

	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.w.WriteMessages(wctx, kafka.Message{
		Key:   []byte(ev.CampaignID),
		Value: b,
	})
	if err != nil {
		p.log.Warn("publish campaign event",
			zap.String("campaign_id", ev.CampaignID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (p *Publisher) Close() error { return p.w.Close() }
