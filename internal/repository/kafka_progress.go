package repository

import (
	"context"
	"time"

	"TWPull/internal/domain/models"
	"TWPull/internal/domain/repository"
	applogger "TWPull/pkg/logger"
)

// eventPublisher is the subset of pkg/kafka.Producer used here.
type eventPublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
}

// KafkaProgressPublisher forwards progress events to a Kafka topic keyed by run id.
type KafkaProgressPublisher struct {
	producer eventPublisher
	topic    string
	timeout  time.Duration
	l        *applogger.Logger
}

var _ repository.ProgressObserver = (*KafkaProgressPublisher)(nil)

func NewKafkaProgressPublisher(producer eventPublisher, topic string, l *applogger.Logger) *KafkaProgressPublisher {
	return &KafkaProgressPublisher{producer: producer, topic: topic, timeout: 5 * time.Second, l: l}
}

// OnProgress publishes ev. A failed publish is logged and never stops the run.
func (p *KafkaProgressPublisher) OnProgress(ctx context.Context, ev models.ProgressEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.producer.Publish(ctx, p.topic, []byte(ev.RunID), ev); err != nil {
		p.l.Warn("progress event not published",
			applogger.String("topic", p.topic),
			applogger.String("kind", ev.Kind),
			applogger.String("run_id", ev.RunID),
			applogger.Error(err),
		)
	}
}
