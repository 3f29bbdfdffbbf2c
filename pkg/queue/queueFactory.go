package queue

import (
	"context"
	"fmt"

	"github.com/coopernetes/github-event-router/pkg/config"
)

func NewQueue(ctx context.Context, cfg *config.QueueSettings) (Queue, error) {
	switch cfg.Kind {
	case "memory":
		return NewMemoryQueue(cfg.VisibilityTimeout, cfg.MaxRetries), nil
	case "rabbitmq":
		return NewRabbitMqQueue(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported queue kind: %s", cfg.Kind)
	}
}
