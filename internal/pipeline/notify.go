package pipeline

import (
	"context"
	"time"

	"github.com/rummager/rummager/pkg/kafka"
)

// BuildComplete is announced after a successful run so the query engine can
// reload its artifacts.
type BuildComplete struct {
	RunID       string            `json:"run_id"`
	Stages      []string          `json:"stages"`
	OutputDir   string            `json:"output_dir"`
	Artifacts   map[string]string `json:"artifacts"`
	Counts      map[string]int64  `json:"counts"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Notifier announces finished builds.
type Notifier interface {
	Notify(ctx context.Context, event BuildComplete) error
}

// KafkaNotifier publishes BuildComplete events keyed by output directory.
type KafkaNotifier struct {
	producer *kafka.Producer
}

func NewKafkaNotifier(producer *kafka.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

func (n *KafkaNotifier) Notify(ctx context.Context, event BuildComplete) error {
	return n.producer.Publish(ctx, kafka.Event{Key: event.OutputDir, Value: event})
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
