// Package pipeline implements the staged, asynchronous document-processing
// pipeline (§4.5): four logical queues (extraction, chunking, embedding,
// indexing), one worker pool per queue, write-then-enqueue state
// transitions, bounded retry with exponential backoff, a lease-based
// reconciler for stalled documents, and an SSE status feed.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"manifold/internal/config"
	"manifold/internal/rag/model"
)

// Stage identifies which queue a Task belongs on. It mirrors
// model.ProcessingStage but only the stages that have their own queue —
// VALIDATION happens synchronously on upload admission, never queued.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageIndexing   Stage = "indexing"
)

func (s Stage) ProcessingStage() model.ProcessingStage {
	switch s {
	case StageExtraction:
		return model.StageExtraction
	case StageChunking:
		return model.StageChunking
	case StageEmbedding:
		return model.StageEmbedding
	case StageIndexing:
		return model.StageIndexing
	default:
		return model.StageValidation
	}
}

// Task is the only payload ever queued: a document identity plus the stage
// to resume at. The document's bytes and text live in the blob store and
// rag_documents row respectively — never on the wire.
type Task struct {
	DocumentID string `json:"document_id"`
	Stage      Stage  `json:"stage"`
}

// Queue is the minimum interface a queue backend must satisfy. Enqueue must
// not block indefinitely past the configured queue depth: callers (upload
// admission) are expected to treat a full queue as backpressure.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Receive blocks until a Task is available or ctx is cancelled. The
	// returned ack function must be called once the task is fully handled
	// (success or terminal failure) so at-least-once backends can commit.
	Receive(ctx context.Context) (Task, func(), error)
	Close() error
}

// NewQueue selects a queue backend per config.PipelineConfig.Backend,
// mirroring how internal/persistence/databases' factory switches backends
// by a config string.
func NewQueue(cfg config.PipelineConfig, topic string) (Queue, error) {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	switch cfg.Backend {
	case "kafka":
		return newKafkaQueue(cfg.KafkaBrokers, topic)
	default:
		return newMemoryQueue(depth), nil
	}
}

// memoryQueue is a bounded in-process channel queue, used for single-process
// runs and tests.
type memoryQueue struct {
	ch chan Task
}

func newMemoryQueue(depth int) *memoryQueue {
	return &memoryQueue{ch: make(chan Task, depth)}
}

// Enqueue blocks once the channel is full, giving producers (upload
// handlers) the backpressure signal §4.5 requires: a full queue stalls the
// caller until ctx's deadline, which the HTTP layer maps to a 429.
func (q *memoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Receive(ctx context.Context) (Task, func(), error) {
	select {
	case t := <-q.ch:
		return t, func() {}, nil
	case <-ctx.Done():
		return Task{}, nil, ctx.Err()
	}
}

func (q *memoryQueue) Close() error {
	close(q.ch)
	return nil
}

// kafkaQueue backs each logical queue with its own topic, partitioned by
// document id so a document's tasks always land on the same partition and
// therefore preserve per-document ordering across retries.
type kafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

func newKafkaQueue(brokers []string, topic string) (*kafkaQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("pipeline: kafka backend selected but no brokers configured")
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: "rag-pipeline-" + topic,
	})
	return &kafkaQueue{writer: w, reader: r}, nil
}

func (q *kafkaQueue) Enqueue(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(t.DocumentID), Value: data})
}

func (q *kafkaQueue) Receive(ctx context.Context) (Task, func(), error) {
	msg, err := q.reader.FetchMessage(ctx)
	if err != nil {
		return Task{}, nil, err
	}
	var t Task
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		return Task{}, nil, err
	}
	ack := func() { _ = q.reader.CommitMessages(context.Background(), msg) }
	return t, ack, nil
}

func (q *kafkaQueue) Close() error {
	_ = q.writer.Close()
	return q.reader.Close()
}
