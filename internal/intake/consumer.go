// Package intake feeds pipeline runs from a Kafka topic.
package intake

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/config"
	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/pipeline"
)

// Message outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"

	// OutcomeInterrupted marks a message whose run was cut short by
	// shutdown. It is left uncommitted so the group redelivers it.
	OutcomeInterrupted = "interrupted"
)

const tenantHeader = "tenant_id"

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.Result, error)
}

// Consumer decodes RunRequest messages and hands them to a Runner. Every
// message is committed once handled, including ones that fail, so a bad
// message never blocks the partition.
type Consumer struct {
	reader Reader
	runner Runner
}

// NewReader builds a consumer-group reader from config.
func NewReader(cfg config.KafkaConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, eris.New("intake: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, eris.New("intake: topic is required")
	}
	if cfg.GroupID == "" {
		return nil, eris.New("intake: group id is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	}), nil
}

// NewConsumer creates a Consumer.
func NewConsumer(reader Reader, runner Runner) *Consumer {
	return &Consumer{reader: reader, runner: runner}
}

// Run consumes until ctx is cancelled or the reader fails. Cancellation is
// not an error.
func (c *Consumer) Run(ctx context.Context) error {
	zap.L().Info("intake: consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				zap.L().Info("intake: consumer stopping")
				return nil
			}
			return eris.Wrap(err, "intake: fetch message")
		}

		outcome := c.handle(ctx, msg)
		if ctx.Err() != nil {
			metrics.IntakeMessages.WithLabelValues(OutcomeInterrupted).Inc()
			zap.L().Info("intake: consumer stopping, message left for redelivery",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}
		metrics.IntakeMessages.WithLabelValues(outcome).Inc()

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			return eris.Wrapf(err, "intake: commit offset %d", msg.Offset)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return eris.Wrap(c.reader.Close(), "intake: close reader")
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) string {
	log := zap.L().With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	req, err := Decode(msg)
	if err != nil {
		log.Warn("intake: undecodable message", zap.Error(err))
		return OutcomeInvalid
	}

	res, err := c.runner.Run(ctx, req)
	if err != nil {
		var reqErr *pipeline.RequestError
		if errors.As(err, &reqErr) {
			log.Warn("intake: invalid run request", zap.Strings("problems", reqErr.Problems))
			return OutcomeInvalid
		}
		log.Error("intake: run failed", zap.String("run_id", req.RunID), zap.Error(err))
		return OutcomeFailed
	}
	log.Info("intake: run finished",
		zap.String("tenant_id", res.TenantID),
		zap.String("run_id", res.RunID),
		zap.String("status", string(res.Status)),
	)
	return OutcomeProcessed
}

// Decode parses a message value as a RunRequest. A tenant_id header fills
// a missing tenant, and the message key fills a missing run id.
func Decode(msg kafka.Message) (pipeline.RunRequest, error) {
	var req pipeline.RunRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return req, eris.Wrap(err, "intake: decode run request")
	}
	if req.TenantID == "" {
		for _, h := range msg.Headers {
			if h.Key == tenantHeader {
				req.TenantID = string(h.Value)
			}
		}
	}
	if req.RunID == "" && len(msg.Key) > 0 {
		req.RunID = string(msg.Key)
	}
	return req, nil
}
