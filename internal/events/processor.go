package events

import (
	"context"
	"errors"
	"time"

	"auction/internal/db"
	"auction/internal/models"
	"auction/internal/store"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type OutboxRepository interface {
	ClaimPending(ctx context.Context, tx store.Selecter, limit int) ([]models.OutboxMessage, error)
	MarkSent(ctx context.Context, tx store.Execer, ids []string) error
	RecordFailure(ctx context.Context, tx store.Execer, id string) error
}

// Processor relays outbox rows to the producer. Delivery is at least once:
// a crash between producing and committing resends the batch.
type Processor struct {
	txRunner db.TxRunner
	outbox   OutboxRepository
	producer Producer
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewProcessor(txRunner db.TxRunner, outbox OutboxRepository, producer Producer, interval time.Duration, batch int, logger *zap.Logger) *Processor {
	if batch <= 0 {
		batch = 50
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Processor{
		txRunner: txRunner,
		outbox:   outbox,
		producer: producer,
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("outbox processor started", zap.Duration("interval", p.interval), zap.Int("batch", p.batch))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox processor stopped")
			return nil
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch and reports how many messages were sent.
// Messages that fail to publish stay pending with their attempt count raised.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	var sent int
	err := p.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		sent = 0
		messages, err := p.outbox.ClaimPending(ctx, tx, p.batch)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		ids := make([]string, 0, len(messages))
		for _, msg := range messages {
			headers := map[string]string{"event_type": msg.EventType, "message_id": msg.ID}
			if err := p.producer.Produce(ctx, msg.Topic, msg.Key, msg.Payload, headers); err != nil {
				p.logger.Warn("outbox message not published",
					zap.String("message_id", msg.ID),
					zap.String("topic", msg.Topic),
					zap.Error(err),
				)
				if err := p.outbox.RecordFailure(ctx, tx, msg.ID); err != nil {
					return err
				}
				// Later messages for the same key must not overtake this one.
				break
			}
			ids = append(ids, msg.ID)
		}
		if err := p.outbox.MarkSent(ctx, tx, ids); err != nil {
			return err
		}
		sent = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent > 0 {
		p.logger.Debug("outbox messages published", zap.Int("count", sent))
	}
	return sent, nil
}
