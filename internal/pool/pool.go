package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/metrics"
)

// Processor handles one change message. It returns isDuplicate=true when the
// message was already processed.
type Processor interface {
	Execute(ctx context.Context, msg *domain.ChangeMessage) (isDuplicate bool, err error)
}

// WorkerPool manages a fixed-size pool of goroutines that import change messages.
type WorkerPool struct {
	size       int
	deliveries <-chan *domain.Delivery
	processor  Processor
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewWorkerPool creates a new fixed-size worker pool.
func NewWorkerPool(size int, deliveries <-chan *domain.Delivery, processor Processor, logger *zap.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:       size,
		deliveries: deliveries,
		processor:  processor,
		logger:     logger,
	}
}

// Start launches all worker goroutines. Call Stop to wait for them to finish.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("pool_size", p.size))

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop waits for all workers to finish their current message and exit.
func (p *WorkerPool) Stop() {
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Worker shutting down", zap.Int("worker_id", id))
			return
		case d, ok := <-p.deliveries:
			if !ok {
				p.logger.Debug("Delivery channel closed", zap.Int("worker_id", id))
				return
			}
			p.handle(ctx, id, d)
		}
	}
}

// handle settles every delivery exactly once. Duplicates and successes are
// acked; retryable failures and shutdown interruptions are requeued; anything
// else is rejected to the dead-letter queue.
func (p *WorkerPool) handle(ctx context.Context, id int, d *domain.Delivery) {
	msg := d.Message
	log := p.logger.With(
		zap.Int("worker_id", id),
		zap.String("message_id", msg.MessageID.String()),
		zap.String("identifier", msg.Identifier),
	)

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	isDuplicate, err := p.process(ctx, msg)
	switch {
	case err == nil && isDuplicate:
		log.Debug("Duplicate message skipped")
		p.ack(d, log)
	case err == nil:
		p.ack(d, log)
	case domain.KindOf(err) == domain.KindCancelled || domain.IsRetryable(err):
		log.Warn("Import interrupted, requeueing", zap.String("kind", domain.KindOf(err).String()), zap.Error(err))
		p.nack(d, true, log)
	default:
		// Requeuing a deterministic failure would loop forever.
		log.Error("Import failed, dead-lettering", zap.String("kind", domain.KindOf(err).String()), zap.Error(err))
		p.nack(d, false, log)
	}
}

func (p *WorkerPool) process(ctx context.Context, msg *domain.ChangeMessage) (isDuplicate bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panic recovered",
				zap.String("message_id", msg.MessageID.String()),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.processor.Execute(ctx, msg)
}

func (p *WorkerPool) ack(d *domain.Delivery, log *zap.Logger) {
	if err := d.Ack(); err != nil {
		log.Error("Failed to ACK message", zap.Error(err))
	}
}

func (p *WorkerPool) nack(d *domain.Delivery, requeue bool, log *zap.Logger) {
	if err := d.Nack(requeue); err != nil {
		log.Error("Failed to NACK message", zap.Bool("requeue", requeue), zap.Error(err))
	}
}
