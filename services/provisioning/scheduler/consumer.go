package scheduler

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type Queue interface {
	Consume(ctx context.Context, stream, consumer, subject string, maxAckPending int, handler func(jetstream.Msg)) (jetstream.ConsumeContext, error)
}

// RunConsumer executes jobs published by the scheduler until ctx is done.
func (s *Scheduler) RunConsumer(ctx context.Context, queue Queue, stream, consumer, subject string) error {
	cc, err := queue.Consume(ctx, stream, consumer, subject, s.workers, func(msg jetstream.Msg) {
		if s.handle(ctx, msg.Data()) {
			if err := msg.Ack(); err != nil {
				s.logger.Error("failed committing message", zap.Error(err))
			}
			return
		}
		if err := msg.Nak(); err != nil {
			s.logger.Error("failed to nak message", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

// handle reports whether the message is done with. Only jobs interrupted by
// shutdown are redelivered; failed operations already persisted their
// outcome and are picked up by the next cycle.
func (s *Scheduler) handle(ctx context.Context, data []byte) bool {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		s.logger.Error("failed to unmarshal provisioning job", zap.Error(err))
		return true
	}

	s.logger.Info("processing provisioning job",
		zap.String("subscription_id", job.SubscriptionID.String()),
		zap.String("operation", job.Operation))
	if err := s.Execute(ctx, job); err != nil {
		s.logger.Warn("provisioning job failed",
			zap.String("subscription_id", job.SubscriptionID.String()),
			zap.String("operation", job.Operation),
			zap.Error(err))
		if ctx.Err() != nil {
			return false
		}
	}
	return true
}
