package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/pkg/concurrency"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultWorkers          = 4
	DefaultOperationTimeout = 2 * time.Minute
)

type Machine interface {
	GetInProgressProvisions(ctx context.Context) ([]service.ProvisionSummary, error)
	Run(ctx context.Context, op service.Operation, id uuid.UUID, activatedBy string) (*model.Subscription, error)
	RequeueDataDeletion(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
}

// Publisher hands jobs to remote workers. When it is nil the scheduler runs
// jobs in process.
type Publisher interface {
	Produce(ctx context.Context, subject string, payload []byte, msgID string) error
}

type Option func(*Scheduler)

func WithPublisher(p Publisher, subject string) Option {
	return func(s *Scheduler) {
		s.publisher = p
		s.subject = subject
	}
}

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithOperationTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.operationTimeout = d
		}
	}
}

// WithRateLimit caps operations per second across all workers.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Scheduler) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Scheduler polls the in-progress provisions and drives each one a step
// further on every trigger.
type Scheduler struct {
	logger  *zap.Logger
	machine Machine

	publisher Publisher
	subject   string

	limiter          *rate.Limiter
	workers          int
	operationTimeout time.Duration
}

func New(logger *zap.Logger, machine Machine, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:           logger.Named("scheduler"),
		machine:          machine,
		limiter:          rate.NewLimiter(rate.Inf, 0),
		workers:          DefaultWorkers,
		operationTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts a cycle right away and then one per trigger until ctx is done
// or trigger is closed.
func (s *Scheduler) Run(ctx context.Context, trigger <-chan time.Time) error {
	s.logger.Info("scheduling provisions")

	for {
		if err := s.Cycle(ctx); err != nil {
			s.logger.Error("failed to run provisioning cycle", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-trigger:
			if !ok {
				return nil
			}
		}
	}
}

// Cycle dispatches one job for every subscription that needs attention.
func (s *Scheduler) Cycle(ctx context.Context) error {
	provisions, err := s.machine.GetInProgressProvisions(ctx)
	if err != nil {
		CyclesCount.WithLabelValues("failure").Inc()
		return fmt.Errorf("get in progress provisions: %w", err)
	}

	var jobs []Job
	for _, p := range provisions {
		job, ok := JobFor(p)
		if !ok {
			s.logger.Debug("nothing to run",
				zap.String("subscription_id", p.SubscriptionID.String()),
				zap.String("provisioning_status", string(p.ProvisioningStatus)))
			continue
		}
		jobs = append(jobs, job)
	}

	if s.publisher != nil {
		err = s.publish(ctx, jobs)
	} else {
		s.runInProcess(ctx, jobs)
	}
	if err != nil {
		CyclesCount.WithLabelValues("failure").Inc()
		return err
	}
	CyclesCount.WithLabelValues("successful").Inc()
	s.logger.Info("provisioning cycle done", zap.Int("jobs", len(jobs)))
	return nil
}

func (s *Scheduler) publish(ctx context.Context, jobs []Job) error {
	var errs []error
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.publisher.Produce(ctx, s.subject, payload, job.MsgID()); err != nil {
			s.logger.Error("failed to publish provisioning job",
				zap.String("subscription_id", job.SubscriptionID.String()),
				zap.String("operation", job.Operation),
				zap.Error(err))
			JobsCount.WithLabelValues(job.Operation, "publish_failure").Inc()
			errs = append(errs, err)
			continue
		}
		JobsCount.WithLabelValues(job.Operation, "published").Inc()
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runInProcess(ctx context.Context, jobs []Job) {
	pool := concurrency.NewWorkPool(s.workers)
	for _, job := range jobs {
		job := job
		pool.AddJob(job.SubscriptionID.String(), func(ctx context.Context) (interface{}, error) {
			return nil, s.Execute(ctx, job)
		})
	}

	for _, res := range pool.Run(ctx) {
		if res.Error != nil {
			s.logger.Warn("provisioning job failed",
				zap.String("subscription_id", res.Key),
				zap.Error(res.Error))
		}
	}
}

// Execute runs a single job against the state machine.
func (s *Scheduler) Execute(ctx context.Context, job Job) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	var (
		sub *model.Subscription
		err error
	)
	if job.Operation == service.OperationRequeueDataDeletion {
		sub, err = s.machine.RequeueDataDeletion(ctx, job.SubscriptionID)
	} else {
		var op service.Operation
		op, err = service.ParseOperation(job.Operation)
		if err != nil {
			JobsCount.WithLabelValues(job.Operation, "invalid").Inc()
			return err
		}
		sub, err = s.machine.Run(ctx, op, job.SubscriptionID, "")
	}

	switch {
	case err == nil:
		JobsCount.WithLabelValues(job.Operation, "successful").Inc()
		s.logger.Debug("provisioning job done",
			zap.String("subscription_id", job.SubscriptionID.String()),
			zap.String("operation", job.Operation),
			zap.String("provisioning_status", string(sub.ProvisioningStatus)))
		return nil
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrConcurrentUpdate):
		// the subscription moved on since the job was created
		JobsCount.WithLabelValues(job.Operation, "stale").Inc()
		return nil
	default:
		JobsCount.WithLabelValues(job.Operation, "failure").Inc()
		return err
	}
}
