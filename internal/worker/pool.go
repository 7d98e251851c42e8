// Package worker runs signal jobs from the queue on a bounded pool.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketbot/internal/execution"
	"marketbot/internal/signal"
	"marketbot/pkg/config"
)

const DefaultJobTimeout = 2 * time.Minute

// Handler executes one decoded job. *execution.Executor satisfies it.
type Handler interface {
	Execute(ctx context.Context, job signal.Job) (execution.Outcome, error)
}

// Pool runs at most size jobs at once. Jobs already running when the pool is
// stopped are allowed to finish, so a submission in flight is never cut off
// between the exchange call and recording its outcome.
type Pool struct {
	size       int
	handler    Handler
	jobTimeout time.Duration
	log        logrus.FieldLogger
}

func NewPool(size int, handler Handler, log logrus.FieldLogger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, handler: handler, jobTimeout: DefaultJobTimeout, log: log}
}

// Run consumes deliveries until ctx is cancelled or the channel closes, then
// waits for running jobs.
func (p *Pool) Run(ctx context.Context, deliveries <-chan config.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					p.handle(ctx, id, d)
				}
			}
		}(i)
	}
	wg.Wait()
	p.log.Info("Worker pool stopped")
}

func (p *Pool) handle(ctx context.Context, workerID int, d config.Delivery) {
	log := p.log.WithField("worker", workerID)

	job, err := signal.DecodeJob(d.Body)
	if err != nil {
		log.WithError(err).WithField("category", execution.CategoryValidation).Warn("Dropping invalid job")
		p.ack(log, d)
		return
	}
	log = log.WithFields(logrus.Fields{"bot_id": job.BotID, "signal": job.Signal})

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := p.handler.Execute(jobCtx, job)
	log = log.WithFields(logrus.Fields{
		"action":   outcome.Action,
		"order_id": outcome.OrderID,
		"duration": time.Since(start).String(),
	})
	if err != nil && execution.Retryable(err) {
		log.WithError(err).Warn("Job failed before any order was written, requeueing")
		if nackErr := d.Nack(true); nackErr != nil {
			log.WithError(nackErr).Error("Failed to nack job")
		}
		return
	}
	if err != nil {
		log.WithError(err).Error("Job failed")
	} else {
		log.Debug("Job done")
	}
	p.ack(log, d)
}

func (p *Pool) ack(log logrus.FieldLogger, d config.Delivery) {
	if err := d.Ack(); err != nil {
		log.WithError(err).Error("Failed to ack job")
	}
}
