// Package pump periodically admits the head of the run queue, catching slots
// freed while no transition triggered an admission.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Starter admits the next queued run when the slot is free.
type Starter interface {
	StartNext(ctx context.Context) (*models.Run, error)
}

type QueuePump struct {
	starter  Starter
	schedule string
	logger   *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(starter Starter, schedule string, logger *slog.Logger) (*QueuePump, error) {
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid queue pump schedule %q: %w", schedule, err)
	}

	return &QueuePump{
		starter:  starter,
		schedule: schedule,
		logger:   logger.With("module", "queue_pump"),
		ctx:      context.Background(),
	}, nil
}

func (p *QueuePump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron != nil {
		return errors.New("queue pump already started")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		),
	)

	entryID, err := p.cron.AddFunc(p.schedule, p.Tick)
	if err != nil {
		return fmt.Errorf("failed to add queue pump job: %w", err)
	}

	p.cron.Start()
	p.logger.Info("Queue pump started", "schedule", p.schedule, "entry_id", entryID)

	return nil
}

// Tick admits the next run if the slot is free.
func (p *QueuePump) Tick() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	run, err := p.starter.StartNext(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Queue pump failed to start next run", "error", err)

		return
	}

	if run != nil {
		p.logger.InfoContext(ctx, "Queue pump admitted run", "run_id", run.ID, "project_id", run.ProjectID)
	}
}

func (p *QueuePump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron == nil {
		return
	}

	<-p.cron.Stop().Done()
	p.cancel()
	p.cron = nil

	p.logger.Info("Queue pump stopped")
}
