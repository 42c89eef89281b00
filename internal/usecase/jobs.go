package usecase

import (
	"context"
	"errors"
	"fmt"

	"TWPull/internal/domain/models"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/queue"

	"github.com/google/uuid"
)

// Queue message types.
const (
	JobTypeBackfill = "backfill.run"
	JobTypeRepair   = "anomaly.fix"
)

// ErrQueueDisabled is returned when async runs are requested without a queue.
var ErrQueueDisabled = errors.New("async runs need the job queue")

type BackfillJobPayload struct {
	RunID   string                 `json:"run_id"`
	Request models.BackfillRequest `json:"request"`
}

type RepairJobPayload struct {
	RunID   string                   `json:"run_id"`
	Request models.AnomalyFixRequest `json:"request"`
}

// BackfillJob runs a queued backfill on a worker.
type BackfillJob struct {
	backfiller *Backfiller
	l          *applogger.Logger
}

var _ queue.Job = (*BackfillJob)(nil)

func NewBackfillJob(b *Backfiller, l *applogger.Logger) *BackfillJob {
	return &BackfillJob{backfiller: b, l: l}
}

func (j *BackfillJob) Name() string { return "BackfillJob" }
func (j *BackfillJob) Type() string { return JobTypeBackfill }

func (j *BackfillJob) Handle(ctx context.Context, payload interface{}) error {
	p, err := queue.ParsePayload[BackfillJobPayload](payload)
	if err != nil {
		return err
	}
	params, err := j.backfiller.Params(p.Request)
	if err != nil {
		// A bad request will never succeed on retry.
		j.l.Error("backfill job rejected", applogger.String("run_id", p.RunID), applogger.Error(err))
		return nil
	}
	params.RunID = p.RunID
	rep, err := j.backfiller.RunBatches(ctx, params)
	if err != nil {
		return fmt.Errorf("backfill job %s: %w", p.RunID, err)
	}
	j.l.Info("backfill job done",
		applogger.String("run_id", rep.RunID),
		applogger.Bool("success", rep.Success),
		applogger.Int("failed", rep.Summary.Failed),
	)
	return nil
}

// RepairJob runs a queued anomaly fix on a worker.
type RepairJob struct {
	repairer *Repairer
	l        *applogger.Logger
}

var _ queue.Job = (*RepairJob)(nil)

func NewRepairJob(r *Repairer, l *applogger.Logger) *RepairJob {
	return &RepairJob{repairer: r, l: l}
}

func (j *RepairJob) Name() string { return "RepairJob" }
func (j *RepairJob) Type() string { return JobTypeRepair }

func (j *RepairJob) Handle(ctx context.Context, payload interface{}) error {
	p, err := queue.ParsePayload[RepairJobPayload](payload)
	if err != nil {
		return err
	}
	params, err := j.repairer.Params(p.Request)
	if err != nil {
		j.l.Error("repair job rejected", applogger.String("run_id", p.RunID), applogger.Error(err))
		return nil
	}
	params.RunID = p.RunID
	rep, err := j.repairer.Repair(ctx, params)
	if err != nil {
		return fmt.Errorf("repair job %s: %w", p.RunID, err)
	}
	j.l.Info("repair job done",
		applogger.String("run_id", rep.RunID),
		applogger.Int("deleted", rep.Deleted),
		applogger.Int("refetched", rep.Refetched),
	)
	return nil
}

// Dispatcher enqueues runs for the worker pool and reports their state. A
// nil queue disables async runs.
type Dispatcher struct {
	q queue.QueueService
}

func NewDispatcher(q queue.QueueService) *Dispatcher {
	return &Dispatcher{q: q}
}

func (d *Dispatcher) Enabled() bool { return d != nil && d.q != nil }

func (d *Dispatcher) EnqueueBackfill(ctx context.Context, req models.BackfillRequest) (string, error) {
	return d.enqueue(ctx, JobTypeBackfill, func(runID string) interface{} {
		return BackfillJobPayload{RunID: runID, Request: req}
	})
}

func (d *Dispatcher) EnqueueRepair(ctx context.Context, req models.AnomalyFixRequest) (string, error) {
	return d.enqueue(ctx, JobTypeRepair, func(runID string) interface{} {
		return RepairJobPayload{RunID: runID, Request: req}
	})
}

// Status returns the queue state of a run; the run id doubles as the job id.
func (d *Dispatcher) Status(ctx context.Context, runID string) (queue.JobStatus, error) {
	if !d.Enabled() {
		return queue.JobStatus{}, ErrQueueDisabled
	}
	return d.q.Status(ctx, runID)
}

func (d *Dispatcher) enqueue(ctx context.Context, jobType string, payload func(runID string) interface{}) (string, error) {
	if !d.Enabled() {
		return "", ErrQueueDisabled
	}
	runID := uuid.NewString()
	if err := d.q.EnqueueWithID(ctx, runID, jobType, payload(runID)); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return runID, nil
}
