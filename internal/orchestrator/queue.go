package orchestrator

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/config"
	"github.com/justnews/fabric/internal/events"
	"github.com/justnews/fabric/internal/fault"
	"github.com/justnews/fabric/internal/store"
	"github.com/justnews/fabric/internal/stream"
)

// jobTypePattern keeps job types usable as stream name segments.
var jobTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// SubmitOptions carries the optional arguments of submit_job.
type SubmitOptions struct {
	// ModelID and Adapter route the job to a pool tuple; empty means any
	// pool consuming the type stream may take it.
	ModelID string `json:"model_id,omitempty"`
	Adapter string `json:"adapter,omitempty"`
}

// Queue is the durable job queue: the relational row is the source of
// truth, the per-type stream is the wake-up channel.
type Queue struct {
	store  *Store
	stream stream.Stream
	cfg    config.OrchestratorConfig
	events *events.Bus
	logger *zap.Logger
}

// NewQueue wires the queue over the store and stream substrate.
func NewQueue(st *Store, str stream.Stream, cfg config.OrchestratorConfig, eventBus *events.Bus, logger *zap.Logger) *Queue {
	return &Queue{store: st, stream: str, cfg: cfg, events: eventBus, logger: logger}
}

func (q *Queue) maxPending() int {
	if q.cfg.QueueMaxPending > 0 {
		return q.cfg.QueueMaxPending
	}
	return 1000
}

// Submit durably records a job and publishes its wake-up entry. The job id
// returns as soon as the row is committed; a lost publish is repaired by
// the reclaimer. When the type's pending depth has reached the ceiling the
// submit fails fast with queue_full.
func (q *Queue) Submit(ctx context.Context, jobType string, payload json.RawMessage, opts SubmitOptions) (*Job, error) {
	const op = "orchestrator.submit_job"

	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return nil, fault.New(fault.KindValidation, op, "type is required")
	}
	if !jobTypePattern.MatchString(jobType) {
		return nil, fault.New(fault.KindValidation, op, "type %q is not a valid job type", jobType)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fault.New(fault.KindValidation, op, "payload is not valid JSON")
	}

	depth, err := q.store.CountActive(jobType)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	if depth >= q.maxPending() {
		return nil, fault.Coded(fault.KindPrecondition, fault.CodeQueueFull, op,
			"stream %s has %d pending jobs (ceiling %d)", stream.JobStream(jobType), depth, q.maxPending())
	}

	now := time.Now().UTC()
	job := Job{
		JobID:     uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.InsertJob(job); err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}

	if err := q.publish(ctx, &job, opts); err != nil {
		// The row is committed, so the job is not lost; the reclaimer
		// republishes stale pending rows.
		q.logger.Warn("job publish failed, row committed",
			zap.String("job_id", job.JobID),
			zap.String("type", jobType),
			zap.Error(err),
		)
	}

	if q.events != nil {
		q.events.Emit(events.JobSubmitted, "", "job submitted", map[string]any{
			"job_id": job.JobID,
			"type":   jobType,
		})
	}
	return &job, nil
}

// publish appends the job's wake-up entry to its type stream.
func (q *Queue) publish(ctx context.Context, job *Job, opts SubmitOptions) error {
	values := map[string]string{
		"job_id":   job.JobID,
		"type":     job.Type,
		"attempts": strconv.Itoa(job.Attempts),
	}
	if opts.ModelID != "" {
		values["model_id"] = opts.ModelID
	}
	if opts.Adapter != "" {
		values["adapter"] = opts.Adapter
	}
	_, err := q.stream.Publish(ctx, stream.JobStream(job.Type), values)
	return err
}

// Get returns one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	const op = "orchestrator.get_job"

	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fault.New(fault.KindValidation, op, "job_id is required")
	}
	job, err := q.store.GetJob(jobID)
	if store.IsNotFound(err) {
		return nil, fault.New(fault.KindNotFound, op, "job %s not found", jobID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	return job, nil
}

// Complete finalizes a job with a terminal status reported by its worker.
func (q *Queue) Complete(ctx context.Context, jobID, status string, result json.RawMessage, lastError string) (*Job, error) {
	const op = "orchestrator.complete_job"

	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fault.New(fault.KindValidation, op, "job_id is required")
	}
	if status != JobSucceeded && status != JobFailed {
		return nil, fault.New(fault.KindValidation, op,
			"status must be %q or %q, got %q", JobSucceeded, JobFailed, status)
	}
	if len(result) > 0 && !json.Valid(result) {
		return nil, fault.New(fault.KindValidation, op, "result is not valid JSON")
	}

	err := q.store.CompleteJob(jobID, status, result, lastError)
	if store.IsNotFound(err) {
		return nil, fault.New(fault.KindNotFound, op, "job %s not found", jobID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, op, err)
	}
	return q.Get(ctx, jobID)
}
