// Package trainer watches corpus growth and drives remote fine-tuning jobs:
// submit, poll, stream events, then promote the resulting model and prune the
// consumed rows.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gptbot/internal/openai"
	"gptbot/internal/repository"
)

// State is the coordinator's current position in the training lifecycle.
type State int32

const (
	StateIdle State = iota
	StateSubmitting
	StatePolling
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StatePolling:
		return "polling"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// EventStream is a reopenable stream of fine-tuning job events.
type EventStream interface {
	Recv() (openai.Event, error)
	Close() error
}

// Client is the remote training service surface the coordinator depends on.
type Client interface {
	UploadFile(ctx context.Context, filename string, contents []byte) (string, error)
	CreateFineTune(ctx context.Context, trainingFileID, model string) (*openai.FineTune, error)
	GetFineTune(ctx context.Context, jobID string) (*openai.FineTune, error)
	StreamEvents(ctx context.Context, jobID string) (EventStream, error)
}

// apiClient adapts *openai.Client to the Client interface.
type apiClient struct {
	*openai.Client
}

func (a apiClient) StreamEvents(ctx context.Context, jobID string) (EventStream, error) {
	return a.Client.StreamEvents(ctx, jobID)
}

// WrapClient adapts the concrete API client for use by a Coordinator.
func WrapClient(c *openai.Client) Client {
	return apiClient{c}
}

// Promotion announces a newly promoted model to the channel handler.
type Promotion struct {
	Channel   string
	Model     string
	Iteration int64
}

// trainingRecord is one line of the uploaded JSONL dataset.
type trainingRecord struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// Coordinator runs the retraining lifecycle for a single channel.
type Coordinator struct {
	channel       string
	client        Client
	corpus        repository.CorpusRepository
	modelRepo     repository.ModelRepository
	baseModel     string
	threshold     func() int
	checkInterval time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger

	state      atomic.Int32
	promotions chan Promotion
}

// NewCoordinator creates a retraining coordinator for a channel. threshold is
// read on every check so command-driven changes take effect immediately.
func NewCoordinator(
	channel string,
	client Client,
	corpus repository.CorpusRepository,
	modelRepo repository.ModelRepository,
	baseModel string,
	threshold func() int,
	checkInterval time.Duration,
	pollInterval time.Duration,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		channel:       channel,
		client:        client,
		corpus:        corpus,
		modelRepo:     modelRepo,
		baseModel:     baseModel,
		threshold:     threshold,
		checkInterval: checkInterval,
		pollInterval:  pollInterval,
		logger:        logger.With(zap.String("channel", channel)),
		promotions:    make(chan Promotion, 1),
	}
}

// Promotions delivers one notification per successfully promoted model.
func (c *Coordinator) Promotions() <-chan Promotion {
	return c.promotions
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// Run starts the periodic threshold check and training lifecycle. It blocks
// until ctx is canceled; no cycle error terminates the loop.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("Retraining coordinator started.")

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Retraining coordinator stopped.")
			return
		case <-ticker.C:
			count, err := c.corpus.Count()
			if err != nil {
				c.logger.Error("Failed to count corpus", zap.Error(err))
				continue
			}
			if threshold := c.threshold(); count < threshold {
				c.logger.Debug("Corpus below training threshold",
					zap.Int("count", count), zap.Int("threshold", threshold))
				continue
			}
			if err := c.runCycle(ctx); err != nil {
				// The next tick provides natural backoff before re-submitting.
				c.logger.Error("Training cycle failed, will retry on next interval", zap.Error(err))
			}
		}
	}
}

// runCycle executes one full training cycle. An error return means the cycle
// was abandoned without mutating the corpus.
func (c *Coordinator) runCycle(ctx context.Context) error {
	defer c.setState(StateIdle)

	c.setState(StateSubmitting)
	job, snapshotLen, cutoff, err := c.submit(ctx)
	if err != nil {
		return err
	}

	c.setState(StatePolling)
	job, err = c.waitForStart(ctx, job)
	if err != nil {
		return err
	}

	c.setState(StateStreaming)
	if err := c.streamEvents(ctx, job.ID); err != nil {
		return err
	}

	final, err := c.client.GetFineTune(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch final job state: %w", err)
	}

	switch final.Status {
	case openai.StatusSucceeded:
		c.promote(ctx, final, snapshotLen, cutoff)
	case openai.StatusFailed:
		c.logger.Error("Fine-tuning job failed, corpus left untouched", zap.String("job_id", final.ID))
	default:
		c.logger.Error("Fine-tuning job ended in unexpected status",
			zap.String("job_id", final.ID), zap.String("status", final.Status))
	}
	return nil
}

// submit snapshots the corpus, uploads it as JSONL and creates the
// fine-tuning job. The returned cutoff is the highest sequence id in the
// snapshot; rows appended after it survive the eventual prune.
func (c *Coordinator) submit(ctx context.Context) (job *openai.FineTune, snapshotLen int, cutoff int64, err error) {
	msgs, err := c.corpus.ReadAll()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to snapshot corpus: %w", err)
	}
	if len(msgs) == 0 {
		return nil, 0, 0, fmt.Errorf("corpus snapshot was empty")
	}
	cutoff = msgs[len(msgs)-1].ID

	var dataset []byte
	for _, m := range msgs {
		line, err := json.Marshal(trainingRecord{Prompt: "\n", Completion: m.Text})
		if err != nil {
			return nil, 0, 0, fmt.Errorf("failed to encode training record: %w", err)
		}
		dataset = append(dataset, line...)
		dataset = append(dataset, '\n')
	}

	filename := fmt.Sprintf("%s_%d.jsonl", c.channel, time.Now().Unix())
	fileID, err := c.client.UploadFile(ctx, filename, dataset)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to upload training file: %w", err)
	}
	c.logger.Info("Uploaded training file",
		zap.String("file_id", fileID), zap.Int("rows", len(msgs)), zap.Int64("cutoff", cutoff))

	job, err = c.client.CreateFineTune(ctx, fileID, c.activeModel())
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to create fine-tuning job: %w", err)
	}
	c.logger.Info("Created fine-tuning job", zap.String("job_id", job.ID))

	return job, len(msgs), cutoff, nil
}

// waitForStart polls job status until it leaves pending. Intentionally
// unbounded; training duration is externally controlled.
func (c *Coordinator) waitForStart(ctx context.Context, job *openai.FineTune) (*openai.FineTune, error) {
	for job.Status == openai.StatusPending {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		updated, err := c.client.GetFineTune(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll job status: %w", err)
		}
		job = updated
		c.logger.Debug("Polled fine-tuning job", zap.String("job_id", job.ID), zap.String("status", job.Status))
	}
	return job, nil
}

// streamEvents consumes the job's event stream until the job finishes. A
// dropped stream is never treated as job failure: the job status is
// re-checked and the stream reopened for as long as the job keeps running.
func (c *Coordinator) streamEvents(ctx context.Context, jobID string) error {
	for {
		stream, err := c.client.StreamEvents(ctx, jobID)
		if err != nil {
			c.logger.Warn("Failed to open event stream, re-checking job status", zap.Error(err))
			running, rerr := c.jobStillRunning(ctx, jobID)
			if rerr != nil {
				return rerr
			}
			if !running {
				return nil
			}
			continue
		}

		err = c.drainStream(stream)
		stream.Close()
		if err == nil {
			return nil
		}

		c.logger.Warn("Event stream dropped, re-checking job status", zap.Error(err))
		running, rerr := c.jobStillRunning(ctx, jobID)
		if rerr != nil {
			return rerr
		}
		if !running {
			return nil
		}
	}
}

// drainStream logs events until the stream ends. A nil return means the
// stream completed cleanly.
func (c *Coordinator) drainStream(stream EventStream) error {
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		c.logger.Info("Fine-tuning event",
			zap.Time("event_time", time.Unix(ev.CreatedAt, 0)),
			zap.String("message", ev.Message))
	}
}

// jobStillRunning re-fetches job status, retrying with exponential backoff
// until the remote service answers. Only ctx cancellation stops the retry.
func (c *Coordinator) jobStillRunning(ctx context.Context, jobID string) (bool, error) {
	var job *openai.FineTune

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		var err error
		job, err = c.client.GetFineTune(ctx, jobID)
		if err != nil {
			c.logger.Warn("Failed to re-check job status, will retry", zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return false, err
	}

	return job.Status == openai.StatusPending || job.Status == openai.StatusRunning, nil
}

// promote records the new model, prunes the consumed rows and notifies the
// channel handler. Prune is idempotent, so a crash between the two writes
// costs at most a redundant prune on restart.
func (c *Coordinator) promote(ctx context.Context, job *openai.FineTune, snapshotLen int, cutoff int64) {
	completedAt := job.UpdatedAt
	if len(job.ResultFiles) > 0 {
		completedAt = job.ResultFiles[0].CreatedAt
	}

	iteration, err := c.modelRepo.Promote(job.FineTunedModel, snapshotLen, time.Unix(completedAt, 0))
	if err != nil {
		c.logger.Error("Failed to record promoted model", zap.Error(err))
		return
	}

	if err := c.corpus.PruneUpTo(cutoff); err != nil {
		c.logger.Error("Failed to prune trained corpus", zap.Error(err))
	}

	c.logger.Info("Fine-tuning succeeded",
		zap.String("model", job.FineTunedModel),
		zap.Int64("iteration", iteration))

	select {
	case c.promotions <- Promotion{Channel: c.channel, Model: job.FineTunedModel, Iteration: iteration}:
	case <-ctx.Done():
	}
}

// activeModel is the base for the next fine-tune: the latest promoted model,
// or the configured base model before the first promotion.
func (c *Coordinator) activeModel() string {
	model, err := c.modelRepo.Latest()
	if err != nil {
		if err != repository.ErrNoModel {
			c.logger.Error("Failed to read latest model, using base model", zap.Error(err))
		}
		return c.baseModel
	}
	return model
}
