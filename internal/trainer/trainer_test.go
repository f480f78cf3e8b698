package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gptbot/internal/models"
	"gptbot/internal/openai"
	"gptbot/internal/repository"
)

type fakeCorpus struct {
	mu     sync.Mutex
	msgs   []models.Message
	nextID int64
}

func (f *fakeCorpus) Append(msg *models.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	f.msgs = append(f.msgs, *msg)
	return msg.ID, nil
}

func (f *fakeCorpus) ReadAll() ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.msgs))
	copy(out, f.msgs)
	return out, nil
}

func (f *fakeCorpus) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs), nil
}

func (f *fakeCorpus) PruneUpTo(cutoff int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []models.Message
	for _, m := range f.msgs {
		if m.ID > cutoff {
			kept = append(kept, m)
		}
	}
	f.msgs = kept
	return nil
}

func (f *fakeCorpus) Wipe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
	return nil
}

type fakeModelRepo struct {
	mu      sync.Mutex
	records []models.ModelRecord
}

func (f *fakeModelRepo) Promote(model string, corpusSize int, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	iteration := int64(len(f.records) + 1)
	f.records = append(f.records, models.ModelRecord{
		Iteration: iteration, PromotedAt: at, MessageCount: corpusSize, Model: model,
	})
	return iteration, nil
}

func (f *fakeModelRepo) Latest() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return "", repository.ErrNoModel
	}
	return f.records[len(f.records)-1].Model, nil
}

func (f *fakeModelRepo) History() ([]models.ModelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ModelRecord, len(f.records))
	copy(out, f.records)
	return out, nil
}

type fakeStream struct {
	events []openai.Event
	err    error // returned after events run out; nil means clean EOF
}

func (s *fakeStream) Recv() (openai.Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return openai.Event{}, s.err
		}
		return openai.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeClient struct {
	mu        sync.Mutex
	uploads   []string
	baseModel string
	createErr error
	statuses  []*openai.FineTune
	streams   []*fakeStream
	onStream  func()
}

func (f *fakeClient) UploadFile(ctx context.Context, filename string, contents []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, string(contents))
	return fmt.Sprintf("file-%d", len(f.uploads)), nil
}

func (f *fakeClient) CreateFineTune(ctx context.Context, trainingFileID, model string) (*openai.FineTune, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.baseModel = model
	return &openai.FineTune{ID: "ft-job-1", Status: openai.StatusPending}, nil
}

func (f *fakeClient) GetFineTune(ctx context.Context, jobID string) (*openai.FineTune, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return nil, errors.New("no scripted status left")
	}
	job := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return job, nil
}

func (f *fakeClient) StreamEvents(ctx context.Context, jobID string) (EventStream, error) {
	f.mu.Lock()
	stream := f.streams[0]
	if len(f.streams) > 1 {
		f.streams = f.streams[1:]
	}
	hook := f.onStream
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return stream, nil
}

func (f *fakeClient) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func job(status, model string) *openai.FineTune {
	return &openai.FineTune{
		ID:             "ft-job-1",
		Status:         status,
		FineTunedModel: model,
		UpdatedAt:      1700000500,
		ResultFiles:    []openai.File{{ID: "file-res", CreatedAt: 1700000400}},
	}
}

func newTestCoordinator(client Client, corpus *fakeCorpus, modelRepo *fakeModelRepo, threshold int) *Coordinator {
	return NewCoordinator("somechannel", client, corpus, modelRepo, "ada",
		func() int { return threshold },
		5*time.Millisecond, time.Millisecond, zap.NewNop())
}

func fillCorpus(t *testing.T, corpus *fakeCorpus, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := corpus.Append(&models.Message{Text: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}
}

func TestRun_BelowThresholdNeverSubmits(t *testing.T) {
	corpus := &fakeCorpus{}
	fillCorpus(t, corpus, 10)
	client := &fakeClient{}
	c := newTestCoordinator(client, corpus, &fakeModelRepo{}, 50)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	assert.Equal(t, 0, client.uploadCount())
	assert.Equal(t, StateIdle, c.State())
}

func TestRunCycle_SuccessPromotesAndPrunes(t *testing.T) {
	corpus := &fakeCorpus{}
	fillCorpus(t, corpus, 100)
	modelRepo := &fakeModelRepo{}
	client := &fakeClient{
		statuses: []*openai.FineTune{
			job(openai.StatusRunning, ""),           // poll leaves pending
			job(openai.StatusSucceeded, "ada:ft-1"), // final fetch
		},
		streams: []*fakeStream{
			{events: []openai.Event{{CreatedAt: 1700000100, Message: "Job started"}}},
		},
	}
	// Two messages arrive while the job trains; they must survive the prune.
	client.onStream = func() {
		client.onStream = nil
		fillCorpus(t, corpus, 2)
	}

	c := newTestCoordinator(client, corpus, modelRepo, 50)
	require.NoError(t, c.runCycle(context.Background()))

	assert.Equal(t, "ada", client.baseModel)

	history, err := modelRepo.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ada:ft-1", history[0].Model)
	assert.Equal(t, int64(1), history[0].Iteration)
	assert.Equal(t, 100, history[0].MessageCount)
	assert.Equal(t, time.Unix(1700000400, 0), history[0].PromotedAt)

	remaining, err := corpus.ReadAll()
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, int64(101), remaining[0].ID)
	assert.Equal(t, int64(102), remaining[1].ID)

	select {
	case p := <-c.Promotions():
		assert.Equal(t, "ada:ft-1", p.Model)
		assert.Equal(t, int64(1), p.Iteration)
	default:
		t.Fatal("expected a promotion notification")
	}

	assert.Equal(t, StateIdle, c.State())
}

func TestRunCycle_SerializesCorpusAsJSONL(t *testing.T) {
	corpus := &fakeCorpus{}
	_, err := corpus.Append(&models.Message{Text: `quote " and slash \`})
	require.NoError(t, err)
	_, err = corpus.Append(&models.Message{Text: "plain line"})
	require.NoError(t, err)

	client := &fakeClient{
		statuses: []*openai.FineTune{job(openai.StatusFailed, "")},
		streams:  []*fakeStream{{}},
	}
	c := newTestCoordinator(client, corpus, &fakeModelRepo{}, 1)
	require.NoError(t, c.runCycle(context.Background()))

	require.Equal(t, 1, client.uploadCount())
	lines := strings.Split(strings.TrimRight(client.uploads[0], "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"prompt":"\n","completion":"quote \" and slash \\"}`, lines[0])
	assert.Equal(t, `{"prompt":"\n","completion":"plain line"}`, lines[1])
}

func TestRunCycle_StreamDropReopensUntilTerminal(t *testing.T) {
	corpus := &fakeCorpus{}
	fillCorpus(t, corpus, 10)
	modelRepo := &fakeModelRepo{}
	client := &fakeClient{
		statuses: []*openai.FineTune{
			job(openai.StatusRunning, ""),           // poll
			job(openai.StatusRunning, ""),           // re-check after first drop
			job(openai.StatusRunning, ""),           // re-check after second drop
			job(openai.StatusSucceeded, "ada:ft-1"), // final fetch
		},
		streams: []*fakeStream{
			{events: []openai.Event{{Message: "Epoch 1"}}, err: errors.New("connection reset")},
			{err: errors.New("connection reset")},
			{events: []openai.Event{{Message: "Epoch 4"}}},
		},
	}

	c := newTestCoordinator(client, corpus, modelRepo, 5)
	require.NoError(t, c.runCycle(context.Background()))

	history, err := modelRepo.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ada:ft-1", history[0].Model)
}

func TestRunCycle_StreamDropWithFinishedJobFallsThrough(t *testing.T) {
	corpus := &fakeCorpus{}
	fillCorpus(t, corpus, 10)
	modelRepo := &fakeModelRepo{}
	client := &fakeClient{
		statuses: []*openai.FineTune{
			job(openai.StatusRunning, ""),           // poll
			job(openai.StatusSucceeded, "ada:ft-1"), // re-check after drop: already done
		},
		streams: []*fakeStream{
			{err: errors.New("connection reset")},
		},
	}

	c := newTestCoordinator(client, corpus, modelRepo, 5)
	require.NoError(t, c.runCycle(context.Background()))

	history, err := modelRepo.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRunCycle_FailedJobLeavesCorpus(t *testing.T) {
	corpus := &fakeCorpus{}
	fillCorpus(t, corpus, 10)
	modelRepo := &fakeModelRepo{}
	client := &fakeClient{
		statuses: []*openai.FineTune{
			job(openai.StatusRunning, ""),
			job(openai.StatusFailed, ""),
		},
		streams: []*fakeStream{{}},
	}

	c := newTestCoordinator(client, corpus, modelRepo, 5)
	require.NoError(t, c.runCycle(context.Background()))

	count, err := corpus.Count()
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	history, err := modelRepo.History()
	require.NoError(t, err)
	assert.Empty(t, history)

	select {
	case <-c.Promotions():
		t.Fatal("no promotion expected for a failed job")
	default:
	}
}

func TestRunCycle_SubmitFailureLeavesCorpus(t *testing.T) {
	corpus := &fakeCorpus{}
	fillCorpus(t, corpus, 10)
	client := &fakeClient{createErr: errors.New("service unavailable")}

	c := newTestCoordinator(client, corpus, &fakeModelRepo{}, 5)
	err := c.runCycle(context.Background())
	assert.Error(t, err)

	count, cerr := corpus.Count()
	require.NoError(t, cerr)
	assert.Equal(t, 10, count)
	assert.Equal(t, StateIdle, c.State())
}

func TestRunCycle_SecondCycleBasesOnPromotedModel(t *testing.T) {
	corpus := &fakeCorpus{}
	fillCorpus(t, corpus, 5)
	modelRepo := &fakeModelRepo{}
	_, err := modelRepo.Promote("ada:ft-1", 5, time.Now())
	require.NoError(t, err)

	client := &fakeClient{
		statuses: []*openai.FineTune{
			job(openai.StatusRunning, ""),
			job(openai.StatusSucceeded, "ada:ft-2"),
		},
		streams: []*fakeStream{{}},
	}

	c := newTestCoordinator(client, corpus, modelRepo, 5)
	require.NoError(t, c.runCycle(context.Background()))

	assert.Equal(t, "ada:ft-1", client.baseModel)
}
