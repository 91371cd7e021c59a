package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/queue"
	scrapesvc "github.com/acme/lead-call-orchestrator/internal/service/scrape"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.messages:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []queue.ScrapeJob
	err  error
}

func (f *fakeRunner) Run(_ context.Context, job queue.ScrapeJob) (scrapesvc.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return scrapesvc.Result{JobID: job.JobID, Inserted: 3}, f.err
}

func TestWorkerRunsAndCommitsJobs(t *testing.T) {
	reader := &fakeReader{messages: make(chan kafka.Message, 3)}
	runner := &fakeRunner{err: errors.New("source offline")}

	job := queue.ScrapeJob{JobID: uuid.New(), Limit: 12, RequestedAt: time.Now().UTC()}
	value, err := json.Marshal(job)
	require.NoError(t, err)
	reader.messages <- kafka.Message{Value: value}
	reader.messages <- kafka.Message{Value: []byte("not json")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(reader, runner, nil).Run(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Len(t, runner.jobs, 1)
	assert.Equal(t, job.JobID, runner.jobs[0].JobID)
	assert.Equal(t, 12, runner.jobs[0].Limit)
	assert.True(t, reader.closed)
}
