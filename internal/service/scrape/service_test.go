package scrape

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/infra/db"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/repository/sqlstore"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

type staticSource struct {
	candidates []domain.LeadCandidate
}

func (s staticSource) Name() string { return "static" }

func (s staticSource) Discover(_ context.Context, limit int) ([]domain.LeadCandidate, error) {
	if limit < len(s.candidates) {
		return s.candidates[:limit], nil
	}
	return s.candidates, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []queue.ScrapeJob
	err  error
}

func (d *recordingDispatcher) DispatchScrape(_ context.Context, job queue.ScrapeJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

type inlinePool struct{ wg sync.WaitGroup }

func (p *inlinePool) Submit(task func()) error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		task()
	}()
	return nil
}

func newLeadRepo(t *testing.T) *sqlstore.LeadRepository {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(ctx) })
	require.NoError(t, sqlstore.Migrate(ctx, conn.DB()))
	return sqlstore.NewLeadRepository(conn.DB())
}

func TestRunDedupsAndDropsInvalid(t *testing.T) {
	repo := newLeadRepo(t)
	now := time.Now().UTC()
	require.NoError(t, repo.Create(context.Background(), &domain.Lead{Name: "Existing", Phone: "+15551234567", Status: domain.LeadStatusNotCalled, CreatedAt: now, UpdatedAt: now}))

	source := staticSource{candidates: []domain.LeadCandidate{
		{Name: "Existing again", Phone: "(555) 123-4567"},
		{Name: "Fresh", Phone: "555-987-6543", Category: "Lash Salon"},
		{Name: "Fresh twin", Phone: "+1 555 987 6543"},
		{Name: "Broken", Phone: "555-0001"},
		{Name: "", Phone: "+15551112222"},
	}}
	c := NewCoordinator(Options{Leads: repo, Sources: func(context.Context) Source { return source }})

	res, err := c.Run(context.Background(), queue.ScrapeJob{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, Result{Source: "static", Discovered: 5, Invalid: 2, Duplicates: 2, Inserted: 1}, res)

	page, err := repo.List(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "+15559876543", page[1].Phone)
	assert.Equal(t, domain.LeadStatusNotCalled, page[1].Status)
}

func TestDummySourceIsIdempotent(t *testing.T) {
	repo := newLeadRepo(t)
	c := NewCoordinator(Options{Leads: repo})

	first, err := c.Run(context.Background(), queue.ScrapeJob{})
	require.NoError(t, err)
	assert.Equal(t, "dummy", first.Source)
	assert.Equal(t, 10, first.Inserted)

	second, err := c.Run(context.Background(), queue.ScrapeJob{Limit: 3})
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 3, second.Duplicates)
}

func TestFileSourceFormats(t *testing.T) {
	dir := t.TempDir()
	wrapped := filepath.Join(dir, "wrapped.yaml")
	require.NoError(t, os.WriteFile(wrapped, []byte(`leads:
  - name: Brow Bar
    phone: "+15550100101"
    category: Lash Salon
  - name: Lash Lab
    phone: "+15550100102"
`), 0o600))
	bare := filepath.Join(dir, "bare.yaml")
	require.NoError(t, os.WriteFile(bare, []byte(`- name: Solo
  phone: "+15550100103"
  website: https://solo.example
`), 0o600))

	got, err := FileSource{Path: wrapped}.Discover(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Brow Bar", got[0].Name)
	assert.Equal(t, "Lash Salon", got[0].Category)

	got, err = FileSource{Path: bare}.Discover(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://solo.example", got[0].Website)

	_, err = FileSource{Path: filepath.Join(dir, "missing.yaml")}.Discover(context.Background(), 5)
	require.Error(t, err)
}

func TestTriggerPrefersDispatcher(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	pool := &inlinePool{}
	c := NewCoordinator(Options{Leads: newLeadRepo(t), Dispatcher: dispatcher, Pool: pool, DefaultLimit: 7})

	id, err := c.Trigger(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, id, dispatcher.jobs[0].JobID)
	assert.Equal(t, 7, dispatcher.jobs[0].Limit)

	dispatcher.err = errors.New("broker down")
	_, err = c.Trigger(context.Background(), 5)
	require.ErrorIs(t, err, apperrors.ErrUnavailable)

	_, err = c.Trigger(context.Background(), -1)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestTriggerRunsOnPool(t *testing.T) {
	repo := newLeadRepo(t)
	pool := &inlinePool{}
	c := NewCoordinator(Options{Leads: repo, Pool: pool})

	_, err := c.Trigger(context.Background(), 4)
	require.NoError(t, err)
	pool.wg.Wait()

	page, err := repo.List(context.Background(), 0, 20)
	require.NoError(t, err)
	assert.Len(t, page, 4)
}
