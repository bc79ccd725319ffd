package knowledge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/service/knowledge"
	"github.com/civica-gov/civica/internal/storage"
	"github.com/civica-gov/civica/internal/testutil"
)

// drainOutbox processes batches until the outbox has nothing ready.
func drainOutbox(t *testing.T, w *knowledge.Worker) {
	t.Helper()
	for range 100 {
		if w.ProcessBatch(context.Background()) == 0 {
			return
		}
	}
	t.Fatal("outbox did not drain")
}

func TestWorkerSyncsCatalogChanges(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	w := knowledge.NewWorker(testDB, svc, testutil.TestLogger(), time.Second, 10)

	dep := testutil.SeedDependencia(t, testDB, "Secretaría de Salud")
	tr := testutil.SeedTramite(t, testDB, dep, "Carné de vacunación", false)

	drainOutbox(t, w)
	doc, err := testDB.GetDocumentBySource(ctx, model.SourceTramite, tr.ID.String())
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "Carné de vacunación")

	// Renaming the dependencia re-renders the documents that mention it.
	dep.Name = "Secretaría de Salud Pública"
	_, err = testDB.UpdateDependencia(ctx, dep)
	require.NoError(t, err)
	drainOutbox(t, w)
	doc, err = testDB.GetDocumentBySource(ctx, model.SourceTramite, tr.ID.String())
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "Secretaría de Salud Pública")

	require.NoError(t, testDB.DeleteTramite(ctx, tr.ID))
	drainOutbox(t, w)
	_, err = testDB.GetDocumentBySource(ctx, model.SourceTramite, tr.ID.String())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// fakeOutbox serves a fixed set of entries once and records the outcome.
type fakeOutbox struct {
	mu        sync.Mutex
	entries   []storage.OutboxEntry
	completed []int64
	failed    map[int64]string
	claims    int
}

func (f *fakeOutbox) ClaimOutbox(context.Context, int, time.Duration) ([]storage.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	out := f.entries
	f.entries = nil
	return out, nil
}

func (f *fakeOutbox) CompleteOutbox(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, ids...)
	return nil
}

func (f *fakeOutbox) FailOutbox(_ context.Context, id int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[int64]string{}
	}
	f.failed[id] = msg
	return nil
}

func (f *fakeOutbox) OutboxDepth(context.Context) (int64, error) { return int64(len(f.entries)), nil }

func (f *fakeOutbox) CleanupDeadLetters(context.Context, time.Duration) (int64, error) { return 0, nil }

func TestWorkerFailsBadEntriesAndCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	doc := manual("Zumbrel", "Documento zumbrel.")
	doc.SourceType = model.SourceFAQ
	_, _, err := svc.Ingest(ctx, doc)
	require.NoError(t, err)

	ob := &fakeOutbox{entries: []storage.OutboxEntry{
		{ID: 1, SourceType: model.SourceTramite, SourceID: "not-a-uuid", Operation: storage.OutboxUpsert, Attempts: 9},
		{ID: 2, SourceType: model.SourceFAQ, SourceID: doc.SourceID, Operation: storage.OutboxUpsert},
		{ID: 3, SourceType: model.SourceFAQ, SourceID: doc.SourceID, Operation: storage.OutboxDelete},
	}}
	w := knowledge.NewWorker(ob, svc, testutil.TestLogger(), time.Second, 10)

	assert.Equal(t, 3, w.ProcessBatch(ctx))
	assert.ElementsMatch(t, []int64{2, 3}, ob.completed)
	assert.Contains(t, ob.failed, int64(1))

	_, err = testDB.GetDocumentBySource(ctx, model.SourceFAQ, doc.SourceID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "the later delete wins")
}

func TestWorkerDrain(t *testing.T) {
	ob := &fakeOutbox{}
	w := knowledge.NewWorker(ob, newService(), testutil.TestLogger(), time.Hour, 10)

	// Drain before Start returns immediately.
	w.Drain(context.Background())

	w.Start(context.Background())
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Drain(ctx)

	ob.mu.Lock()
	defer ob.mu.Unlock()
	assert.Equal(t, 1, ob.claims, "drain runs one final batch")
}
