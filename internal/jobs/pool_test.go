package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/54b3r/ragchat-go/internal/ingestion"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/rag"
	"github.com/54b3r/ragchat-go/internal/store"
)

// scriptedProcessor returns results from fn and counts calls per document.
// Abandon marks the document failed in docs when set.
type scriptedProcessor struct {
	mu    sync.Mutex
	calls map[string]int
	creds []string
	fn    func(attempt int) (ingestion.Outcome, error)
	docs  *store.SQLiteStore
}

func (s *scriptedProcessor) Abandon(ctx context.Context, documentID, reason string) error {
	if s.docs == nil {
		return nil
	}
	return s.docs.MarkFailed(ctx, documentID, reason)
}

func (s *scriptedProcessor) Process(_ context.Context, documentID, credential string) (ingestion.Outcome, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[documentID]++
	n := s.calls[documentID]
	s.creds = append(s.creds, credential)
	s.mu.Unlock()
	return s.fn(n)
}

func (s *scriptedProcessor) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func openStore(t *testing.T) (*store.SQLiteStore, *store.Document) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	coll, err := db.CreateCollection(ctx, "acct", "c")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	doc, err := db.CreateDocument(ctx, store.NewDocument{
		CollectionID: coll.ID, Name: "a.txt", Extension: ".txt", MimeType: "text/plain",
		BlobID: "b", BlobURL: "mem://b",
	})
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	return db, doc
}

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobState(t *testing.T, db *store.SQLiteStore, id string) store.JobState {
	t.Helper()
	j, err := db.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j.State
}

func Test_Pool_RunsEnqueuedJob(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	proc := &scriptedProcessor{fn: func(int) (ingestion.Outcome, error) {
		return ingestion.Outcome{Status: store.StatusCompleted, ChunkCount: 1}, nil
	}}
	// Mark the document processing so orphan recovery does not race the test.
	if err := db.MarkCompleted(context.Background(), doc.ID, 1, 1); err != nil {
		t.Fatalf("mark: %v", err)
	}
	p := startPool(t, Config{Queue: db, Processor: proc, PollInterval: time.Hour})

	if err := p.Enqueue(context.Background(), doc.ID, "sk-caller"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	eventually(t, "job to run", func() bool { return proc.count(doc.ID) == 1 })

	proc.mu.Lock()
	cred := proc.creds[0]
	proc.mu.Unlock()
	if cred != "sk-caller" {
		t.Errorf("credential = %q", cred)
	}
}

func Test_Pool_RetriesThenBuries(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	proc := &scriptedProcessor{docs: db, fn: func(int) (ingestion.Outcome, error) {
		return ingestion.Outcome{Status: store.StatusFailed}, errors.New("database is locked")
	}}
	startPool(t, Config{Queue: db, Processor: proc, MaxAttempts: 3})

	// The pending document is picked up by orphan recovery.
	eventually(t, "three attempts", func() bool { return proc.count(doc.ID) == 3 })
	eventually(t, "document failed", func() bool {
		d, err := db.LoadDocument(context.Background(), doc.ID)
		return err == nil && d.Status == store.StatusFailed
	})
	time.Sleep(50 * time.Millisecond)
	if n := proc.count(doc.ID); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func Test_Pool_RecoversPanics(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	proc := &scriptedProcessor{fn: func(attempt int) (ingestion.Outcome, error) {
		if attempt == 1 {
			panic("nil map")
		}
		return ingestion.Outcome{Status: store.StatusCompleted}, nil
	}}
	startPool(t, Config{Queue: db, Processor: proc})

	eventually(t, "retry after panic", func() bool { return proc.count(doc.ID) == 2 })
}

func Test_Pool_CompletesJobForDeletedDocument(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	var calls atomic.Int32
	proc := &scriptedProcessor{fn: func(int) (ingestion.Outcome, error) {
		calls.Add(1)
		return ingestion.Outcome{}, store.ErrNotFound
	}}
	if err := db.MarkCompleted(context.Background(), doc.ID, 1, 1); err != nil {
		t.Fatalf("mark: %v", err)
	}
	job, err := db.EnqueueJob(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	startPool(t, Config{Queue: db, Processor: proc})

	eventually(t, "job done", func() bool { return jobState(t, db, job.ID) == store.JobDone })
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func Test_Pool_BuriesJobPastMaxAttempts(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	ctx := context.Background()
	job, err := db.EnqueueJob(ctx, doc.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Simulate a job whose previous holders crashed mid-run.
	for range 2 {
		if _, err := db.ClaimJob(ctx, time.Nanosecond); err != nil {
			t.Fatalf("claim: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	proc := &scriptedProcessor{docs: db, fn: func(int) (ingestion.Outcome, error) {
		return ingestion.Outcome{Status: store.StatusCompleted}, nil
	}}
	startPool(t, Config{Queue: db, Processor: proc, MaxAttempts: 2})

	eventually(t, "job dead", func() bool { return jobState(t, db, job.ID) == store.JobDead })
	if proc.count(doc.ID) != 0 {
		t.Errorf("processor ran for an exhausted job")
	}
	d, _ := db.LoadDocument(ctx, doc.ID)
	if d.Status != store.StatusFailed {
		t.Errorf("document status = %s, want failed", d.Status)
	}
}

// textBlobs serves the same plain text for every URL.
type textBlobs struct{}

func (textBlobs) Fetch(context.Context, string) ([]byte, error) {
	return []byte("retention policy: keep records for seven years"), nil
}

// gateEmbedder blocks until ctx is done while blocking is set, and embeds
// normally otherwise.
type gateEmbedder struct {
	blocking atomic.Bool
	started  chan struct{}
	once     sync.Once
}

func (g *gateEmbedder) Embed(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	if g.blocking.Load() {
		g.once.Do(func() { close(g.started) })
		<-ctx.Done()
		return nil, fmt.Errorf("embeddings request: %w", ctx.Err())
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func newIngestionProcessor(t *testing.T, db *store.SQLiteStore, emb rag.Embedder) *ingestion.Processor {
	t.Helper()
	p, err := ingestion.NewProcessor(ingestion.Config{
		Documents: db,
		Blobs:     textBlobs{},
		Chunks:    db,
		Embedder:  emb,
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return p
}

func Test_Pool_ShutdownMidRunResumesOnRestart(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	emb := &gateEmbedder{started: make(chan struct{})}
	emb.blocking.Store(true)
	proc := newIngestionProcessor(t, db, emb)

	p, err := New(Config{Queue: db, Processor: proc, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The pending document is picked up by orphan recovery.
	select {
	case <-emb.started:
	case <-time.After(5 * time.Second):
		t.Fatal("embedding never started")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	d, err := db.LoadDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Status != store.StatusProcessing || d.Error != "" {
		t.Fatalf("after shutdown: status=%s error=%q, want processing", d.Status, d.Error)
	}
	// The job went back to the queue, so recovery has nothing to add.
	if n, _ := db.RequeueOrphans(context.Background()); n != 0 {
		t.Errorf("requeued %d orphans, want the existing job to be reused", n)
	}

	emb.blocking.Store(false)
	startPool(t, Config{Queue: db, Processor: proc})
	eventually(t, "document completed after restart", func() bool {
		d, err := db.LoadDocument(context.Background(), doc.ID)
		return err == nil && d.Status == store.StatusCompleted
	})
}

func Test_Pool_BuryRemovesLeftoverChunks(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	ctx := context.Background()

	// A run stored chunks and then crashed before recording completion.
	if err := db.MarkProcessing(ctx, doc.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	leftover := []rag.Chunk{{CollectionID: doc.CollectionID, Index: 0, Content: "x", Embedding: []float32{1, 0}}}
	if err := db.ReplaceDocumentChunks(ctx, doc.ID, leftover); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	job, err := db.EnqueueJob(ctx, doc.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := db.ClaimJob(ctx, time.Nanosecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(time.Millisecond)

	proc := newIngestionProcessor(t, db, &gateEmbedder{started: make(chan struct{})})
	startPool(t, Config{Queue: db, Processor: proc, MaxAttempts: 1})

	eventually(t, "job dead", func() bool { return jobState(t, db, job.ID) == store.JobDead })
	d, err := db.LoadDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Status != store.StatusFailed || d.ChunkCount != 0 {
		t.Errorf("document = %+v, want failed with no chunks", d)
	}
	if n, _ := db.CountDocumentChunks(ctx, doc.ID); n != 0 {
		t.Errorf("buried document kept %d chunk rows", n)
	}
}

func Test_Pool_CredentialsStayInMemory(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	if err := db.MarkCompleted(context.Background(), doc.ID, 1, 1); err != nil {
		t.Fatalf("mark: %v", err)
	}
	proc := &scriptedProcessor{fn: func(attempt int) (ingestion.Outcome, error) {
		if attempt == 1 {
			return ingestion.Outcome{}, errors.New("database is locked")
		}
		return ingestion.Outcome{Status: store.StatusCompleted}, nil
	}}
	p := startPool(t, Config{Queue: db, Processor: proc, PollInterval: 5 * time.Millisecond})

	if err := p.Enqueue(context.Background(), doc.ID, "sk-caller"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	eventually(t, "retry to run", func() bool { return proc.count(doc.ID) == 2 })

	proc.mu.Lock()
	creds := append([]string(nil), proc.creds...)
	proc.mu.Unlock()
	if len(creds) != 2 || creds[0] != "sk-caller" || creds[1] != "sk-caller" {
		t.Errorf("credentials = %v, want the caller's key on every attempt", creds)
	}
	eventually(t, "credential released", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.creds) == 0
	})
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func Test_Pool_LogsDocumentIDOnce(t *testing.T) {
	t.Parallel()
	db, doc := openStore(t)
	proc := newIngestionProcessor(t, db, &gateEmbedder{started: make(chan struct{})})

	var out syncBuffer
	p, err := New(Config{Queue: db, Processor: proc, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logging.NewWithWriter(&out, "info", "json")))
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	eventually(t, "document completed", func() bool {
		d, err := db.LoadDocument(context.Background(), doc.ID)
		return err == nil && d.Status == store.StatusCompleted
	})
	eventually(t, "job finished log", func() bool { return strings.Contains(out.String(), "jobs: job finished") })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	tagged := 0
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		switch n := strings.Count(line, `"document_id"`); {
		case n > 1:
			t.Errorf("document_id repeated in %s", line)
		case n == 1:
			tagged++
		}
	}
	// processing started, processing completed, job finished.
	if tagged < 3 {
		t.Errorf("only %d log lines carry document_id:\n%s", tagged, out.String())
	}
}
