package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipreel/api/internal/client"
	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/progress"
	"github.com/clipreel/api/internal/selector"
	"github.com/clipreel/api/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeFetcher struct {
	duration float64
	title    string
	err      error
	noFile   bool
	block    bool
	gotCtx   context.Context
}

func (f *fakeFetcher) Fetch(ctx context.Context, req client.FetchRequest, onProgress progress.Func) (*model.Media, error) {
	f.gotCtx = ctx
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}

	path := filepath.Join(req.Dir, req.Name+"."+req.Kind.Extension())
	if !f.noFile {
		if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
			return nil, err
		}
	}
	for i := 1; i <= 10; i++ {
		onProgress(float64(i)/10, "Downloading")
	}
	return &model.Media{Path: path, Duration: f.duration, Title: f.title}, nil
}

type fakeEngine struct {
	extractErr error
	concatErr  error
	panicOn    bool

	mu        sync.Mutex
	extracted []model.Segment
}

func (e *fakeEngine) Extract(ctx context.Context, source string, seg model.Segment, out string, kind model.MediaKind) (*model.Clip, error) {
	if e.panicOn {
		panic("codec exploded")
	}
	if e.extractErr != nil {
		return nil, e.extractErr
	}
	e.mu.Lock()
	e.extracted = append(e.extracted, seg)
	e.mu.Unlock()
	if err := os.WriteFile(out, []byte("clip"), 0o644); err != nil {
		return nil, err
	}
	return &model.Clip{Path: out, Segment: seg}, nil
}

func (e *fakeEngine) Concatenate(ctx context.Context, clips []model.Clip, out string, kind model.MediaKind, onProgress progress.Func) error {
	if e.concatErr != nil {
		return e.concatErr
	}
	onProgress(0.5, "Joining")
	onProgress(1, "Joined")
	return os.WriteFile(out, []byte("compiled"), 0o644)
}

type fakeStorage struct {
	err         error
	uploadedKey string
	contentType string
	deleted     []string
}

func (s *fakeStorage) UploadFile(ctx context.Context, localPath, key, contentType string, expiry time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	s.uploadedKey = key
	s.contentType = contentType
	return "https://bucket.example.com/" + key + "?sig=1", nil
}

func (s *fakeStorage) Delete(ctx context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://bucket.example.com/" + key, nil
}

type fakeExpirer struct {
	jobID string
	key   string
	after time.Duration
}

func (e *fakeExpirer) ScheduleExpiry(ctx context.Context, jobID, objectKey string, after time.Duration) error {
	e.jobID, e.key, e.after = jobID, objectKey, after
	return nil
}

type recordingReporter struct {
	tags []map[string]string
}

func (r *recordingReporter) ReportException(err error, tags map[string]string) {
	r.tags = append(r.tags, tags)
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []model.Job
}

func (n *recordingNotifier) JobUpdated(job model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, job)
}

func (n *recordingNotifier) states() []model.JobState {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.JobState
	for _, u := range n.updates {
		if len(out) == 0 || out[len(out)-1] != u.State {
			out = append(out, u.State)
		}
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	store    *store.MemoryStore
	fetcher  *fakeFetcher
	engine   *fakeEngine
	storage  *fakeStorage
	expirer  *fakeExpirer
	notifier *recordingNotifier
	reporter *recordingReporter
	workDir  string
	logs     *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		store:    store.NewMemoryStore(),
		fetcher:  &fakeFetcher{duration: 100, title: "Lecture"},
		engine:   &fakeEngine{},
		storage:  &fakeStorage{},
		expirer:  &fakeExpirer{},
		notifier: &recordingNotifier{},
		reporter: &recordingReporter{},
		workDir:  t.TempDir(),
		logs:     hook,
	}

	orch, err := NewOrchestrator(Dependencies{
		Store:    h.store,
		Fetcher:  h.fetcher,
		Engine:   h.engine,
		Storage:  h.storage,
		Expirer:  h.expirer,
		Notifier: h.notifier,
		Reporter: h.reporter,
		Logger:   logger,
		Source:   func(string) selector.Source { return selector.NewSource(7) },
	}, Options{
		WorkDir:        h.workDir,
		Selection:      selector.DefaultOptions(),
		VerifyTimeout:  50 * time.Millisecond,
		VerifyInterval: 5 * time.Millisecond,
		URLExpiry:      time.Hour,
		KeyPrefix:      "clips",
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) submit(t *testing.T, id string) {
	t.Helper()
	job := &model.Job{
		ID:            id,
		SourceLocator: "https://example.com/v/" + id,
		MediaKind:     model.MediaKindVideo,
		State:         model.JobStateQueued,
		CreatedAt:     time.Now(),
	}
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func (h *harness) assertWorkspaceRemoved(t *testing.T, id string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(h.workDir, id)); !os.IsNotExist(err) {
		t.Errorf("workspace for %s still present (stat err = %v)", id, err)
	}
}

func (h *harness) assertMonotonic(t *testing.T) {
	t.Helper()
	last := -1.0
	for _, u := range h.notifier.updates {
		if u.Progress < last {
			t.Fatalf("progress regressed from %v to %v (%s)", last, u.Progress, u.State)
		}
		last = u.Progress
	}
}

func sameStates(a, b []model.JobState) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job-ok")

	if err := h.orch.Run(context.Background(), "job-ok"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job := h.job(t, "job-ok")
	if job.State != model.JobStateSuccess || job.Progress != 100 {
		t.Fatalf("job = %s @ %v, want success @ 100", job.State, job.Progress)
	}
	if job.Result == nil || job.Result.URL == "" || job.Result.Title != "Lecture" {
		t.Fatalf("result = %+v", job.Result)
	}
	if job.Result.SegmentCount != 3 || job.Result.Duration < 99.9 {
		t.Errorf("fallback result = %d segments / %vs, want 3 / 100s", job.Result.SegmentCount, job.Result.Duration)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("timestamps not recorded")
	}

	want := []model.JobState{
		model.JobStateDownloading,
		model.JobStateVerifyingDownload,
		model.JobStateProcessing,
		model.JobStateUploading,
		model.JobStateSuccess,
	}
	if got := h.notifier.states(); !sameStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	h.assertMonotonic(t)
	h.assertWorkspaceRemoved(t, "job-ok")

	if h.storage.uploadedKey != "clips/job-ok/compiled.mp4" || h.storage.contentType != "video/mp4" {
		t.Errorf("uploaded %q as %q", h.storage.uploadedKey, h.storage.contentType)
	}
	if h.expirer.key != h.storage.uploadedKey || h.expirer.after != time.Hour {
		t.Errorf("expiry scheduled for %q after %v", h.expirer.key, h.expirer.after)
	}
}

func TestRun_LongSource(t *testing.T) {
	h := newHarness(t)
	h.fetcher.duration = 4 * 3600
	h.submit(t, "job-long")

	if err := h.orch.Run(context.Background(), "job-long"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job := h.job(t, "job-long")
	if job.State != model.JobStateSuccess {
		t.Fatalf("state = %s (%s)", job.State, job.Message)
	}
	if job.Result.SegmentCount != len(h.engine.extracted) {
		t.Errorf("segment count %d, extracted %d", job.Result.SegmentCount, len(h.engine.extracted))
	}
	if job.Result.Duration > 1500 {
		t.Errorf("compiled duration %v exceeds target", job.Result.Duration)
	}
	h.assertMonotonic(t)
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		wantMsg   []string
		wantLast  model.JobState
		wantError error
	}{
		{
			name:     "fetch error",
			setup:    func(h *harness) { h.fetcher.err = errors.New("HTTP Error 404") },
			wantMsg:  []string{"download failed", "HTTP Error 404"},
			wantLast: model.JobStateDownloading,
		},
		{
			name:     "download never appears",
			setup:    func(h *harness) { h.fetcher.noFile = true },
			wantMsg:  []string{"download verification failed"},
			wantLast: model.JobStateVerifyingDownload,
		},
		{
			name:     "insufficient source",
			setup:    func(h *harness) { h.fetcher.duration = 5 },
			wantMsg:  []string{"processing failed", "insufficient source"},
			wantLast: model.JobStateProcessing,
		},
		{
			name:     "extract error",
			setup:    func(h *harness) { h.engine.extractErr = errors.New("bad codec") },
			wantMsg:  []string{"processing failed", "encode error", "bad codec"},
			wantLast: model.JobStateProcessing,
		},
		{
			name:     "concat error",
			setup:    func(h *harness) { h.engine.concatErr = fmt.Errorf("%w: join", client.ErrEncode) },
			wantMsg:  []string{"processing failed", "encode error: join"},
			wantLast: model.JobStateProcessing,
		},
		{
			name:     "upload error",
			setup:    func(h *harness) { h.storage.err = errors.New("access denied") },
			wantMsg:  []string{"upload failed", "store error", "access denied"},
			wantLast: model.JobStateUploading,
		},
		{
			name:     "panic",
			setup:    func(h *harness) { h.engine.panicOn = true },
			wantMsg:  []string{"processing failed", "unexpected fault"},
			wantLast: model.JobStateProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			h.submit(t, "job-fail")

			if err := h.orch.Run(context.Background(), "job-fail"); err != nil {
				t.Fatalf("Run returned %v; failures belong on the job", err)
			}

			job := h.job(t, "job-fail")
			if job.State != model.JobStateFailed {
				t.Fatalf("state = %s, want failed", job.State)
			}
			if job.Error == nil || *job.Error != job.Message {
				t.Fatalf("error = %v, message = %q", job.Error, job.Message)
			}
			for _, part := range tt.wantMsg {
				if !strings.Contains(job.Message, part) {
					t.Errorf("message %q does not mention %q", job.Message, part)
				}
			}
			if job.Result != nil {
				t.Error("failed job carries a result")
			}

			states := h.notifier.states()
			if len(states) < 2 || states[len(states)-2] != tt.wantLast {
				t.Errorf("states = %v, want failure after %s", states, tt.wantLast)
			}
			h.assertMonotonic(t)
			h.assertWorkspaceRemoved(t, "job-fail")
			if h.expirer.key != "" {
				t.Error("expiry scheduled for failed job")
			}
		})
	}
}

func TestRun_PanicIsReported(t *testing.T) {
	h := newHarness(t)
	h.engine.panicOn = true
	h.submit(t, "job-p")

	if err := h.orch.Run(context.Background(), "job-p"); err != nil {
		t.Fatal(err)
	}
	if len(h.reporter.tags) != 1 {
		t.Fatalf("reported %d exceptions, want 1", len(h.reporter.tags))
	}
	tags := h.reporter.tags[0]
	if tags["job_id"] != "job-p" || tags["stage"] != string(model.JobStateProcessing) {
		t.Errorf("tags = %v", tags)
	}
}

func TestRun_FetchFailureSkipsLaterStages(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("unreachable")
	h.submit(t, "job-x")

	if err := h.orch.Run(context.Background(), "job-x"); err != nil {
		t.Fatal(err)
	}

	for _, s := range h.notifier.states() {
		if s == model.JobStateProcessing || s == model.JobStateUploading {
			t.Fatalf("job entered %s after a fetch failure", s)
		}
	}
	if len(h.engine.extracted) != 0 || h.storage.uploadedKey != "" {
		t.Error("later collaborators were invoked")
	}
}

func TestRun_CancelledContextStillRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job-c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.orch.Run(ctx, "job-c"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := h.job(t, "job-c")
	if job.State != model.JobStateFailed || !strings.Contains(job.Message, "context canceled") {
		t.Errorf("job = %s %q", job.State, job.Message)
	}
}

func TestRun_DownloadDeadline(t *testing.T) {
	h := newHarness(t)
	h.fetcher.block = true
	h.orch.opts.DownloadTimeout = 20 * time.Millisecond
	h.submit(t, "job-slow")

	if err := h.orch.Run(context.Background(), "job-slow"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := h.fetcher.gotCtx.Deadline(); !ok {
		t.Error("fetcher ran without a deadline")
	}
	job := h.job(t, "job-slow")
	if job.State != model.JobStateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	for _, part := range []string{"download failed", "deadline exceeded"} {
		if !strings.Contains(job.Message, part) {
			t.Errorf("message %q does not mention %q", job.Message, part)
		}
	}
	h.assertWorkspaceRemoved(t, "job-slow")
}

// successRejectingStore persists everything except the SUCCESS write.
type successRejectingStore struct {
	*store.MemoryStore
}

func (s successRejectingStore) Save(ctx context.Context, job *model.Job) error {
	if job.State == model.JobStateSuccess {
		return errors.New("redis timeout")
	}
	return s.MemoryStore.Save(ctx, job)
}

func TestRun_SucceedFailureRemovesUpload(t *testing.T) {
	h := newHarness(t)
	deps := h.orch.deps
	deps.Store = successRejectingStore{h.store}
	orch, err := NewOrchestrator(deps, h.orch.opts)
	if err != nil {
		t.Fatal(err)
	}
	h.submit(t, "job-lost")

	if err := orch.Run(context.Background(), "job-lost"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job := h.job(t, "job-lost")
	if job.State != model.JobStateFailed || !strings.Contains(job.Message, "upload failed") {
		t.Fatalf("job = %s %q", job.State, job.Message)
	}
	if len(h.storage.deleted) != 1 || h.storage.deleted[0] != h.storage.uploadedKey {
		t.Errorf("deleted = %v, want [%s]", h.storage.deleted, h.storage.uploadedKey)
	}
	if h.expirer.key != "" {
		t.Error("expiry scheduled for failed job")
	}
}

func TestRun_InterruptedJobIsFailed(t *testing.T) {
	h := newHarness(t)
	started := time.Now()
	job := &model.Job{
		ID:            "job-int",
		SourceLocator: "https://example.com/v/job-int",
		MediaKind:     model.MediaKindVideo,
		State:         model.JobStateProcessing,
		Progress:      40,
		CreatedAt:     started,
		StartedAt:     &started,
	}
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	leftover := filepath.Join(h.workDir, "job-int", "source.mp4")
	if err := os.MkdirAll(filepath.Dir(leftover), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(leftover, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Run(context.Background(), "job-int"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := h.job(t, "job-int")
	if got.State != model.JobStateFailed || got.Progress != 40 {
		t.Fatalf("job = %s @ %v, want failed @ 40", got.State, got.Progress)
	}
	if !strings.Contains(got.Message, "interrupted") || !strings.Contains(got.Message, "processing") {
		t.Errorf("message = %q", got.Message)
	}
	if h.fetcher.gotCtx != nil {
		t.Error("interrupted job was run again")
	}
	h.assertWorkspaceRemoved(t, "job-int")

	if err := h.orch.Run(context.Background(), "job-int"); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("second delivery err = %v, want ErrNotRunnable", err)
	}
}

func TestRun_NotRunnable(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job-done")
	if err := h.orch.Run(context.Background(), "job-done"); err != nil {
		t.Fatal(err)
	}
	before := len(h.notifier.updates)

	err := h.orch.Run(context.Background(), "job-done")
	if !errors.Is(err, ErrNotRunnable) {
		t.Fatalf("err = %v, want ErrNotRunnable", err)
	}
	if len(h.notifier.updates) != before {
		t.Error("redelivery touched a finished job")
	}
}

func TestRun_UnknownJob(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Run(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRun_LogsJobID(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "job-log")
	if err := h.orch.Run(context.Background(), "job-log"); err != nil {
		t.Fatal(err)
	}

	entries := h.logs.AllEntries()
	if len(entries) == 0 {
		t.Fatal("no log entries")
	}
	for _, e := range entries {
		if e.Data["job_id"] != "job-log" {
			t.Fatalf("entry %q missing job_id", e.Message)
		}
	}
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: model.JobStateVerifyingDownload, Err: ErrDownloadVerificationFailed}
	if got := err.Error(); got != "download verification failed: downloaded file not found or empty" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrDownloadVerificationFailed) {
		t.Error("StageError should unwrap to its cause")
	}
}

func TestWorkspace(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root, "abc")
	if err != nil {
		t.Fatal(err)
	}

	outside := filepath.Join(t.TempDir(), "stray.mp4")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws.Track(outside)
	ws.Track(ws.Path("inside.mp4"))

	if err := ws.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := ws.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	for _, p := range []string{ws.Dir(), outside} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}

	for _, bad := range []string{"", "..", "a/b"} {
		if _, err := NewWorkspace(root, bad); err == nil {
			t.Errorf("NewWorkspace(%q) should fail", bad)
		}
	}
}

func TestWorkspace_Contains(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root, "abc")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{ws.Dir(), true},
		{ws.Path("source.mp4"), true},
		{ws.Path("..hidden"), true},
		{filepath.Join(root, "abcd", "x.mp4"), false},
		{filepath.Join(root, "other.mp4"), false},
	}
	for _, tt := range tests {
		if got := ws.contains(tt.path); got != tt.want {
			t.Errorf("contains(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
