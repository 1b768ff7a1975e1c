package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/framelens/asset-training-backend/alert"
	"github.com/framelens/asset-training-backend/audit"
	"github.com/framelens/asset-training-backend/bus"
	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/lifecycle"
	"github.com/framelens/asset-training-backend/logger"
	"github.com/framelens/asset-training-backend/repository"
	"github.com/framelens/asset-training-backend/vectorindex"
)

const testDim = 8

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&config.Video{}, &config.Frame{}, &config.FrameEmbedding{}, &config.TrainingJob{}, &config.ProcessingLog{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return repository.NewRepository(db)
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: make(map[string][]byte)} }

func (s *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) DeleteBatch(ctx context.Context, keys []string) (int, error) {
	for _, k := range keys {
		_ = s.Delete(ctx, k)
	}
	return len(keys), nil
}

func (s *fakeStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

// fakeEmbedder keys its behavior on the image bytes, which the fixtures
// set to the frame's object key
type fakeEmbedder struct {
	mu            sync.Mutex
	attempts      map[string]int
	failAlways    []string       // substrings of keys that always fail
	failFirstN    map[string]int // key substring -> attempts that fail before succeeding
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{attempts: make(map[string]int), failFirstN: make(map[string]int)}
}

func (e *fakeEmbedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	key := string(image)
	e.mu.Lock()
	e.attempts[key]++
	n := e.attempts[key]
	e.mu.Unlock()

	for _, sub := range e.failAlways {
		if strings.Contains(key, sub) {
			return nil, errors.New("embedding backend unavailable")
		}
	}
	for sub, failures := range e.failFirstN {
		if strings.Contains(key, sub) && n <= failures {
			return nil, errors.New("embedding backend flaked")
		}
	}
	return make([]float32, testDim), nil
}

func (e *fakeEmbedder) attemptedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.attempts)
}

type fakeIndex struct {
	mu         sync.Mutex
	points     map[string][]float32
	deleted    []string
	failDelete map[string]bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: make(map[string][]float32), failDelete: make(map[string]bool)}
}

func (f *fakeIndex) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeIndex) Upsert(ctx context.Context, id string, vector []float32, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[id] = vector
	return nil
}

func (f *fakeIndex) UpsertBatch(ctx context.Context, points []vectorindex.Point) (*vectorindex.BatchResult, error) {
	result := &vectorindex.BatchResult{}
	for _, p := range points {
		_ = f.Upsert(ctx, p.ID, p.Vector, p.Payload)
		result.Success++
	}
	return result, nil
}

func (f *fakeIndex) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete[id] {
		return errors.New("index unavailable")
	}
	delete(f.points, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) DeleteBatch(ctx context.Context, ids []string) (*vectorindex.BatchResult, error) {
	result := &vectorindex.BatchResult{}
	for _, id := range ids {
		if err := f.Delete(ctx, id); err != nil {
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Success++
	}
	return result, nil
}

func (f *fakeIndex) Search(ctx context.Context, vector []float32, limit int, threshold float64, filter map[string]interface{}) ([]vectorindex.Match, error) {
	return nil, nil
}

func (f *fakeIndex) Get(ctx context.Context, id string) (*vectorindex.Match, error) {
	return &vectorindex.Match{ID: id}, nil
}

func (f *fakeIndex) CollectionInfo(ctx context.Context) (*vectorindex.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &vectorindex.CollectionInfo{Count: int64(len(f.points)), Status: "green"}, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []bus.ProgressEvent
}

func (b *fakeBus) Publish(ctx context.Context, event bus.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *fakeBus) StartForwarder(ctx context.Context, onEvent func(bus.ProgressEvent)) error {
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) all() []bus.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.ProgressEvent(nil), b.events...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *fakeNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subjects)
}

var _ alert.Notifier = (*fakeNotifier)(nil)

type fixture struct {
	repo     *repository.Repository
	store    *fakeStore
	index    *fakeIndex
	embedder *fakeEmbedder
	bus      *fakeBus
	notifier *fakeNotifier
	video    *config.Video
	frames   []config.Frame
}

// newFixture seeds a video with n selected frames whose stored bytes
// equal their object key, so fakes can key behavior per frame
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	repo := newTestRepo(t)

	video, err := repo.CreateVideo("plant.mp4", "hash-"+t.Name(), "uploads/plant.mp4", 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.DB().Model(&config.Video{}).Where("id = ?", video.ID).
		Update("status", string(lifecycle.VideoExtracted)).Error; err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	frames := make([]config.Frame, 0, n)
	for i := 1; i <= n; i++ {
		f := repository.NewFrame(video.ID, i,
			fmt.Sprintf("frames/video_%s/frame_%06d.jpg", video.ID, i),
			fmt.Sprintf("frames/video_%s/frame_%06d_thumb.jpg", video.ID, i))
		f.Status = string(lifecycle.FrameSelected)
		frames = append(frames, f)
		store.objects[f.ObjectKey] = []byte(f.ObjectKey)
	}
	if n > 0 {
		if err := repo.CreateFrames(frames); err != nil {
			t.Fatal(err)
		}
	}

	return &fixture{
		repo:     repo,
		store:    store,
		index:    newFakeIndex(),
		embedder: newFakeEmbedder(),
		bus:      &fakeBus{},
		notifier: &fakeNotifier{},
		video:    video,
		frames:   frames,
	}
}

func (fx *fixture) orchestrator(opts Options) *Orchestrator {
	log := logger.NewNop()
	if opts.VectorDim == 0 {
		opts.VectorDim = testDim
	}
	if len(opts.RetryBackoff) == 0 {
		opts.RetryBackoff = []time.Duration{time.Millisecond}
	}
	return NewOrchestrator(fx.repo, fx.store, fx.index, fx.embedder, fx.bus,
		audit.NewRecorder(fx.repo, log), fx.notifier, log, opts)
}

func (fx *fixture) newJob(t *testing.T, session string) *config.TrainingJob {
	t.Helper()
	job, err := fx.repo.CreateTrainingJob(fx.video.ID, session)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestRunTrainsAllFramesInBatches(t *testing.T) {
	fx := newFixture(t, 120)
	o := fx.orchestrator(Options{BatchSize: 50, Workers: 5, CircuitThreshold: 10, MaxRetries: 3})
	job := fx.newJob(t, "session-1")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobCompleted) {
		t.Fatalf("expected completed job, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.TotalFrames != 120 || got.ProcessedFrames != 120 || got.FailedFrames != 0 {
		t.Errorf("unexpected counters: total=%d processed=%d failed=%d",
			got.TotalFrames, got.ProcessedFrames, got.FailedFrames)
	}
	if got.ProcessedFrames+got.FailedFrames != got.TotalFrames {
		t.Error("terminal counter invariant violated")
	}

	trained, _ := fx.repo.ListFrames(fx.video.ID, string(lifecycle.FrameTrained))
	if len(trained) != 120 {
		t.Fatalf("expected 120 trained frames, got %d", len(trained))
	}
	for _, f := range trained {
		if f.PointID == nil || *f.PointID == "" {
			t.Fatalf("trained frame %s has no point id", f.ID)
		}
	}

	fx.index.mu.Lock()
	pointCount := len(fx.index.points)
	fx.index.mu.Unlock()
	if pointCount != 120 {
		t.Errorf("expected 120 indexed vectors, got %d", pointCount)
	}

	var percents []float64
	for _, e := range fx.bus.all() {
		if e.Status == "processing" {
			percents = append(percents, e.Percent)
		}
	}
	want := []float64{41.67, 83.33, 100}
	if len(percents) != len(want) {
		t.Fatalf("expected %d batch events, got %v", len(want), percents)
	}
	for i := range want {
		if percents[i] != want[i] {
			t.Errorf("batch %d percent = %.2f, want %.2f", i+1, percents[i], want[i])
		}
	}
}

func TestCircuitBreakerPausesJobMidBatch(t *testing.T) {
	fx := newFixture(t, 50)
	// The first 10 frames always fail; workers run one at a time so the
	// failure order is deterministic
	for i := 1; i <= 10; i++ {
		fx.embedder.failAlways = append(fx.embedder.failAlways, fmt.Sprintf("frame_%06d.jpg", i))
	}
	o := fx.orchestrator(Options{BatchSize: 50, Workers: 1, CircuitThreshold: 10, MaxRetries: 1})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobPaused) {
		t.Fatalf("expected paused job, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "circuit breaker") {
		t.Errorf("pause reason should mention the circuit breaker: %q", got.ErrorMessage)
	}
	if got.FailedFrames != 10 || got.ProcessedFrames != 0 {
		t.Errorf("unexpected counters: processed=%d failed=%d", got.ProcessedFrames, got.FailedFrames)
	}

	// The remaining 40 frames were never attempted
	if attempted := fx.embedder.attemptedCount(); attempted != 10 {
		t.Errorf("expected exactly 10 frames attempted, got %d", attempted)
	}
	selected, _ := fx.repo.SelectedFrames(fx.video.ID)
	if len(selected) != 50 {
		t.Errorf("failed and untouched frames should all be selected again, got %d", len(selected))
	}
	untouched := 0
	for _, f := range selected {
		if f.TrainingAttempts == 0 {
			untouched++
		}
	}
	if untouched != 40 {
		t.Errorf("expected 40 untouched frames, got %d", untouched)
	}

	if fx.notifier.count() == 0 {
		t.Error("circuit breaker should raise an alert")
	}
}

func TestCircuitBreakerAccumulatesAcrossBatches(t *testing.T) {
	fx := newFixture(t, 15)
	for i := 1; i <= 15; i++ {
		fx.embedder.failAlways = append(fx.embedder.failAlways, fmt.Sprintf("frame_%06d.jpg", i))
	}
	o := fx.orchestrator(Options{BatchSize: 5, Workers: 1, CircuitThreshold: 10, MaxRetries: 1})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobPaused) {
		t.Fatalf("small batches should still trip the breaker, got %s", got.Status)
	}
	if attempted := fx.embedder.attemptedCount(); attempted != 10 {
		t.Errorf("expected the breaker to trip on the 10th failure, attempted=%d", attempted)
	}
}

func TestCleanBatchResetsBreakerCount(t *testing.T) {
	fx := newFixture(t, 15)
	// Batches of 5: failures in batches one and three, batch two clean.
	// 5 + 5 never reaches the threshold because the clean batch resets.
	for i := 1; i <= 5; i++ {
		fx.embedder.failAlways = append(fx.embedder.failAlways, fmt.Sprintf("frame_%06d.jpg", i))
	}
	for i := 11; i <= 15; i++ {
		fx.embedder.failAlways = append(fx.embedder.failAlways, fmt.Sprintf("frame_%06d.jpg", i))
	}
	o := fx.orchestrator(Options{BatchSize: 5, Workers: 1, CircuitThreshold: 10, MaxRetries: 1})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobCompleted) {
		t.Fatalf("breaker should not trip after a clean batch reset, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.ProcessedFrames != 5 || got.FailedFrames != 10 {
		t.Errorf("unexpected counters: processed=%d failed=%d", got.ProcessedFrames, got.FailedFrames)
	}
	if !strings.Contains(got.ErrorMessage, "10 out of 15 frames failed") {
		t.Errorf("warning message missing: %q", got.ErrorMessage)
	}
	// Failure rate above 50 percent raises an alert
	if fx.notifier.count() == 0 {
		t.Error("high failure rate should raise an alert")
	}
}

func TestPartialFailureCompletesWithWarning(t *testing.T) {
	fx := newFixture(t, 35)
	for i := 1; i <= 5; i++ {
		fx.embedder.failAlways = append(fx.embedder.failAlways, fmt.Sprintf("frame_%06d.jpg", i))
	}
	o := fx.orchestrator(Options{BatchSize: 50, Workers: 5, CircuitThreshold: 10, MaxRetries: 1})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobCompleted) {
		t.Fatalf("expected completed status, got %s", got.Status)
	}
	if got.ErrorMessage != "5 out of 35 frames failed" {
		t.Errorf("unexpected warning message: %q", got.ErrorMessage)
	}
	if got.ProcessedFrames+got.FailedFrames != got.TotalFrames {
		t.Error("terminal counter invariant violated")
	}
	// 5 of 35 is below the alert threshold
	if fx.notifier.count() != 0 {
		t.Errorf("no alert expected for a low failure rate, got %d", fx.notifier.count())
	}
}

func TestAllFramesFailingFailsJob(t *testing.T) {
	fx := newFixture(t, 5)
	fx.embedder.failAlways = []string{"frame_"}
	o := fx.orchestrator(Options{BatchSize: 50, Workers: 2, CircuitThreshold: 100, MaxRetries: 1})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobFailed) {
		t.Fatalf("expected failed status when nothing processed, got %s", got.Status)
	}
	if got.ProcessedFrames+got.FailedFrames != got.TotalFrames {
		t.Error("terminal counter invariant violated")
	}
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	fx := newFixture(t, 1)
	fx.embedder.failFirstN["frame_000001.jpg"] = 2 // two flakes, third attempt succeeds
	o := fx.orchestrator(Options{BatchSize: 50, Workers: 1, CircuitThreshold: 10, MaxRetries: 3})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobCompleted) || got.ProcessedFrames != 1 {
		t.Fatalf("expected clean completion after retries, got %s processed=%d", got.Status, got.ProcessedFrames)
	}
}

func TestExhaustedRetriesRevertFrameToSelected(t *testing.T) {
	fx := newFixture(t, 1)
	fx.embedder.failAlways = []string{"frame_000001.jpg"}
	o := fx.orchestrator(Options{BatchSize: 50, Workers: 1, CircuitThreshold: 10, MaxRetries: 3})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	frame, _ := fx.repo.GetFrame(fx.frames[0].ID)
	if frame.Status != string(lifecycle.FrameSelected) {
		t.Errorf("exhausted frame should revert to selected, got %s", frame.Status)
	}
	if frame.TrainingAttempts != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", frame.TrainingAttempts)
	}
	if frame.LastError == "" {
		t.Error("last error should be recorded")
	}
}

func TestEmptySelectionCompletesImmediately(t *testing.T) {
	fx := newFixture(t, 0)
	o := fx.orchestrator(Options{})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobCompleted) || got.TotalFrames != 0 {
		t.Errorf("expected immediate completion with zero total, got %s total=%d", got.Status, got.TotalFrames)
	}
}

func TestConcurrentJobForSameVideoIsPaused(t *testing.T) {
	fx := newFixture(t, 3)
	o := fx.orchestrator(Options{})

	blocker := fx.newJob(t, "")
	if err := fx.repo.UpdateJobStatus(blocker.ID, lifecycle.JobProcessing, ""); err != nil {
		t.Fatal(err)
	}

	job := fx.newJob(t, "")
	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobPaused) {
		t.Fatalf("expected new job paused while another is processing, got %s", got.Status)
	}
	if fx.embedder.attemptedCount() != 0 {
		t.Error("no frame should have been attempted")
	}
}

func TestResumeContinuesFromPaused(t *testing.T) {
	fx := newFixture(t, 20)
	for i := 1; i <= 10; i++ {
		fx.embedder.failAlways = append(fx.embedder.failAlways, fmt.Sprintf("frame_%06d.jpg", i))
	}
	o := fx.orchestrator(Options{BatchSize: 5, Workers: 1, CircuitThreshold: 10, MaxRetries: 1})
	job := fx.newJob(t, "")

	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobPaused) {
		t.Fatalf("expected paused job, got %s", got.Status)
	}

	// The flaky frames recover, then the operator resumes
	fx.embedder.failAlways = nil
	if err := o.Resume(job.ID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err := o.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}

	got, _ = fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobCompleted) {
		t.Fatalf("expected completion after resume, got %s (%s)", got.Status, got.ErrorMessage)
	}
	trained, _ := fx.repo.ListFrames(fx.video.ID, string(lifecycle.FrameTrained))
	if len(trained) != 20 {
		t.Errorf("all frames should end up trained, got %d", len(trained))
	}
}

func TestResumeRejectedFromTerminalState(t *testing.T) {
	fx := newFixture(t, 1)
	o := fx.orchestrator(Options{})
	job := fx.newJob(t, "")
	if err := fx.repo.UpdateJobStatus(job.ID, lifecycle.JobProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if err := fx.repo.UpdateJobStatus(job.ID, lifecycle.JobCompleted, ""); err != nil {
		t.Fatal(err)
	}

	var transErr *lifecycle.TransitionError
	if err := o.Resume(job.ID); !errors.As(err, &transErr) {
		t.Fatalf("resume from completed should be rejected, got %v", err)
	}
	got, _ := fx.repo.GetTrainingJob(job.ID)
	if got.Status != string(lifecycle.JobCompleted) {
		t.Errorf("rejected resume must not change state, got %s", got.Status)
	}
}
