package downloader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gcottom/go-zaplog"
	"github.com/oldfish/oldfish-dl/config"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type extractorFunc func(ctx context.Context, job Job, progress ProgressFunc) (string, error)

func (f extractorFunc) Fetch(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
	return f(ctx, job, progress)
}

type proberFunc func(ctx context.Context, job Job) (string, error)

func (f proberFunc) ExistingFile(ctx context.Context, job Job) (string, error) {
	return f(ctx, job)
}

type event struct {
	kind    string
	taskID  int
	percent float64
	status  string
	path    string
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnProgress(taskID int, percent float64, status string, filePath string) {
	r.add(event{kind: "progress", taskID: taskID, percent: percent, status: status, path: filePath})
}

func (r *recorder) OnComplete(taskID int) {
	r.add(event{kind: "complete", taskID: taskID})
}

func (r *recorder) OnError(taskID int, message string) {
	r.add(event{kind: "error", taskID: taskID, status: message})
}

func (r *recorder) OnNotify(title string, message string) {
	r.add(event{kind: "notify", status: title, path: message})
}

func (r *recorder) of(kind string, taskID int) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.kind == kind && (kind == "notify" || e.taskID == taskID) {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(kind string, taskID int) int {
	return len(r.of(kind, taskID))
}

func (r *recorder) statuses(taskID int) []string {
	var out []string
	for _, e := range r.of("progress", taskID) {
		out = append(out, e.status)
	}
	return out
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(zaplog.CreateAndInject(context.Background()))
	t.Cleanup(cancel)
	return ctx
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.SaveDir = t.TempDir()
	cfg.MaxConcurrentDownloads = 3
	cfg.RetryCount = 3
	cfg.EnableNotifications = true
	return cfg
}

// newTestService builds a service around ext without starting the pool.
func newTestService(t *testing.T, cfg *config.Config, ext Extractor) (*Service, *recorder) {
	rec := &recorder{}
	svc := NewService(cfg, ext, nil, rec)
	svc.Options.FallbackDir = t.TempDir()
	svc.Options.BatchStagger = 0
	return svc, rec
}

// startTestService starts the pool and stops it again when the test ends.
func startTestService(t *testing.T, cfg *config.Config, ext Extractor) (context.Context, *Service, *recorder) {
	ctx, cancel := context.WithCancel(zaplog.CreateAndInject(context.Background()))
	svc, rec := newTestService(t, cfg, ext)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})
	return ctx, svc, rec
}

// gate blocks extractor calls until opened.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func int64p(v int64) *int64 { return &v }
func intp(v int) *int       { return &v }
