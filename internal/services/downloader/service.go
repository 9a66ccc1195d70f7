package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gcottom/go-zaplog"
	"github.com/google/uuid"
	"github.com/oldfish/oldfish-dl/config"
	"github.com/oldfish/oldfish-dl/internal"
	"go.uber.org/zap"
)

const defaultBatchStagger = 500 * time.Millisecond

type Options struct {
	SaveDir             string
	FallbackDir         string
	AddResolutionSuffix bool
	EnableNotifications bool
	// PreflightTimeout bounds the existing file check. Zero skips the check.
	PreflightTimeout time.Duration
	BatchStagger     time.Duration
}

// Service is the entry point for the UI: it normalizes requests, runs them
// through the coordinator and drives them to completion on the worker pool.
type Service struct {
	Queue       *JobQueue
	Coordinator *Coordinator
	Pool        *Pool
	Reporter    *Reporter
	Retrier     *Retrier
	Listener    Listener
	Prober      Prober
	Options     Options

	base context.Context
}

func NewService(cfg *config.Config, extractor Extractor, prober Prober, listener Listener) *Service {
	if listener == nil {
		listener = NopListener{}
	}
	coord := NewCoordinator(cfg.MaxTrackedTasks)
	s := &Service{
		Queue:       NewJobQueue(),
		Coordinator: coord,
		Reporter:    &Reporter{Coordinator: coord, Listener: listener},
		Retrier:     &Retrier{Extractor: extractor, Attempts: cfg.RetryCount, Delay: cfg.RetryDelay()},
		Listener:    listener,
		Prober:      prober,
		Options: Options{
			SaveDir:             cfg.SaveDir,
			FallbackDir:         config.DefaultSaveDir,
			AddResolutionSuffix: cfg.AddResolutionToFilename,
			EnableNotifications: cfg.EnableNotifications,
			PreflightTimeout:    cfg.PreflightTimeout(),
			BatchStagger:        defaultBatchStagger,
		},
	}
	s.Pool = NewPool(s.Queue, cfg.MaxConcurrentDownloads, s.execute)
	return s
}

func (s *Service) Start(ctx context.Context) error {
	zaplog.InfoC(ctx, "starting download workers", zap.Int("workers", s.Pool.Size()))
	if err := s.Pool.Start(ctx); err != nil {
		return err
	}
	s.base = ctx
	return nil
}

func (s *Service) Stop() {
	s.Pool.Stop()
}

func (s *Service) Resize(n int) {
	s.Pool.Resize(n)
}

// StartDownload registers the task and either enqueues it, parks it behind an
// identical URL, or holds it for an overwrite decision.
func (s *Service) StartDownload(ctx context.Context, req Request) StartResult {
	res, _, _ := s.start(ctx, req)
	return res
}

// start is StartDownload with the failure spelled out: err is set whenever the
// result is StartError, and recorded tells whether taskID was registered by this call.
func (s *Service) start(ctx context.Context, req Request) (res StartResult, recorded bool, err error) {
	zaplog.InfoC(ctx, "start download", zap.Int("task_id", req.TaskID), zap.String("url", req.URL), zap.String("quality", req.Quality), zap.String("format", req.Format))
	job, err := s.buildJob(ctx, req)
	if err != nil {
		zaplog.ErrorC(ctx, "failed to build download job", zap.Int("task_id", req.TaskID), zap.Error(err))
		return StartResult{State: StartError, Message: err.Error()}, false, err
	}
	if err = s.Coordinator.RecordStart(job.TaskID, job.DestinationDir, req.Format, job.URL); err != nil {
		zaplog.ErrorC(ctx, "failed to record download task", zap.Int("task_id", job.TaskID), zap.Error(err))
		return StartResult{State: StartError, Message: err.Error()}, false, err
	}

	if existing := s.preflight(ctx, job); existing != "" {
		if err = s.Coordinator.HoldForConfirm(job, existing); err != nil {
			zaplog.WarnC(ctx, "task finished during existing file check", zap.Int("task_id", job.TaskID), zap.Error(err))
			return StartResult{State: StartError, Message: err.Error()}, true, err
		}
		zaplog.InfoC(ctx, "target file already exists", zap.Int("task_id", job.TaskID), zap.String("path", existing))
		return StartResult{State: StartExists, Path: displayPath(existing)}, true, nil
	}
	res, err = s.admit(ctx, job)
	return res, true, err
}

// ConfirmRedownload resolves a task held by StartDownload. With overwrite the old
// file is removed and the job is admitted, otherwise the task is dropped.
func (s *Service) ConfirmRedownload(ctx context.Context, taskID int, overwrite bool) (StartResult, error) {
	job, existing, err := s.Coordinator.TakeConfirm(taskID)
	if err != nil {
		return StartResult{}, err
	}
	if !overwrite {
		zaplog.InfoC(ctx, "redownload declined", zap.Int("task_id", taskID))
		s.Coordinator.MarkComplete(taskID, "")
		return StartResult{State: StartDropped, Path: displayPath(existing)}, nil
	}
	if err = os.Remove(existing); err != nil && !errors.Is(err, os.ErrNotExist) {
		zaplog.ErrorC(ctx, "failed to remove existing file", zap.Int("task_id", taskID), zap.String("path", existing), zap.Error(err))
		if herr := s.Coordinator.HoldForConfirm(job, existing); herr != nil {
			zaplog.WarnC(ctx, "task finished while removing existing file", zap.Int("task_id", taskID), zap.Error(herr))
		}
		return StartResult{}, fmt.Errorf("remove existing file: %w", err)
	}
	zaplog.InfoC(ctx, "removed existing file", zap.Int("task_id", taskID), zap.String("path", existing))
	res, _ := s.admit(ctx, job)
	return res, nil
}

// StartBatch submits items one after another, spaced by the batch stagger so a
// playlist does not hit the extractor all at once.
func (s *Service) StartBatch(ctx context.Context, items []BatchItem) BatchResult {
	out := BatchResult{BatchID: uuid.NewString()}
	bctx := s.detached(ctx)
	for idx, item := range items {
		url := strings.TrimSpace(item.URL)
		if url == "" {
			continue
		}
		req := Request{TaskID: idx, URL: url, Quality: item.Quality, Format: item.Format}
		if item.TaskID != nil {
			req.TaskID = *item.TaskID
		}
		go s.startDelayed(bctx, out.BatchID, time.Duration(out.Started)*s.Options.BatchStagger, req)
		out.Started++
	}
	zaplog.InfoC(ctx, "batch download submitted", zap.String("batch_id", out.BatchID), zap.Int("items", len(items)), zap.Int("started", out.Started))
	return out
}

func (s *Service) startDelayed(ctx context.Context, batchID string, delay time.Duration, req Request) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			zaplog.InfoC(ctx, "batch item dropped on shutdown", zap.String("batch_id", batchID), zap.Int("task_id", req.TaskID))
			return
		}
	}
	_, recorded, err := s.start(ctx, req)
	if err == nil {
		return
	}
	zaplog.WarnC(ctx, "batch item failed to start", zap.String("batch_id", batchID), zap.Int("task_id", req.TaskID), zap.Error(err))
	if errors.Is(err, ErrTaskExists) {
		// the id belongs to another task, which reports for itself
		return
	}
	if !recorded {
		if rerr := s.Coordinator.RecordStart(req.TaskID, s.Options.SaveDir, req.Format, req.URL); rerr != nil {
			zaplog.WarnC(ctx, "failed to record batch item", zap.String("batch_id", batchID), zap.Int("task_id", req.TaskID), zap.Error(rerr))
			return
		}
	}
	s.NotifyComplete(ctx, req.TaskID, req.URL, Result{Err: err})
}

// CancelDownload stops taskID wherever it is: parked, held for confirmation,
// queued or running. The task is reported as cancelled exactly once.
func (s *Service) CancelDownload(ctx context.Context, taskID int) error {
	c, err := s.Coordinator.Cancel(taskID)
	if err != nil {
		zaplog.WarnC(ctx, "cancel rejected", zap.Int("task_id", taskID), zap.Error(err))
		return err
	}
	zaplog.InfoC(ctx, "cancelling download", zap.Int("task_id", taskID), zap.String("state", string(c.State)))
	switch c.State {
	case TaskQueued:
		// a worker that already took the job sees the cancel in BeginRun and releases the url itself
		if _, removed := s.Queue.Remove(taskID); removed {
			s.promote(ctx, c.URL, taskID)
		}
	case TaskRunning:
		if c.Stop != nil {
			c.Stop()
		}
	}
	s.Listener.OnError(taskID, ErrCancelled.Error())
	return nil
}

// NotifyComplete records the terminal outcome of a task, releases its URL and
// promotes the next waiter. Only the first call per task reaches the listener;
// repeated calls are harmless.
func (s *Service) NotifyComplete(ctx context.Context, taskID int, url string, res Result) {
	first := s.Coordinator.MarkComplete(taskID, res.FilePath)
	if first {
		if res.Err == nil {
			s.Listener.OnProgress(taskID, 100, StatusDone, displayPath(res.FilePath))
			s.Listener.OnComplete(taskID)
		} else {
			s.Listener.OnError(taskID, res.Err.Error())
		}
	}

	s.promote(ctx, url, taskID)

	if first && res.Err == nil && s.Options.EnableNotifications {
		s.Listener.OnNotify(NotifyTitleComplete, filepath.Base(res.FilePath))
	}
}

func (s *Service) GetTask(taskID int) (TaskEntry, error) {
	entry, ok := s.Coordinator.Get(taskID)
	if !ok {
		return TaskEntry{}, fmt.Errorf("get task %d: %w", taskID, ErrTaskNotFound)
	}
	return entry, nil
}

func (s *Service) ListTasks() []TaskEntry {
	return s.Coordinator.List()
}

func (s *Service) admit(ctx context.Context, job Job) (StartResult, error) {
	parked, err := s.Coordinator.Admit(job)
	if err != nil {
		zaplog.WarnC(ctx, "download no longer admissible", zap.Int("task_id", job.TaskID), zap.Error(err))
		return StartResult{State: StartError, Message: err.Error()}, err
	}
	if parked {
		zaplog.InfoC(ctx, "download parked behind identical url", zap.Int("task_id", job.TaskID), zap.String("url", job.URL))
		s.Listener.OnProgress(job.TaskID, 0, StatusWaiting, "")
		return StartResult{State: StartQueued, Message: StatusWaiting}, nil
	}
	s.Reporter.Status(job.TaskID, StatusQueued)
	s.Queue.Submit(job)
	return StartResult{State: StartAccepted}, nil
}

func (s *Service) promote(ctx context.Context, url string, taskID int) {
	next, ok := s.Coordinator.Release(url, taskID)
	if !ok {
		return
	}
	zaplog.InfoC(ctx, "promoting waiting download", zap.Int("task_id", next.TaskID), zap.String("url", url))
	s.Reporter.Status(next.TaskID, StatusQueued)
	s.Queue.Submit(next)
}

func (s *Service) execute(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !s.Coordinator.BeginRun(job.TaskID, cancel) {
		zaplog.InfoC(ctx, "skipping cancelled download", zap.Int("task_id", job.TaskID))
		s.NotifyComplete(ctx, job.TaskID, job.URL, Result{Err: ErrCancelled})
		return
	}

	zaplog.InfoC(ctx, "download started", zap.Int("task_id", job.TaskID), zap.String("url", job.URL))
	res := s.Retrier.Run(jobCtx, job,
		func(p Progress) { s.Reporter.Report(job.TaskID, p) },
		func(attempt, total int) { s.Reporter.Status(job.TaskID, RetryStatus(attempt, total)) },
	)
	s.Coordinator.EndRun(job.TaskID)

	if res.Err != nil {
		zaplog.ErrorC(ctx, "download failed", zap.Int("task_id", job.TaskID), zap.Error(res.Err))
	} else {
		zaplog.InfoC(ctx, "download finished", zap.Int("task_id", job.TaskID), zap.String("path", res.FilePath))
	}
	s.NotifyComplete(ctx, job.TaskID, job.URL, res)
}

func (s *Service) buildJob(ctx context.Context, req Request) (Job, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return Job{}, fmt.Errorf("empty url: %w", ErrInvalidRequest)
	}
	dir, err := s.resolveDir(ctx)
	if err != nil {
		return Job{}, err
	}

	audio := internal.IsAudioFormat(req.Format)
	kind := MediaVideo
	if audio {
		kind = MediaAudio
	}
	return Job{
		TaskID:              req.TaskID,
		URL:                 url,
		Quality:             internal.NormalizeQuality(req.Quality, audio),
		Kind:                kind,
		DestinationDir:      dir,
		AddResolutionSuffix: s.Options.AddResolutionSuffix,
		Container:           internal.ContainerFor(req.Format, audio),
	}, nil
}

// resolveDir makes sure the save directory exists, falling back to the default
// directory when the configured one cannot be created.
func (s *Service) resolveDir(ctx context.Context) (string, error) {
	dir := s.Options.SaveDir
	if dir == "" {
		dir = s.Options.FallbackDir
	}
	err := os.MkdirAll(dir, 0755)
	if err == nil {
		return dir, nil
	}
	if dir == s.Options.FallbackDir {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	zaplog.WarnC(ctx, "failed to create save dir, using fallback", zap.String("dir", dir), zap.String("fallback", s.Options.FallbackDir), zap.Error(err))
	if err = os.MkdirAll(s.Options.FallbackDir, 0755); err != nil {
		return "", fmt.Errorf("create fallback download dir: %w", err)
	}
	return s.Options.FallbackDir, nil
}

// preflight asks the prober whether the job would overwrite a file. A slow or
// failing probe never blocks the download.
func (s *Service) preflight(ctx context.Context, job Job) string {
	if s.Prober == nil || s.Options.PreflightTimeout <= 0 {
		return ""
	}
	pctx, cancel := context.WithTimeout(s.detached(ctx), s.Options.PreflightTimeout)
	defer cancel()

	type probe struct {
		path string
		err  error
	}
	found := make(chan probe, 1)
	go func() {
		path, err := s.Prober.ExistingFile(pctx, job)
		found <- probe{path: path, err: err}
	}()

	select {
	case p := <-found:
		if p.err != nil {
			zaplog.WarnC(ctx, "existing file check failed", zap.Int("task_id", job.TaskID), zap.Error(p.err))
			return ""
		}
		return p.path
	case <-pctx.Done():
		zaplog.WarnC(ctx, "existing file check timed out", zap.Int("task_id", job.TaskID), zap.Duration("timeout", s.Options.PreflightTimeout))
		return ""
	}
}

// detached returns a context for work that outlives the caller's request.
func (s *Service) detached(ctx context.Context) context.Context {
	if s.base != nil {
		return s.base
	}
	return context.WithoutCancel(ctx)
}
