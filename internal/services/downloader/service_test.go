package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okPath(job Job) string {
	return filepath.Join(job.DestinationDir, fmt.Sprintf("task-%d.%s", job.TaskID, job.Container))
}

func TestStartDownloadBoundedConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentDownloads = 2
	g := newGate()
	gauge := &concurrencyGauge{}

	ctx, svc, rec := startTestService(t, cfg, extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		gauge.enter()
		defer gauge.leave()
		if err := g.wait(ctx); err != nil {
			return "", err
		}
		return okPath(job), nil
	}))

	for i := 1; i <= 6; i++ {
		res := svc.StartDownload(ctx, Request{TaskID: i, URL: fmt.Sprintf("https://example.com/watch?v=%d", i), Quality: "720p", Format: "mp4"})
		require.Equal(t, StartAccepted, res.State)
	}
	require.Eventually(t, func() bool { return gauge.running.Load() == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, gauge.peak.Load())

	g.open()
	require.Eventually(t, func() bool {
		for i := 1; i <= 6; i++ {
			if rec.count("complete", i) != 1 {
				return false
			}
		}
		return true
	}, waitFor, tick)
	assert.EqualValues(t, 2, gauge.peak.Load())
}

// Two requests for the same url: the second waits and only runs once the first
// has finished.
func TestStartDownloadParksIdenticalURL(t *testing.T) {
	const url = "https://example.com/watch?v=same"
	g := newGate()
	var mu sync.Mutex
	var started []int
	var perURL atomic.Int32
	var overlap atomic.Bool

	ctx, svc, rec := startTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		if perURL.Add(1) > 1 {
			overlap.Store(true)
		}
		defer perURL.Add(-1)
		mu.Lock()
		started = append(started, job.TaskID)
		mu.Unlock()
		if job.TaskID == 1 {
			if err := g.wait(ctx); err != nil {
				return "", err
			}
		}
		return okPath(job), nil
	}))

	require.Equal(t, StartAccepted, svc.StartDownload(ctx, Request{TaskID: 1, URL: url}).State)
	require.Eventually(t, func() bool {
		entry, _ := svc.GetTask(1)
		return entry.State == TaskRunning
	}, waitFor, tick)

	res := svc.StartDownload(ctx, Request{TaskID: 2, URL: url})
	require.Equal(t, StartQueued, res.State)
	assert.Equal(t, StatusWaiting, res.Message)
	assert.Equal(t, []string{StatusWaiting}, rec.statuses(2))
	owner, _ := svc.Coordinator.ActiveTask(url)
	assert.Equal(t, 1, owner)
	assert.Equal(t, []int{2}, svc.Coordinator.Waiting(url))

	g.open()
	require.Eventually(t, func() bool { return rec.count("complete", 2) == 1 }, waitFor, tick)
	assert.Equal(t, 1, rec.count("complete", 1))
	assert.False(t, overlap.Load(), "identical urls never run concurrently")

	mu.Lock()
	assert.Equal(t, []int{1, 2}, started)
	mu.Unlock()
	_, active := svc.Coordinator.ActiveTask(url)
	assert.False(t, active)
}

func TestParkedJobsRunInSubmissionOrder(t *testing.T) {
	const url = "https://example.com/watch?v=fifo"
	g := newGate()
	var mu sync.Mutex
	var order []int

	ctx, svc, rec := startTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		mu.Lock()
		order = append(order, job.TaskID)
		mu.Unlock()
		if job.TaskID == 1 {
			if err := g.wait(ctx); err != nil {
				return "", err
			}
		}
		return okPath(job), nil
	}))

	for i := 1; i <= 5; i++ {
		svc.StartDownload(ctx, Request{TaskID: i, URL: url})
	}
	assert.Equal(t, []int{2, 3, 4, 5}, svc.Coordinator.Waiting(url))

	g.open()
	require.Eventually(t, func() bool { return rec.count("complete", 5) == 1 }, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

// A job that fails every attempt reports retry status, then exactly one error
// carrying the last failure, and frees its url.
func TestFailingDownloadExhaustsRetries(t *testing.T) {
	const url = "https://example.com/watch?v=broken"
	var calls atomic.Int32
	ctx, svc, rec := startTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		n := calls.Add(1)
		progress(Progress{Status: ProgressDownloading, DownloadedBytes: 30, TotalBytes: int64p(100)})
		return "", fmt.Errorf("network error %d", n)
	}))

	require.Equal(t, StartAccepted, svc.StartDownload(ctx, Request{TaskID: 9, URL: url}).State)
	require.Eventually(t, func() bool { return rec.count("error", 9) == 1 }, waitFor, tick)

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, "network error 3", rec.of("error", 9)[0].status)
	assert.Zero(t, rec.count("complete", 9))
	assert.Contains(t, rec.statuses(9), "retrying (attempt 2/3)")
	assert.Contains(t, rec.statuses(9), "retrying (attempt 3/3)")
	for _, e := range rec.of("progress", 9) {
		if e.status == "retrying (attempt 2/3)" {
			assert.InDelta(t, 30, e.percent, 0.001, "retry status keeps the last percent")
		}
	}
	assert.Zero(t, rec.count("notify", 0))

	require.Eventually(t, func() bool {
		_, active := svc.Coordinator.ActiveTask(url)
		return !active
	}, waitFor, tick)
}

func TestSuccessfulDownloadEvents(t *testing.T) {
	ctx, svc, rec := startTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		progress(Progress{Status: ProgressDownloading, DownloadedBytes: 50, TotalBytesEstimate: int64p(100), ETASeconds: intp(5)})
		progress(Progress{Status: ProgressFinished, Filename: okPath(job)})
		return okPath(job), nil
	}))

	res := svc.StartDownload(ctx, Request{TaskID: 3, URL: "https://example.com/a", Quality: "best", Format: "mp3"})
	require.Equal(t, StartAccepted, res.State)
	require.Eventually(t, func() bool { return rec.count("complete", 3) == 1 }, waitFor, tick)

	assert.Equal(t, []string{StatusQueued, "downloading (estimated) - 5s remaining", StatusDone, StatusDone}, rec.statuses(3))
	last := rec.of("progress", 3)
	assert.InDelta(t, 100, last[len(last)-1].percent, 0.001)

	require.Eventually(t, func() bool { return rec.count("notify", 0) == 1 }, waitFor, tick)
	notify := rec.of("notify", 0)[0]
	assert.Equal(t, NotifyTitleComplete, notify.status)
	assert.Equal(t, "task-3.mp3", notify.path)

	entry, err := svc.GetTask(3)
	require.NoError(t, err)
	assert.Equal(t, TaskDone, entry.State)
	assert.Equal(t, "mp3", entry.RequestedFormat)
	assert.InDelta(t, 100, entry.LastProgressPercent, 0.001)
}

func TestStartDownloadNormalizesJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.AddResolutionToFilename = true
	svc, _ := newTestService(t, cfg, nil)
	ctx := testContext(t)

	svc.StartDownload(ctx, Request{TaskID: 1, URL: " https://example.com/v ", Quality: "1440p(2K)", Format: "webm"})
	svc.StartDownload(ctx, Request{TaskID: 2, URL: "https://example.com/a", Format: "flac"})

	video, err := svc.Queue.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, Job{
		TaskID:              1,
		URL:                 "https://example.com/v",
		Quality:             "1440",
		Kind:                MediaVideo,
		DestinationDir:      cfg.SaveDir,
		AddResolutionSuffix: true,
		Container:           "webm",
	}, video)

	audio, err := svc.Queue.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, MediaAudio, audio.Kind)
	assert.Equal(t, "320", audio.Quality)
	assert.Equal(t, "flac", audio.Container)
}

func TestStartDownloadRejectsBadRequests(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), nil)
	ctx := testContext(t)

	res := svc.StartDownload(ctx, Request{TaskID: 1, URL: "  "})
	assert.Equal(t, StartError, res.State)

	require.Equal(t, StartAccepted, svc.StartDownload(ctx, Request{TaskID: 2, URL: "https://example.com/x"}).State)
	res = svc.StartDownload(ctx, Request{TaskID: 2, URL: "https://example.com/y"})
	assert.Equal(t, StartError, res.State)
	assert.Contains(t, res.Message, ErrTaskExists.Error())
}

func TestStartDownloadFallsBackToDefaultDir(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.SaveDir = filepath.Join(blocker, "sub")

	svc, _ := newTestService(t, cfg, nil)
	ctx := testContext(t)
	require.Equal(t, StartAccepted, svc.StartDownload(ctx, Request{TaskID: 1, URL: "https://example.com/x"}).State)

	entry, err := svc.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, svc.Options.FallbackDir, entry.DownloadDir)

	svc.Options.FallbackDir = filepath.Join(blocker, "fallback")
	res := svc.StartDownload(ctx, Request{TaskID: 2, URL: "https://example.com/y"})
	assert.Equal(t, StartError, res.State)
}

func TestNotifyCompleteIsIdempotent(t *testing.T) {
	const url = "https://example.com/dup"
	svc, rec := newTestService(t, testConfig(t), nil)
	ctx := testContext(t)

	require.Equal(t, StartAccepted, svc.StartDownload(ctx, Request{TaskID: 1, URL: url}).State)
	require.Equal(t, StartQueued, svc.StartDownload(ctx, Request{TaskID: 2, URL: url}).State)
	require.Equal(t, StartQueued, svc.StartDownload(ctx, Request{TaskID: 3, URL: url}).State)

	svc.NotifyComplete(ctx, 1, url, Result{FilePath: "/tmp/a.mp4"})
	svc.NotifyComplete(ctx, 1, url, Result{FilePath: "/tmp/a.mp4"})
	svc.NotifyComplete(ctx, 1, url, Result{Err: errors.New("late failure")})

	assert.Equal(t, 1, rec.count("complete", 1))
	assert.Zero(t, rec.count("error", 1))
	assert.Equal(t, 1, rec.count("notify", 0))

	owner, _ := svc.Coordinator.ActiveTask(url)
	assert.Equal(t, 2, owner, "duplicate completions promote only once")
	assert.Equal(t, []int{3}, svc.Coordinator.Waiting(url))
	assert.Equal(t, 2, svc.Queue.Len())
}

func TestNotifyCompleteWithoutNotifications(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableNotifications = false
	svc, rec := newTestService(t, cfg, nil)
	ctx := testContext(t)

	svc.StartDownload(ctx, Request{TaskID: 1, URL: "https://example.com/x"})
	svc.NotifyComplete(ctx, 1, "https://example.com/x", Result{FilePath: "/tmp/x.mp4"})

	assert.Equal(t, 1, rec.count("complete", 1))
	assert.Zero(t, rec.count("notify", 0))
}

func TestCancelParkedDownload(t *testing.T) {
	const url = "https://example.com/park"
	g := newGate()
	var calls sync.Map
	ctx, svc, rec := startTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		calls.Store(job.TaskID, true)
		if err := g.wait(ctx); err != nil {
			return "", err
		}
		return okPath(job), nil
	}))

	svc.StartDownload(ctx, Request{TaskID: 1, URL: url})
	require.Equal(t, StartQueued, svc.StartDownload(ctx, Request{TaskID: 2, URL: url}).State)

	require.NoError(t, svc.CancelDownload(ctx, 2))
	assert.Equal(t, []string{ErrCancelled.Error()}, []string{rec.of("error", 2)[0].status})
	assert.Empty(t, svc.Coordinator.Waiting(url))

	g.open()
	require.Eventually(t, func() bool { return rec.count("complete", 1) == 1 }, waitFor, tick)
	_, ran := calls.Load(2)
	assert.False(t, ran)
	assert.Equal(t, 1, rec.count("error", 2))
	assert.ErrorIs(t, svc.CancelDownload(ctx, 2), ErrTaskFinished)
}

func TestCancelQueuedDownloadPromotesWaiter(t *testing.T) {
	const url = "https://example.com/queued"
	svc, rec := newTestService(t, testConfig(t), nil)
	ctx := testContext(t)

	svc.StartDownload(ctx, Request{TaskID: 1, URL: url})
	svc.StartDownload(ctx, Request{TaskID: 2, URL: url})
	require.Equal(t, 1, svc.Queue.Len())

	require.NoError(t, svc.CancelDownload(ctx, 1))
	assert.Equal(t, 1, rec.count("error", 1))

	owner, active := svc.Coordinator.ActiveTask(url)
	require.True(t, active)
	assert.Equal(t, 2, owner)
	job, err := svc.Queue.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.TaskID)
	assert.Equal(t, 0, svc.Queue.Len())
}

func TestCancelQueuedJobAlreadyTakenByWorker(t *testing.T) {
	const url = "https://example.com/raced"
	var calls atomic.Int32
	svc, rec := newTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		calls.Add(1)
		return okPath(job), nil
	}))
	ctx := testContext(t)

	svc.StartDownload(ctx, Request{TaskID: 1, URL: url})
	job, err := svc.Queue.Take(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.CancelDownload(ctx, 1))
	_, active := svc.Coordinator.ActiveTask(url)
	assert.True(t, active, "the worker holding the job still owns the url")

	svc.execute(ctx, job)
	assert.Zero(t, calls.Load())
	_, active = svc.Coordinator.ActiveTask(url)
	assert.False(t, active)
	assert.Equal(t, 1, rec.count("error", 1))
	assert.Zero(t, rec.count("complete", 1))
}

func TestCancelRunningDownload(t *testing.T) {
	const url = "https://example.com/running"
	var calls atomic.Int32
	ctx, svc, rec := startTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	}))

	svc.StartDownload(ctx, Request{TaskID: 1, URL: url})
	svc.StartDownload(ctx, Request{TaskID: 2, URL: url})
	require.Eventually(t, func() bool {
		entry, _ := svc.GetTask(1)
		return entry.State == TaskRunning
	}, waitFor, tick)

	require.NoError(t, svc.CancelDownload(ctx, 1))
	require.Eventually(t, func() bool {
		entry, _ := svc.GetTask(2)
		return entry.State == TaskRunning
	}, waitFor, tick)

	assert.EqualValues(t, 2, calls.Load(), "a cancelled job is not retried")
	assert.Equal(t, 1, rec.count("error", 1))
	assert.Zero(t, rec.count("complete", 1))
	require.NoError(t, svc.CancelDownload(ctx, 2))
}

func TestCancelUnknownTask(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), nil)
	assert.ErrorIs(t, svc.CancelDownload(testContext(t), 404), ErrTaskNotFound)
	_, err := svc.GetTask(404)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestExistingFileNeedsConfirmation(t *testing.T) {
	cfg := testConfig(t)
	existing := filepath.Join(cfg.SaveDir, "old.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0644))

	svc, rec := newTestService(t, cfg, nil)
	svc.Prober = proberFunc(func(ctx context.Context, job Job) (string, error) {
		if job.TaskID == 3 {
			return "", errors.New("lookup failed")
		}
		return existing, nil
	})
	ctx := testContext(t)

	res := svc.StartDownload(ctx, Request{TaskID: 1, URL: "https://example.com/x"})
	require.Equal(t, StartExists, res.State)
	assert.Equal(t, filepath.ToSlash(existing), res.Path)
	entry, _ := svc.GetTask(1)
	assert.Equal(t, TaskConfirm, entry.State)
	assert.Equal(t, 0, svc.Queue.Len())

	res, err := svc.ConfirmRedownload(ctx, 1, true)
	require.NoError(t, err)
	assert.Equal(t, StartAccepted, res.State)
	assert.NoFileExists(t, existing)
	assert.Equal(t, 1, svc.Queue.Len())

	_, err = svc.ConfirmRedownload(ctx, 1, true)
	assert.ErrorIs(t, err, ErrNoPendingConfirm)

	require.Equal(t, StartExists, svc.StartDownload(ctx, Request{TaskID: 2, URL: "https://example.com/y"}).State)
	res, err = svc.ConfirmRedownload(ctx, 2, false)
	require.NoError(t, err)
	assert.Equal(t, StartDropped, res.State)
	entry, _ = svc.GetTask(2)
	assert.Equal(t, TaskDone, entry.State)
	assert.Zero(t, rec.count("error", 2))

	assert.Equal(t, StartAccepted, svc.StartDownload(ctx, Request{TaskID: 3, URL: "https://example.com/z"}).State, "a failed existing file check does not block the download")
}

func TestCancelWhileAwaitingConfirmation(t *testing.T) {
	svc, rec := newTestService(t, testConfig(t), nil)
	svc.Prober = proberFunc(func(ctx context.Context, job Job) (string, error) { return "/tmp/exists.mp4", nil })
	ctx := testContext(t)

	require.Equal(t, StartExists, svc.StartDownload(ctx, Request{TaskID: 1, URL: "https://example.com/x"}).State)
	require.NoError(t, svc.CancelDownload(ctx, 1))
	assert.Equal(t, 1, rec.count("error", 1))

	_, err := svc.ConfirmRedownload(ctx, 1, true)
	assert.ErrorIs(t, err, ErrNoPendingConfirm)
}

func TestSlowPreflightDoesNotBlock(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), nil)
	svc.Options.PreflightTimeout = 30 * time.Millisecond
	svc.Prober = proberFunc(func(ctx context.Context, job Job) (string, error) {
		<-ctx.Done()
		return "/tmp/too-late.mp4", nil
	})

	start := time.Now()
	res := svc.StartDownload(testContext(t), Request{TaskID: 1, URL: "https://example.com/x"})
	assert.Equal(t, StartAccepted, res.State)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStartBatch(t *testing.T) {
	ctx, svc, rec := startTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		return okPath(job), nil
	}))

	ten, eleven := 10, 11
	res := svc.StartBatch(ctx, []BatchItem{
		{TaskID: &ten, URL: "https://example.com/1", Quality: "720p", Format: "mp4"},
		{URL: "  "},
		{TaskID: &eleven, URL: "https://example.com/2", Format: "mp3"},
		{URL: "https://example.com/3"},
	})
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, 3, res.Started)

	require.Eventually(t, func() bool {
		return rec.count("complete", 10) == 1 && rec.count("complete", 11) == 1 && rec.count("complete", 3) == 1
	}, waitFor, tick)
}

// A batch item reusing the id of a live task must not report into that task.
func TestStartBatchLeavesLiveTaskWithSameID(t *testing.T) {
	g := newGate()
	ctx, svc, rec := startTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		if err := g.wait(ctx); err != nil {
			return "", err
		}
		return okPath(job), nil
	}))
	require.Equal(t, StartAccepted, svc.StartDownload(ctx, Request{TaskID: 1, URL: "https://example.com/1"}).State)
	require.Eventually(t, func() bool {
		entry, _ := svc.GetTask(1)
		return entry.State == TaskRunning
	}, waitFor, tick)

	one := 1
	svc.StartBatch(ctx, []BatchItem{{TaskID: &one, URL: "https://example.com/2"}})
	assert.Never(t, func() bool { return rec.count("error", 1) > 0 }, 100*time.Millisecond, tick)

	g.open()
	require.Eventually(t, func() bool { return rec.count("complete", 1) == 1 }, waitFor, tick)
	assert.Zero(t, rec.count("error", 1))
	entry, _ := svc.GetTask(1)
	assert.Equal(t, "https://example.com/1", entry.SourceURL)
}

func TestStartBatchReportsItemsThatFailToStart(t *testing.T) {
	svc, rec := newTestService(t, testConfig(t), nil)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	svc.Options.SaveDir = blocker
	svc.Options.FallbackDir = blocker
	ctx := testContext(t)

	four := 4
	svc.StartBatch(ctx, []BatchItem{{TaskID: &four, URL: "https://example.com/4"}})
	require.Eventually(t, func() bool { return rec.count("error", 4) == 1 }, waitFor, tick)

	entry, err := svc.GetTask(4)
	require.NoError(t, err)
	assert.Equal(t, TaskDone, entry.State)
	svc.NotifyComplete(ctx, 4, "https://example.com/4", Result{Err: errors.New("again")})
	assert.Equal(t, 1, rec.count("error", 4))
}

func TestStartBatchStopsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	svc, _ := newTestService(t, testConfig(t), extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		return okPath(job), nil
	}))
	svc.Options.BatchStagger = 200 * time.Millisecond
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	one, two := 1, 2
	svc.StartBatch(ctx, []BatchItem{
		{TaskID: &one, URL: "https://example.com/1"},
		{TaskID: &two, URL: "https://example.com/2"},
	})
	require.Eventually(t, func() bool {
		_, err := svc.GetTask(1)
		return err == nil
	}, waitFor, tick)
	cancel()

	assert.Never(t, func() bool {
		_, err := svc.GetTask(2)
		return err == nil
	}, 400*time.Millisecond, tick, "staggered items are dropped once the service stops")
}

// Cancelling while the existing file check is still running must leave the
// existing file alone even if the check later finds it.
func TestCancelDuringExistingFileCheck(t *testing.T) {
	cfg := testConfig(t)
	existing := filepath.Join(cfg.SaveDir, "old.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0644))

	svc, rec := newTestService(t, cfg, nil)
	svc.Options.PreflightTimeout = waitFor
	checking := make(chan struct{})
	release := make(chan struct{})
	svc.Prober = proberFunc(func(ctx context.Context, job Job) (string, error) {
		close(checking)
		<-release
		return existing, nil
	})
	ctx := testContext(t)

	result := make(chan StartResult, 1)
	go func() { result <- svc.StartDownload(ctx, Request{TaskID: 7, URL: "https://example.com/7"}) }()
	<-checking
	require.NoError(t, svc.CancelDownload(ctx, 7))
	close(release)

	res := <-result
	assert.Equal(t, StartError, res.State)
	entry, _ := svc.GetTask(7)
	assert.Equal(t, TaskDone, entry.State)

	_, err := svc.ConfirmRedownload(ctx, 7, true)
	assert.ErrorIs(t, err, ErrNoPendingConfirm)
	assert.FileExists(t, existing)
	assert.Equal(t, 1, rec.count("error", 7))
	assert.Equal(t, 0, svc.Queue.Len())
}

// One worker, a job that fails twice before succeeding, and a second request for
// the same URL parked behind it.
func TestRetriedDownloadThenParkedWaiter(t *testing.T) {
	const url = "https://example.com/watch?v=flaky"
	cfg := testConfig(t)
	cfg.MaxConcurrentDownloads = 1
	cfg.RetryCount = 3
	g := newGate()
	var mu sync.Mutex
	var calls []int

	ctx, svc, rec := startTestService(t, cfg, extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		mu.Lock()
		calls = append(calls, job.TaskID)
		n := len(calls)
		mu.Unlock()
		if job.TaskID != 1 {
			return okPath(job), nil
		}
		if n == 1 {
			if err := g.wait(ctx); err != nil {
				return "", err
			}
		}
		if n < 3 {
			return "", fmt.Errorf("transient failure %d", n)
		}
		return okPath(job), nil
	}))

	require.Equal(t, StartAccepted, svc.StartDownload(ctx, Request{TaskID: 1, URL: url}).State)
	require.Eventually(t, func() bool {
		entry, _ := svc.GetTask(1)
		return entry.State == TaskRunning
	}, waitFor, tick)
	require.Equal(t, StartQueued, svc.StartDownload(ctx, Request{TaskID: 2, URL: url}).State)
	assert.Equal(t, []string{StatusWaiting}, rec.statuses(2))

	g.open()
	require.Eventually(t, func() bool { return rec.count("complete", 2) == 1 }, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []int{1, 1, 1, 2}, calls)
	mu.Unlock()
	assert.Equal(t, 1, rec.count("complete", 1))
	assert.Zero(t, rec.count("error", 1))
	assert.Zero(t, rec.count("error", 2))
	assert.Contains(t, rec.statuses(1), "retrying (attempt 2/3)")
	assert.Contains(t, rec.statuses(1), "retrying (attempt 3/3)")
	require.Eventually(t, func() bool {
		_, active := svc.Coordinator.ActiveTask(url)
		return !active
	}, waitFor, tick)
}

func TestServiceResize(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentDownloads = 1
	g := newGate()
	gauge := &concurrencyGauge{}
	ctx, svc, rec := startTestService(t, cfg, extractorFunc(func(ctx context.Context, job Job, progress ProgressFunc) (string, error) {
		gauge.enter()
		defer gauge.leave()
		if err := g.wait(ctx); err != nil {
			return "", err
		}
		return okPath(job), nil
	}))

	for i := 1; i <= 3; i++ {
		svc.StartDownload(ctx, Request{TaskID: i, URL: fmt.Sprintf("https://example.com/%d", i)})
	}
	require.Eventually(t, func() bool { return gauge.running.Load() == 1 }, waitFor, tick)

	svc.Resize(3)
	require.Eventually(t, func() bool { return gauge.running.Load() == 3 }, waitFor, tick)
	g.open()
	require.Eventually(t, func() bool { return rec.count("complete", 3) == 1 }, waitFor, tick)
	assert.Len(t, svc.ListTasks(), 3)
}
