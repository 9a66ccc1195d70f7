package extractor

import (
	"time"

	"github.com/oldfish/oldfish-dl/internal/services/downloader"
)

// tracker turns byte counts from the stream copy into progress callbacks,
// throttled to one per interval except for the final chunk.
type tracker struct {
	progress downloader.ProgressFunc
	filename string
	estimate int64
	interval time.Duration
	now      func() time.Time
	start    time.Time
	last     time.Time
}

func newTracker(progress downloader.ProgressFunc, filename string, estimate int64) *tracker {
	return &tracker{
		progress: progress,
		filename: filename,
		estimate: estimate,
		interval: progressInterval,
		now:      time.Now,
	}
}

func (t *tracker) update(written, total int64) {
	now := t.now()
	if t.start.IsZero() {
		t.start = now
	}
	final := total > 0 && written >= total
	if !t.last.IsZero() && now.Sub(t.last) < t.interval && !final {
		return
	}
	t.last = now

	p := downloader.Progress{Status: downloader.ProgressDownloading, DownloadedBytes: written, Filename: t.filename}
	size := total
	if total > 0 {
		p.TotalBytes = &total
	} else if t.estimate > 0 {
		size = t.estimate
		p.TotalBytesEstimate = &size
	}

	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 && written > 0 && size > written {
		eta := int(float64(size-written) / (float64(written) / elapsed))
		p.ETASeconds = &eta
	}
	t.progress(p)
}
