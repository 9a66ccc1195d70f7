package downloader

import (
	"fmt"
	"path/filepath"
)

const (
	statusDownloading = "downloading"
	statusEstimated   = "downloading (estimated)"
	statusUnknown     = "downloading (unknown progress)"
)

// Normalize turns a raw extractor callback into a display percent and status text.
func Normalize(p Progress) (float64, string) {
	if p.Status == ProgressFinished {
		return 100, StatusDone
	}

	var percent float64
	status := statusUnknown
	switch {
	case p.TotalBytes != nil && *p.TotalBytes > 0:
		percent = clampPercent(float64(p.DownloadedBytes) / float64(*p.TotalBytes) * 100)
		status = statusDownloading
	case p.TotalBytesEstimate != nil && *p.TotalBytesEstimate > 0:
		percent = clampPercent(float64(p.DownloadedBytes) / float64(*p.TotalBytesEstimate) * 100)
		status = statusEstimated
	}

	if p.ETASeconds != nil {
		if eta := FormatETA(*p.ETASeconds); eta != "" {
			status = fmt.Sprintf("%s - %s remaining", status, eta)
		}
	}
	return percent, status
}

// FormatETA renders seconds as 45s, 2m 5s, 2m, 1h 5m or 1h. Negative input is unknown.
func FormatETA(seconds int) string {
	switch {
	case seconds < 0:
		return ""
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		m, s := seconds/60, seconds%60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		h, m := seconds/3600, (seconds%3600)/60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh %dm", h, m)
	}
}

func RetryStatus(attempt, total int) string {
	return fmt.Sprintf("retrying (attempt %d/%d)", attempt, total)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Reporter forwards normalized progress to the listener and keeps the registry's
// last known percent current.
type Reporter struct {
	Coordinator *Coordinator
	Listener    Listener
}

// Report handles one raw extractor callback for taskID.
func (r *Reporter) Report(taskID int, p Progress) {
	percent, status := Normalize(p)
	if !r.Coordinator.UpdateProgress(taskID, percent) {
		return
	}
	r.Listener.OnProgress(taskID, percent, status, displayPath(p.Filename))
}

// Status sends a status only update that keeps the last displayed percent.
func (r *Reporter) Status(taskID int, status string) {
	percent, ok := r.Coordinator.LastPercent(taskID)
	if !ok {
		return
	}
	r.Listener.OnProgress(taskID, percent, status, "")
}

func displayPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.ToSlash(path)
}
