package downloader

import (
	"context"
	"errors"
	"time"
)

type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Job is one submitted download request. It is immutable once it reaches the queue.
type Job struct {
	TaskID              int       `json:"task_id"`
	URL                 string    `json:"url"`
	Quality             string    `json:"quality"`
	Kind                MediaKind `json:"kind"`
	DestinationDir      string    `json:"destination_dir"`
	AddResolutionSuffix bool      `json:"add_resolution_suffix"`
	Container           string    `json:"container"`
}

type ProgressStatus string

const (
	ProgressDownloading ProgressStatus = "downloading"
	ProgressFinished    ProgressStatus = "finished"
)

// Progress is a raw extractor progress callback payload. Nil pointer fields are unknown.
type Progress struct {
	Status             ProgressStatus
	DownloadedBytes    int64
	TotalBytes         *int64
	TotalBytesEstimate *int64
	ETASeconds         *int
	Filename           string
}

type ProgressFunc func(Progress)

// Extractor performs one download attempt for a job and returns the final file path.
type Extractor interface {
	Fetch(ctx context.Context, job Job, progress ProgressFunc) (string, error)
}

// Listener is the UI boundary. Calls are fire and forget and are never made while
// the coordinator lock is held.
type Listener interface {
	OnProgress(taskID int, percent float64, status string, filePath string)
	OnComplete(taskID int)
	OnError(taskID int, message string)
	OnNotify(title string, message string)
}

// Prober looks for a file that a job would overwrite.
type Prober interface {
	ExistingFile(ctx context.Context, job Job) (string, error)
}

// Result is the terminal outcome of a job.
type Result struct {
	FilePath string
	Err      error
}

type TaskState string

const (
	TaskParked  TaskState = "parked"
	TaskQueued  TaskState = "queued"
	TaskConfirm TaskState = "awaiting_confirm"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
)

// TaskEntry is a registry snapshot for one task.
type TaskEntry struct {
	TaskID              int       `json:"task_id"`
	DownloadDir         string    `json:"download_dir"`
	RequestedFormat     string    `json:"requested_format"`
	SourceURL           string    `json:"source_url"`
	LastProgressPercent float64   `json:"last_progress_percent"`
	State               TaskState `json:"state"`
	FilePath            string    `json:"file_path,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

type StartState string

const (
	StartAccepted StartState = "accepted"
	StartQueued   StartState = "queued"
	StartExists   StartState = "exists"
	StartError    StartState = "error"
	StartDropped  StartState = "dropped"
)

// StartResult is the answer to a StartDownload call.
type StartResult struct {
	State   StartState `json:"state"`
	Path    string     `json:"path,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Request is what the UI submits.
type Request struct {
	TaskID  int    `json:"id"`
	URL     string `json:"url"`
	Quality string `json:"quality"`
	Format  string `json:"format"`
}

// BatchItem is one entry of a batch submission. A missing id falls back to the
// item's position in the batch.
type BatchItem struct {
	TaskID  *int   `json:"id"`
	URL     string `json:"url"`
	Quality string `json:"quality"`
	Format  string `json:"format"`
}

type BatchResult struct {
	BatchID string `json:"batch_id"`
	Started int    `json:"started"`
}

const (
	StatusWaiting   = "waiting for identical URL download to finish"
	StatusQueued    = "queued"
	StatusDone      = "done"
	StatusCancelled = "cancelled"

	NotifyTitleComplete = "download complete"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskExists       = errors.New("task id already in use")
	ErrTaskFinished     = errors.New("task already finished")
	ErrNoPendingConfirm = errors.New("no download awaiting confirmation")
	ErrInvalidRequest   = errors.New("invalid download request")
	ErrCancelled        = errors.New("download cancelled")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// NopListener drops every event.
type NopListener struct{}

func (NopListener) OnProgress(int, float64, string, string) {}
func (NopListener) OnComplete(int)                          {}
func (NopListener) OnError(int, string)                     {}
func (NopListener) OnNotify(string, string)                 {}
