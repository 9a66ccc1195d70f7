package events

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

type Type string

const (
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
	TypeNotify   Type = "notify"
)

// Event is one sequenced UI update.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	TaskID    int       `json:"task_id,omitempty"`
	Percent   float64   `json:"percent,omitempty"`
	Status    string    `json:"status,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Bus keeps the most recent events for pollers. It satisfies downloader.Listener.
type Bus struct {
	ctx       context.Context
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    deque.Deque[Event]
}
