package events

import (
	"context"
	"time"

	"github.com/gcottom/go-zaplog"
	"go.uber.org/zap"
)

const defaultMaxEvents = 500

// NewBus creates a bus holding at most maxEvents events. ctx carries the logger.
func NewBus(ctx context.Context, maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &Bus{ctx: ctx, maxEvents: maxEvents}
}

// Publish assigns the next sequence number and stores e, dropping the oldest
// event once the buffer is full.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	e.Seq = b.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.events.PushBack(e)
	for b.events.Len() > b.maxEvents {
		b.events.PopFront()
	}
	return e
}

// Since returns the events with a sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, b.events.Len())
	for i := 0; i < b.events.Len(); i++ {
		if e := b.events.At(i); e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

func (b *Bus) OnProgress(taskID int, percent float64, status string, filePath string) {
	b.Publish(Event{Type: TypeProgress, TaskID: taskID, Percent: percent, Status: status, FilePath: filePath})
}

func (b *Bus) OnComplete(taskID int) {
	zaplog.InfoC(b.ctx, "download complete", zap.Int("task_id", taskID))
	b.Publish(Event{Type: TypeComplete, TaskID: taskID, Percent: 100})
}

func (b *Bus) OnError(taskID int, message string) {
	zaplog.WarnC(b.ctx, "download error", zap.Int("task_id", taskID), zap.String("message", message))
	b.Publish(Event{Type: TypeError, TaskID: taskID, Message: message})
}

func (b *Bus) OnNotify(title string, message string) {
	zaplog.InfoC(b.ctx, "notification", zap.String("title", title), zap.String("message", message))
	b.Publish(Event{Type: TypeNotify, Title: title, Message: message})
}
