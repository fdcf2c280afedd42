package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/auto/internal/db"
)

const (
	// Buffer flushes when it reaches this size
	bufferSizeThreshold = 10
	// Buffer flushes automatically every 5 seconds
	flushInterval = 5 * time.Second
)

// EventSink receives batches of persisted events. *db.Store satisfies it.
type EventSink interface {
	AppendEvents(events []*db.EventRecord) error
}

// PersistentPublisher wraps MemoryPublisher and adds event_log persistence.
// Subscribers keep real-time delivery while every event is also buffered and
// written to the store for later replay via `auto events`.
type PersistentPublisher struct {
	inner       *MemoryPublisher
	sink        EventSink
	runID       string
	buffer      []*db.EventRecord
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	logger      *slog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewPersistentPublisher creates a publisher that persists events for the
// given pipeline run. A nil sink disables persistence.
func NewPersistentPublisher(sink EventSink, runID string, logger *slog.Logger, opts ...PublisherOption) *PersistentPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	p := &PersistentPublisher{
		inner:  NewMemoryPublisher(opts...),
		sink:   sink,
		runID:  runID,
		buffer: make([]*db.EventRecord, 0, bufferSizeThreshold),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	p.flushTicker = time.NewTicker(flushInterval)
	p.wg.Add(1)
	go p.flushLoop()

	return p
}

// SetRunID binds the run identity events persist under. The CLI calls this
// once the pipeline has created (or resolved) its run row; records buffered
// before the binding are stamped retroactively.
func (p *PersistentPublisher) SetRunID(runID string) {
	p.bufferMu.Lock()
	defer p.bufferMu.Unlock()

	p.runID = runID
	for _, rec := range p.buffer {
		if rec.PipelineRunID == "" {
			rec.PipelineRunID = runID
		}
	}
}

// Publish sends an event to subscribers and buffers it for persistence.
func (p *PersistentPublisher) Publish(event Event) {
	// Broadcast to subscribers first (real-time delivery)
	p.inner.Publish(event)

	if p.sink == nil {
		return
	}

	record := p.eventToRecord(event)

	p.bufferMu.Lock()
	record.PipelineRunID = p.runID
	p.buffer = append(p.buffer, record)
	shouldFlush := len(p.buffer) >= bufferSizeThreshold
	p.bufferMu.Unlock()

	if shouldFlush {
		p.flush()
	}

	// Run completion is the last event; make sure it hits the store.
	if event.Type == EventRunComplete {
		p.flush()
	}
}

// Subscribe returns a channel that receives events for the given story.
func (p *PersistentPublisher) Subscribe(storyKey string) <-chan Event {
	return p.inner.Subscribe(storyKey)
}

// Unsubscribe removes a subscription channel.
func (p *PersistentPublisher) Unsubscribe(storyKey string, ch <-chan Event) {
	p.inner.Unsubscribe(storyKey, ch)
}

// Close shuts down the publisher, flushes remaining events, and releases
// resources. Close is idempotent and safe to call multiple times.
func (p *PersistentPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.flushTicker.Stop()
		p.wg.Wait()

		// Final flush
		p.flush()

		p.inner.Close()
	})
}

// flushLoop runs in the background and flushes the buffer on each tick.
func (p *PersistentPublisher) flushLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.flushTicker.C:
			p.flush()
		case <-p.stopCh:
			return
		}
	}
}

// flush writes buffered events to the store in a single batch.
func (p *PersistentPublisher) flush() {
	p.bufferMu.Lock()
	if len(p.buffer) == 0 {
		p.bufferMu.Unlock()
		return
	}

	// Swap buffer for new empty one
	toFlush := p.buffer
	p.buffer = make([]*db.EventRecord, 0, bufferSizeThreshold)
	p.bufferMu.Unlock()

	// Write to the store outside the lock
	if err := p.sink.AppendEvents(toFlush); err != nil {
		p.logger.Error("failed to persist events", "error", err, "count", len(toFlush))
		// Don't retry - just log and continue to prevent memory buildup
	}
}

// eventToRecord converts an Event to an EventRecord for storage. The run ID
// is stamped by the caller under bufferMu, since it may be bound late.
func (p *PersistentPublisher) eventToRecord(e Event) *db.EventRecord {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		payload = []byte("{}")
	}

	storyKey := e.StoryKey
	if storyKey == GlobalKey {
		storyKey = ""
	}

	return &db.EventRecord{
		StoryKey:  storyKey,
		EventType: string(e.Type),
		Payload:   string(payload),
		CreatedAt: e.Time.UTC(),
	}
}
