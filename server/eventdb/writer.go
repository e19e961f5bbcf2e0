package eventdb

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
)

var ErrMalformedItem = errors.New("Queue item has neither an event nor a snapshot")

// How long the writer waits for an item before checking whether it should exit
const WriterPollInterval = time.Second

// Item is one message on the event queue.
// Exactly one of Event or Snapshot must be set.
type Item struct {
	Event    *TrackingEvent
	Snapshot *Snapshot
}

// Store is the part of EventDB that the Writer needs
type Store interface {
	InsertEvent(ev *TrackingEvent) error
	InsertSnapshot(s *Snapshot) error
}

type WriterStats struct {
	Written   int64 `json:"written"`   // Items successfully stored
	Retried   int64 `json:"retried"`   // Failed writes that were retried
	Dropped   int64 `json:"dropped"`   // Items that could not be stored, even after retrying
	Malformed int64 `json:"malformed"` // Items that were neither an event nor a snapshot
	Queued    int   `json:"queued"`    // Items waiting in the queue
}

// Writer is the single consumer of the event queue.
// Every store write happens on the writer goroutine, so the store never sees concurrent writes.
type Writer struct {
	log     logs.Log
	store   Store
	queue   chan Item
	retries int

	mustStop    atomic.Bool
	started     atomic.Bool
	alive       atomic.Bool
	loopStopped chan bool

	nWritten   atomic.Int64
	nRetried   atomic.Int64
	nDropped   atomic.Int64
	nMalformed atomic.Int64

	lastErrorLog time.Time
}

// NewWriter creates a writer with a queue of the given capacity.
// A failed write is retried immediately, up to 'retries' times. Negative retries means no retries.
func NewWriter(log logs.Log, store Store, queueSize, retries int) *Writer {
	return &Writer{
		log:         logs.NewPrefixLogger(log, "Writer:"),
		store:       store,
		queue:       make(chan Item, queueSize),
		retries:     max(retries, 0),
		loopStopped: make(chan bool),
	}
}

// Queue is the channel that producers send to
func (w *Writer) Queue() chan<- Item {
	return w.queue
}

func (w *Writer) Start() {
	if w.started.Swap(true) {
		return
	}
	w.alive.Store(true)
	go w.loop()
}

// Stop tells the writer to exit once the queue is empty, and returns immediately
func (w *Writer) Stop() {
	w.mustStop.Store(true)
}

// Close stops the writer and waits for it to drain the queue
func (w *Writer) Close() {
	w.Stop()
	if w.started.Load() {
		<-w.loopStopped
	}
}

// Alive is true while the writer goroutine is running
func (w *Writer) Alive() bool {
	return w.alive.Load()
}

// Done is closed when the writer goroutine exits, whether normally or by panic
func (w *Writer) Done() <-chan bool {
	return w.loopStopped
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written:   w.nWritten.Load(),
		Retried:   w.nRetried.Load(),
		Dropped:   w.nDropped.Load(),
		Malformed: w.nMalformed.Load(),
		Queued:    len(w.queue),
	}
}

func (w *Writer) loop() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Criticalf("Writer panic: %v", r)
		}
		w.alive.Store(false)
		close(w.loopStopped)
	}()

	w.log.Infof("Starting")
	for {
		if w.mustStop.Load() && len(w.queue) == 0 {
			break
		}
		select {
		case item := <-w.queue:
			w.write(item)
		case <-time.After(WriterPollInterval):
		}
	}
	st := w.Stats()
	w.log.Infof("Stopped. %v written, %v dropped, %v malformed", st.Written, st.Dropped, st.Malformed)
}

func (w *Writer) write(item Item) {
	if (item.Event == nil) == (item.Snapshot == nil) {
		w.nMalformed.Add(1)
		w.logError("%v", ErrMalformedItem)
		return
	}
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt != 0 {
			w.nRetried.Add(1)
		}
		if item.Event != nil {
			err = w.store.InsertEvent(item.Event)
		} else {
			err = w.store.InsertSnapshot(item.Snapshot)
		}
		if err == nil {
			w.nWritten.Add(1)
			return
		}
	}
	w.nDropped.Add(1)
	w.logError("Dropping %v after %v attempts: %v", describe(item), w.retries+1, err)
}

// Don't flood the logs if the store is down
func (w *Writer) logError(format string, args ...any) {
	now := time.Now()
	if now.Sub(w.lastErrorLog) < 15*time.Second {
		return
	}
	w.lastErrorLog = now
	w.log.Errorf(format, args...)
}

func describe(item Item) string {
	if item.Event != nil {
		return fmt.Sprintf("event (camera %v, track %v, zone %v)", item.Event.CameraID, item.Event.TrackID, item.Event.Zone)
	}
	return fmt.Sprintf("snapshot (camera %v, track %v, zone %v)", item.Snapshot.CameraID, item.Snapshot.TrackID, item.Snapshot.Zone)
}
