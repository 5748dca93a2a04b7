// Package journal persists settlement events to durable storage so the
// engine's history survives restarts and can be replayed to consumers.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/pairex/perp/pkg/perp"
)

// Record is the stored envelope around one engine event.
type Record struct {
	Seq       uint64          `json:"seq"`
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"`
	Event     json.RawMessage `json:"event"`
}

// Journal buffers engine events and flushes them to the database in batches.
// It implements perp.EventSink, so it plugs straight into the engine's sink
// fan-out. Publish never blocks the engine.
type Journal struct {
	logger log.Logger
	db     database.Database

	buffer   []*Record
	bufferMu sync.Mutex
	seq      uint64

	flushEvery time.Duration

	totalStored uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a journal writing to db.
func New(logger log.Logger, db database.Database) *Journal {
	ctx, cancel := context.WithCancel(context.Background())
	return &Journal{
		logger:     logger,
		db:         db,
		buffer:     make([]*Record, 0, 256),
		flushEvery: 100 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the background flusher.
func (j *Journal) Start() error {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("event journal started")
	return nil
}

// Stop flushes outstanding records and shuts down.
func (j *Journal) Stop() {
	j.cancel()
	j.wg.Wait()
	j.flush()
	j.logger.Info("event journal stopped", "stored", atomic.LoadUint64(&j.totalStored))
}

// Publish implements perp.EventSink.
func (j *Journal) Publish(ev perp.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		j.logger.Error("failed to marshal event", "name", ev.EventName(), "error", err)
		return
	}
	j.bufferMu.Lock()
	j.seq++
	j.buffer = append(j.buffer, &Record{
		Seq:       j.seq,
		Name:      ev.EventName(),
		Timestamp: time.Now().UnixNano(),
		Event:     payload,
	})
	j.bufferMu.Unlock()
}

// run flushes the buffer on a short ticker.
func (j *Journal) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.flush()
		}
	}
}

// flush writes buffered records in one batch.
func (j *Journal) flush() {
	j.bufferMu.Lock()
	if len(j.buffer) == 0 {
		j.bufferMu.Unlock()
		return
	}
	pending := j.buffer
	j.buffer = make([]*Record, 0, 256)
	j.bufferMu.Unlock()

	batch := j.db.NewBatch()
	defer batch.Reset()

	for _, rec := range pending {
		value, err := json.Marshal(rec)
		if err != nil {
			j.logger.Error("failed to marshal record", "seq", rec.Seq, "error", err)
			continue
		}
		if err := batch.Put([]byte(recordKey(rec.Seq)), value); err != nil {
			j.logger.Error("failed to batch record", "seq", rec.Seq, "error", err)
		}
	}
	if err := batch.Write(); err != nil {
		j.logger.Error("failed to flush journal batch", "records", len(pending), "error", err)
		return
	}
	atomic.AddUint64(&j.totalStored, uint64(len(pending)))
}

// Events returns stored records with sequence >= from, up to limit.
func (j *Journal) Events(from uint64, limit int) ([]*Record, error) {
	j.flush()

	out := make([]*Record, 0, limit)
	iter := j.db.NewIteratorWithPrefix([]byte("event:"))
	defer iter.Release()

	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Seq < from {
			continue
		}
		out = append(out, &rec)
		if len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// LastSeq returns the sequence number of the most recently accepted event.
func (j *Journal) LastSeq() uint64 {
	j.bufferMu.Lock()
	defer j.bufferMu.Unlock()
	return j.seq
}

// GetStats returns journal statistics.
func (j *Journal) GetStats() map[string]interface{} {
	j.bufferMu.Lock()
	buffered := len(j.buffer)
	j.bufferMu.Unlock()
	return map[string]interface{}{
		"stored":   atomic.LoadUint64(&j.totalStored),
		"buffered": buffered,
	}
}

// recordKey builds a fixed-width key so iteration order follows sequence
// order.
func recordKey(seq uint64) string {
	return fmt.Sprintf("event:%020d", seq)
}
