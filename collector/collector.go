// Package collector ingests operation records from many concurrent workers
// and folds them into fixed-length aggregation windows. A bounded history
// of closed windows is kept; older windows are folded into a single archive
// aggregate so run-wide totals never lose data.
//
// The open window is the only shared mutable state. Writers hold the lock
// for counter increments and an O(1) histogram update; readers copy the open
// window under the same lock and do all merging and percentile math after
// releasing it.
package collector

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/types"
)

const (
	DefaultWindow      = 10 * time.Second
	DefaultRetention   = 360
	DefaultRecordLimit = 1_000_000

	// recordChunk is the capacity of one block of retained records.
	recordChunk = 4096
	DefaultSinkBuffer  = 10000
)

// RecordSink receives every accepted record, asynchronously. Sinks are
// written from a single goroutine and closed by Finalize.
type RecordSink interface {
	WriteRecord(rec types.OperationRecord) error
	Close() error
}

// Option configures a Collector.
type Option func(*Collector)

// WithWindow sets the aggregation window length.
func WithWindow(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.windowLen = d
		}
	}
}

// WithRetention bounds the number of closed windows kept individually.
func WithRetention(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.retention = n
		}
	}
}

// WithRecordLimit bounds the number of raw records kept for file export.
// Records past the limit still count in every aggregate.
func WithRecordLimit(n int) Option {
	return func(c *Collector) {
		if n >= 0 {
			c.recordLimit = n
		}
	}
}

// WithClock overrides the time source used for windows without a record
// timestamp and for run elapsed time.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSink streams every accepted record to sink through a buffered
// channel. A full buffer drops the record for the sink only.
func WithSink(sink RecordSink, buffer int) Option {
	return func(c *Collector) {
		if buffer <= 0 {
			buffer = DefaultSinkBuffer
		}
		c.sink = sink
		c.sinkCh = make(chan types.OperationRecord, buffer)
	}
}

// Collector is safe for concurrent use.
type Collector struct {
	config      types.TestConfiguration
	windowLen   time.Duration
	retention   int
	recordLimit int
	now         func() time.Time
	logger      *slog.Logger

	mu         sync.Mutex
	started    time.Time
	current    *window
	history    []*window
	archive    *window
	archived   int
	records    [][]types.OperationRecord
	retained   int
	unretained int64
	finalized  bool
	system     *types.SystemSample

	rejected atomic.Int64

	sink        RecordSink
	sinkCh      chan types.OperationRecord
	sinkDone    chan struct{}
	sinkDropped atomic.Int64
}

// New creates a collector for one run and opens its first window.
func New(cfg types.TestConfiguration, opts ...Option) *Collector {
	c := &Collector{
		config:      cfg,
		windowLen:   DefaultWindow,
		retention:   DefaultRetention,
		recordLimit: DefaultRecordLimit,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.started = c.now()
	c.current = newWindow(c.started)
	c.logger = c.logger.With("run_id", cfg.RunID)

	if c.sink != nil {
		c.sinkDone = make(chan struct{})
		go c.drainSink()
	}
	return c
}

// Config returns the run configuration.
func (c *Collector) Config() types.TestConfiguration {
	return c.config
}

// WindowLength returns the configured aggregation window.
func (c *Collector) WindowLength() time.Duration {
	return c.windowLen
}

// RecordOperation validates and ingests one record. An invalid record is
// logged, counted as rejected and dropped; the returned error is purely
// informational and callers on the hot path may ignore it.
func (c *Collector) RecordOperation(rec types.OperationRecord) error {
	if err := rec.Validate(); err != nil {
		c.rejected.Add(1)
		c.logger.Warn("dropping invalid operation record",
			"operation", rec.OperationType, "error", err)
		return err
	}

	// Everything that allocates or classifies happens before the lock.
	if len(rec.Metadata) > 0 {
		md := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}
	category := rec.Category()
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = c.now()
		rec.Timestamp = ts
	}

	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		c.rejected.Add(1)
		return errs.New(errs.KindClosed, "collector.record", "collector is finalized")
	}
	if !ts.Before(c.current.start.Add(c.windowLen)) {
		c.rotateLocked(ts)
	}
	c.current.add(rec, category)
	if c.retained < c.recordLimit {
		c.retainLocked(rec)
	} else {
		c.unretained++
	}
	if c.sinkCh != nil {
		select {
		case c.sinkCh <- rec:
		default:
			if c.sinkDropped.Add(1) == 1 {
				c.logger.Warn("record sink buffer full, dropping records for sink")
			}
		}
	}
	c.mu.Unlock()
	return nil
}

// retainLocked stores rec for file export. Records live in fixed-capacity
// chunks, so retaining one never copies the ones before it. Must hold c.mu.
func (c *Collector) retainLocked(rec types.OperationRecord) {
	n := len(c.records)
	if n == 0 || len(c.records[n-1]) == cap(c.records[n-1]) {
		size := recordChunk
		if left := c.recordLimit - c.retained; left < size {
			size = left
		}
		c.records = append(c.records, make([]types.OperationRecord, 0, size))
		n++
	}
	c.records[n-1] = append(c.records[n-1], rec)
	c.retained++
}

// rotateLocked closes the current window and opens the one containing ts.
// Windows are half-open, [start, start+W): a record stamped exactly at
// start+W opens the next window. Idle periods longer than one window are
// absorbed into the closed window's end so windows stay contiguous. Must
// hold c.mu.
func (c *Collector) rotateLocked(ts time.Time) {
	old := c.current
	steps := ts.Sub(old.start) / c.windowLen
	next := old.start.Add(steps * c.windowLen)
	old.end = next

	c.appendHistoryLocked(old)
	c.current = newWindow(next)
}

// appendHistoryLocked appends a closed window, folding the oldest windows
// into the archive when retention is exceeded. The archive and the history
// slice are replaced, never modified in place, because readers hold
// references to them outside the lock.
func (c *Collector) appendHistoryLocked(w *window) {
	c.history = append(c.history, w)
	if len(c.history) <= c.retention {
		return
	}

	overflow := len(c.history) - c.retention
	archive := newWindow(time.Time{})
	if c.archive != nil {
		c.archive.mergeInto(archive)
	}
	for _, old := range c.history[:overflow] {
		old.mergeInto(archive)
	}
	c.archive = archive
	c.archived += overflow

	kept := make([]*window, c.retention, c.retention+1)
	copy(kept, c.history[overflow:])
	c.history = kept
}

// GetSummary returns a run-wide summary covering the archive, the closed
// windows and the open window. Safe to call concurrently with writers.
// Until Finalize the summary ends at the current clock reading, so elapsed
// time and rates keep moving on an idle collector.
func (c *Collector) GetSummary() types.Summary {
	c.mu.Lock()
	history := c.history
	archive := c.archive
	archived := c.archived
	finalized := c.finalized
	unretained := c.unretained
	var open *windowCopy
	if c.current != nil {
		cp := c.current.snapshot()
		open = &cp
	}
	var system *types.SystemSample
	if c.system != nil {
		s := *c.system
		system = &s
	}
	c.mu.Unlock()

	agg := newWindow(time.Time{})
	if archive != nil {
		archive.mergeInto(agg)
	}
	for _, w := range history {
		w.mergeInto(agg)
	}
	if open != nil {
		open.window().mergeInto(agg)
	}
	if agg.start.IsZero() {
		agg.start = c.started
	}

	end := agg.end
	if !finalized {
		end = c.now()
	}

	s := summarize(c.config, agg, agg.start, end)
	s.Windows = archived + len(history)
	s.Rejected = c.rejected.Load()
	s.Unretained = unretained
	s.System = system
	return s
}

// Windows returns views of the closed windows still held individually,
// oldest first. Windows folded into the archive are not included.
func (c *Collector) Windows() []WindowSnapshot {
	c.mu.Lock()
	history := c.history
	c.mu.Unlock()

	views := make([]WindowSnapshot, 0, len(history))
	for _, w := range history {
		views = append(views, w.view())
	}
	return views
}

// Records returns the retained raw records in arrival order.
func (c *Collector) Records() []types.OperationRecord {
	c.mu.Lock()
	chunks := make([][]types.OperationRecord, len(c.records))
	copy(chunks, c.records)
	total := c.retained
	c.mu.Unlock()

	records := make([]types.OperationRecord, 0, total)
	for _, chunk := range chunks {
		records = append(records, chunk...)
	}
	return records
}

// RecordSystemSample stores the latest host resource sample.
func (c *Collector) RecordSystemSample(sample types.SystemSample) {
	c.mu.Lock()
	c.system = &sample
	c.mu.Unlock()
}

// Finalize closes the open window into history and flushes the sink.
// Calling it more than once has no further effect.
func (c *Collector) Finalize() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	last := c.current
	c.current = nil
	last.end = c.now()
	if last.end.Before(last.start) {
		last.end = last.start
	}
	c.appendHistoryLocked(last)
	if c.sinkCh != nil {
		close(c.sinkCh)
	}
	c.mu.Unlock()

	if c.sinkDone != nil {
		<-c.sinkDone
		if err := c.sink.Close(); err != nil {
			c.logger.Error("closing record sink", "error", err)
		}
	}
	if dropped := c.sinkDropped.Load(); dropped > 0 {
		c.logger.Warn("record sink dropped records", "count", dropped)
	}
	c.logger.Info("collector finalized", "windows", c.archived+len(c.history))
}

func (c *Collector) drainSink() {
	defer close(c.sinkDone)
	for rec := range c.sinkCh {
		if err := c.sink.WriteRecord(rec); err != nil {
			c.logger.Error("writing record to sink", "error", err)
		}
	}
}

// summarize turns a merged aggregate into a Summary.
func summarize(cfg types.TestConfiguration, agg *window, start, end time.Time) types.Summary {
	s := types.Summary{
		Config:     cfg,
		StartTime:  start,
		EndTime:    end,
		Total:      agg.count,
		Success:    agg.success,
		Failure:    agg.count - agg.success,
		TotalBytes: agg.bytes,
		Buckets:    make([]uint64, len(types.DurationBuckets)),
		ByType:     make(map[types.OperationType]types.TypeSummary, len(agg.byType)),
		ByError:    make(map[types.ErrorCategory]int64, len(agg.byError)),
	}

	if elapsed := end.Sub(start).Seconds(); elapsed > 0 {
		s.ElapsedSeconds = elapsed
		s.Throughput = float64(agg.bytes) / elapsed
		s.OpsPerSecond = float64(agg.count) / elapsed
	}
	if agg.count > 0 {
		s.SuccessRate = float64(agg.success) / float64(agg.count) * 100
		s.Duration = types.DurationStats{
			Mean: agg.durationSum / float64(agg.count),
			Min:  agg.minDuration.Seconds(),
			Max:  agg.maxDuration.Seconds(),
			P50:  quantileSeconds(agg, 50),
			P90:  quantileSeconds(agg, 90),
			P95:  quantileSeconds(agg, 95),
			P99:  quantileSeconds(agg, 99),
		}
	}

	for op, t := range agg.byType {
		ts := types.TypeSummary{
			Count:       t.count,
			Success:     t.success,
			Failure:     t.count - t.success,
			Bytes:       t.bytes,
			DurationSum: t.durationSum,
			Buckets:     cumulative(t.buckets),
		}
		for i, n := range ts.Buckets {
			s.Buckets[i] += n
		}
		s.ByType[op] = ts
	}
	for k, v := range agg.byError {
		s.ByError[k] = v
	}
	return s
}

func quantileSeconds(agg *window, q float64) float64 {
	return float64(agg.hist.ValueAtQuantile(q)) / 1e6
}

// cumulative converts per-bucket counts into the cumulative counts expected
// by exposition histograms, dropping the +Inf slot.
func cumulative(perBucket []uint64) []uint64 {
	out := make([]uint64, len(types.DurationBuckets))
	var running uint64
	for i := range out {
		running += perBucket[i]
		out[i] = running
	}
	return out
}
