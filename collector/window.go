package collector

import (
	"math"
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/canonical/chopsticks/types"
)

// Histogram bounds, in microseconds. Two significant figures keep each
// window histogram at a few tens of kilobytes; quantiles are accurate to
// within 1% of the reported value.
const (
	histLowest  = 1
	histHighest = int64(time.Hour / time.Microsecond)
	histSigFigs = 2
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(histLowest, histHighest, histSigFigs)
}

func durationMicros(d time.Duration) int64 {
	us := d.Microseconds()
	if us > histHighest {
		return histHighest
	}
	return us
}

// typeAgg accumulates the records of one operation type inside a window.
// buckets holds per-bucket (non-cumulative) counts aligned with
// types.DurationBuckets plus a trailing +Inf slot.
type typeAgg struct {
	count       int64
	success     int64
	bytes       int64
	durationSum float64
	buckets     []uint64
}

func newTypeAgg() *typeAgg {
	return &typeAgg{buckets: make([]uint64, len(types.DurationBuckets)+1)}
}

func (t *typeAgg) clone() *typeAgg {
	c := *t
	c.buckets = append([]uint64(nil), t.buckets...)
	return &c
}

func (t *typeAgg) merge(o *typeAgg) {
	t.count += o.count
	t.success += o.success
	t.bytes += o.bytes
	t.durationSum += o.durationSum
	for i, n := range o.buckets {
		t.buckets[i] += n
	}
}

func bucketIndex(seconds float64) int {
	return sort.SearchFloat64s(types.DurationBuckets, seconds)
}

// window is one aggregation bucket. The current window is mutated only
// under the collector lock; once closed it is never written again.
type window struct {
	start time.Time
	end   time.Time

	count       int64
	success     int64
	bytes       int64
	durationSum float64
	minDuration time.Duration
	maxDuration time.Duration

	hist    *hdrhistogram.Histogram
	byType  map[types.OperationType]*typeAgg
	byError map[types.ErrorCategory]int64
}

func newWindow(start time.Time) *window {
	return &window{
		start:       start,
		minDuration: time.Duration(math.MaxInt64),
		hist:        newHistogram(),
		byType:      make(map[types.OperationType]*typeAgg),
		byError:     make(map[types.ErrorCategory]int64),
	}
}

// add folds one validated record into the window. O(1).
func (w *window) add(rec types.OperationRecord, category types.ErrorCategory) {
	seconds := rec.Duration.Seconds()

	w.count++
	w.bytes += rec.SizeBytes
	w.durationSum += seconds
	if rec.Duration < w.minDuration {
		w.minDuration = rec.Duration
	}
	if rec.Duration > w.maxDuration {
		w.maxDuration = rec.Duration
	}
	// Values are clamped to the trackable range so this cannot fail.
	_ = w.hist.RecordValue(durationMicros(rec.Duration))

	agg, ok := w.byType[rec.OperationType]
	if !ok {
		agg = newTypeAgg()
		w.byType[rec.OperationType] = agg
	}
	agg.count++
	agg.bytes += rec.SizeBytes
	agg.durationSum += seconds
	agg.buckets[bucketIndex(seconds)]++

	if rec.Success {
		w.success++
		agg.success++
	} else {
		w.byError[category]++
	}
}

// snapshot deep-copies the window. Only the histogram counts are copied
// here; rebuilding the histogram is left to the caller so it can happen
// outside the collector lock.
func (w *window) snapshot() windowCopy {
	c := windowCopy{
		start:       w.start,
		end:         w.end,
		count:       w.count,
		success:     w.success,
		bytes:       w.bytes,
		durationSum: w.durationSum,
		minDuration: w.minDuration,
		maxDuration: w.maxDuration,
		hist:        w.hist.Export(),
		byType:      make(map[types.OperationType]*typeAgg, len(w.byType)),
		byError:     make(map[types.ErrorCategory]int64, len(w.byError)),
	}
	for k, v := range w.byType {
		c.byType[k] = v.clone()
	}
	for k, v := range w.byError {
		c.byError[k] = v
	}
	return c
}

// windowCopy is a detached copy of the open window.
type windowCopy struct {
	start, end  time.Time
	count       int64
	success     int64
	bytes       int64
	durationSum float64
	minDuration time.Duration
	maxDuration time.Duration
	hist        *hdrhistogram.Snapshot
	byType      map[types.OperationType]*typeAgg
	byError     map[types.ErrorCategory]int64
}

func (c windowCopy) window() *window {
	return &window{
		start:       c.start,
		end:         c.end,
		count:       c.count,
		success:     c.success,
		bytes:       c.bytes,
		durationSum: c.durationSum,
		minDuration: c.minDuration,
		maxDuration: c.maxDuration,
		hist:        hdrhistogram.Import(c.hist),
		byType:      c.byType,
		byError:     c.byError,
	}
}

// mergeInto adds w into dst. dst must be a private aggregate; w is only read.
func (w *window) mergeInto(dst *window) {
	if dst.start.IsZero() || (!w.start.IsZero() && w.start.Before(dst.start)) {
		dst.start = w.start
	}
	if w.end.After(dst.end) {
		dst.end = w.end
	}
	dst.count += w.count
	dst.success += w.success
	dst.bytes += w.bytes
	dst.durationSum += w.durationSum
	if w.minDuration < dst.minDuration {
		dst.minDuration = w.minDuration
	}
	if w.maxDuration > dst.maxDuration {
		dst.maxDuration = w.maxDuration
	}
	dst.hist.Merge(w.hist)
	for k, v := range w.byType {
		agg, ok := dst.byType[k]
		if !ok {
			agg = newTypeAgg()
			dst.byType[k] = agg
		}
		agg.merge(v)
	}
	for k, v := range w.byError {
		dst.byError[k] += v
	}
}

// WindowSnapshot is the read-only view of a closed window.
type WindowSnapshot struct {
	Start       time.Time
	End         time.Time
	Count       int64
	Success     int64
	TotalBytes  int64
	P50         time.Duration
	P99         time.Duration
	ErrorCounts map[types.ErrorCategory]int64
}

func (w *window) view() WindowSnapshot {
	s := WindowSnapshot{
		Start:       w.start,
		End:         w.end,
		Count:       w.count,
		Success:     w.success,
		TotalBytes:  w.bytes,
		P50:         time.Duration(w.hist.ValueAtQuantile(50)) * time.Microsecond,
		P99:         time.Duration(w.hist.ValueAtQuantile(99)) * time.Microsecond,
		ErrorCounts: make(map[types.ErrorCategory]int64, len(w.byError)),
	}
	for k, v := range w.byError {
		s.ErrorCounts[k] = v
	}
	return s
}
