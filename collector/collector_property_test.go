package collector

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/canonical/chopsticks/types"
)

func recordFromSeed(seed int) types.OperationRecord {
	rec := types.OperationRecord{
		OperationType: types.OperationTypes[seed%len(types.OperationTypes)],
		Success:       seed%4 != 0,
		Duration:      time.Duration(seed%5000) * time.Millisecond,
		SizeBytes:     int64(seed % 65536),
	}
	if !rec.Success {
		rec.ErrorMessage = []string{"timeout", "NoSuchKey", "", "503 Slow Down"}[(seed/4)%4]
	}
	return rec
}

func TestProperty_SummaryCounts(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("total equals success plus failure and matches per-type and per-error counts", prop.ForAll(
		func(seeds []int) bool {
			c := testCollector(WithWindow(time.Millisecond))
			for _, seed := range seeds {
				if err := c.RecordOperation(recordFromSeed(seed)); err != nil {
					return false
				}
			}
			s := c.GetSummary()
			if s.Total != int64(len(seeds)) || s.Total != s.Success+s.Failure {
				return false
			}
			var perType, perError int64
			for _, ts := range s.ByType {
				perType += ts.Count
				if ts.Count != ts.Success+ts.Failure {
					return false
				}
			}
			for _, n := range s.ByError {
				perError += n
			}
			return perType == s.Total && perError == s.Failure
		},
		gen.SliceOf(gen.IntRange(0, 1_000_000)),
	))

	properties.Property("ingestion order does not change the summary", prop.ForAll(
		func(seeds []int) bool {
			forward := testCollector()
			reverse := testCollector()
			for i := range seeds {
				_ = forward.RecordOperation(recordFromSeed(seeds[i]))
				_ = reverse.RecordOperation(recordFromSeed(seeds[len(seeds)-1-i]))
			}
			a, b := forward.GetSummary(), reverse.GetSummary()
			if a.Total != b.Total || a.Success != b.Success || a.TotalBytes != b.TotalBytes {
				return false
			}
			da, db := a.Duration, b.Duration
			if da.Min != db.Min || da.Max != db.Max || da.P50 != db.P50 || da.P99 != db.P99 {
				return false
			}
			// Float sums depend on addition order.
			if math.Abs(da.Mean-db.Mean) > 1e-9 {
				return false
			}
			for op, ts := range a.ByType {
				other := b.ByType[op]
				if ts.Count != other.Count || ts.Bytes != other.Bytes {
					return false
				}
			}
			for cat, n := range a.ByError {
				if b.ByError[cat] != n {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1_000_000)),
	))

	properties.TestingRun(t)
}
