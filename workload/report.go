package workload

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/canonical/chopsticks/storage"
	"github.com/canonical/chopsticks/types"
)

var rule = strings.Repeat("=", 80)

// PrintSummary writes a human-readable run summary.
func PrintSummary(w io.Writer, s types.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "\n%s\n", rule)
	fmt.Fprintf(tw, "Run %s (scenario %s, driver %s)\n", s.Config.RunID, s.Config.ScenarioName, s.Config.DriverName)
	fmt.Fprintf(tw, "%s\n", rule)
	if s.Empty() {
		fmt.Fprintln(tw, "No operations recorded")
		return tw.Flush()
	}

	fmt.Fprintf(tw, "Elapsed\t%.1fs\n", s.ElapsedSeconds)
	fmt.Fprintf(tw, "Operations\t%d (%d ok, %d failed, %.1f%% success, %.1f ops/s)\n",
		s.Total, s.Success, s.Failure, s.SuccessRate, s.OpsPerSecond)
	fmt.Fprintf(tw, "Transferred\t%.2f MB (%.2f MB/s)\n", s.TotalMB(), s.ThroughputMBps())
	d := s.Duration
	fmt.Fprintf(tw, "Latency\tmean %s  min %s  p50 %s  p90 %s  p95 %s  p99 %s  max %s\n",
		ms(d.Mean), ms(d.Min), ms(d.P50), ms(d.P90), ms(d.P95), ms(d.P99), ms(d.Max))
	if s.Rejected > 0 {
		fmt.Fprintf(tw, "Rejected\t%d\n", s.Rejected)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "OPERATION\tCOUNT\tSUCCESS\tFAILURE\tBYTES")
	for _, op := range types.OperationTypes {
		ts, ok := s.ByType[op]
		if !ok || ts.Count == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", op, ts.Count, ts.Success, ts.Failure, ts.Bytes)
	}

	if categories := storage.SortedCategories(s); len(categories) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ERROR\tCOUNT")
		for _, c := range categories {
			fmt.Fprintf(tw, "%s\t%d\n", c, s.ByError[c])
		}
	}
	fmt.Fprintf(tw, "%s\n", rule)
	return tw.Flush()
}

func ms(seconds float64) string {
	return fmt.Sprintf("%.2fms", seconds*1000)
}
