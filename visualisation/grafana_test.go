package visualisation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/chopsticks/storage"
	"github.com/canonical/chopsticks/types"
)

var metricName = regexp.MustCompile(`chopsticks_[a-z_]+`)

// fullSummary exercises every metric family, host gauges included.
func fullSummary() types.Summary {
	buckets := make([]uint64, len(types.DurationBuckets))
	for i := range buckets {
		buckets[i] = 1
	}
	return types.Summary{
		Config:      types.NewTestConfiguration("s", "s3", "memory", 2),
		Total:       1,
		Success:     1,
		SuccessRate: 100,
		TotalBytes:  10,
		Buckets:     buckets,
		ByType: map[types.OperationType]types.TypeSummary{
			types.OpUpload: {Count: 1, Success: 1, Bytes: 10, DurationSum: 0.001, Buckets: buckets},
		},
		ByError: map[types.ErrorCategory]int64{types.ErrTimeout: 1},
		System:  &types.SystemSample{CPUPercent: 1, MemoryPercent: 2, Timestamp: time.Now()},
	}
}

func TestDashboardQueriesExportedMetrics(t *testing.T) {
	text, err := storage.Render(fullSummary())
	require.NoError(t, err)

	dashboard := CreateDashboard()
	require.NotEmpty(t, dashboard.Dashboard.Panels)

	ids := map[int]bool{}
	for _, p := range dashboard.Dashboard.Panels {
		assert.False(t, ids[p.ID], "duplicate panel id %d", p.ID)
		ids[p.ID] = true
		require.NotEmpty(t, p.Targets, p.Title)
		for _, target := range p.Targets {
			names := metricName.FindAllString(target.Expr, -1)
			require.NotEmpty(t, names, target.Expr)
			for _, name := range names {
				assert.Contains(t, text, "\n"+name, "panel %q queries %s", p.Title, name)
			}
		}
	}
}

func TestSaveDashboard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grafana", "chopsticks.json")
	require.NoError(t, SaveDashboard(CreateDashboard(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "}\n"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	dash := decoded["dashboard"].(map[string]interface{})
	assert.Equal(t, "Chopsticks", dash["title"])
	assert.Equal(t, true, decoded["overwrite"])

	panels := dash["panels"].([]interface{})
	first := panels[0].(map[string]interface{})
	thresholds := first["fieldConfig"].(map[string]interface{})["defaults"].(map[string]interface{})["thresholds"].(map[string]interface{})
	base := thresholds["steps"].([]interface{})[0].(map[string]interface{})
	assert.Nil(t, base["value"], "base threshold step has a null value")
}
