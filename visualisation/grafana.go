// Package visualisation generates a Grafana dashboard for the metrics the
// chopsticks exporter exposes.
package visualisation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canonical/chopsticks/storage"
)

// GrafanaDashboard is the import envelope Grafana's dashboard API accepts.
type GrafanaDashboard struct {
	Dashboard DashboardConfig `json:"dashboard"`
	FolderID  int             `json:"folderId"`
	Overwrite bool            `json:"overwrite"`
}

// DashboardConfig represents the dashboard configuration
type DashboardConfig struct {
	ID            interface{} `json:"id"`
	UID           string      `json:"uid,omitempty"`
	Title         string      `json:"title"`
	Tags          []string    `json:"tags"`
	Style         string      `json:"style"`
	Timezone      string      `json:"timezone"`
	Panels        []Panel     `json:"panels"`
	Time          TimeRange   `json:"time"`
	Timepicker    Timepicker  `json:"timepicker"`
	Templating    Templating  `json:"templating"`
	Annotations   Annotations `json:"annotations"`
	Refresh       string      `json:"refresh"`
	SchemaVersion int         `json:"schemaVersion"`
	Version       int         `json:"version"`
	Links         []Link      `json:"links"`
}

// Panel represents a Grafana panel
type Panel struct {
	ID          int         `json:"id"`
	Title       string      `json:"title"`
	Type        string      `json:"type"`
	GridPos     GridPos     `json:"gridPos"`
	Targets     []Target    `json:"targets"`
	FieldConfig FieldConfig `json:"fieldConfig"`
	Options     interface{} `json:"options,omitempty"`
}

// GridPos represents panel grid position
type GridPos struct {
	H int `json:"h"`
	W int `json:"w"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Target represents a query target
type Target struct {
	Expr         string `json:"expr"`
	LegendFormat string `json:"legendFormat,omitempty"`
	RefID        string `json:"refId"`
}

// FieldConfig represents field configuration
type FieldConfig struct {
	Defaults Defaults `json:"defaults"`
}

// Defaults represents default field settings
type Defaults struct {
	Color      Color         `json:"color"`
	Custom     Custom        `json:"custom"`
	Mappings   []interface{} `json:"mappings"`
	Thresholds Thresholds    `json:"thresholds"`
	Unit       string        `json:"unit"`
	Min        *float64      `json:"min,omitempty"`
	Max        *float64      `json:"max,omitempty"`
}

// Color represents color configuration
type Color struct {
	Mode string `json:"mode"`
}

// Custom holds the timeseries draw settings.
type Custom struct {
	AxisPlacement     string            `json:"axisPlacement"`
	DrawStyle         string            `json:"drawStyle"`
	FillOpacity       int               `json:"fillOpacity"`
	GradientMode      string            `json:"gradientMode"`
	HideFrom          HideFrom          `json:"hideFrom"`
	LineInterpolation string            `json:"lineInterpolation"`
	LineWidth         int               `json:"lineWidth"`
	PointSize         int               `json:"pointSize"`
	ScaleDistribution ScaleDistribution `json:"scaleDistribution"`
	ShowPoints        string            `json:"showPoints"`
	SpanNulls         bool              `json:"spanNulls"`
	Stacking          Stacking          `json:"stacking"`
	ThresholdsStyle   ThresholdsStyle   `json:"thresholdsStyle"`
}

// HideFrom represents hide configuration
type HideFrom struct {
	Legend  bool `json:"legend"`
	Tooltip bool `json:"tooltip"`
	Viz     bool `json:"viz"`
}

// ScaleDistribution represents scale distribution
type ScaleDistribution struct {
	Type string `json:"type"`
}

// Stacking represents stacking configuration
type Stacking struct {
	Group string `json:"group"`
	Mode  string `json:"mode"`
}

// ThresholdsStyle represents thresholds style
type ThresholdsStyle struct {
	Mode string `json:"mode"`
}

// Thresholds represents thresholds configuration
type Thresholds struct {
	Mode  string          `json:"mode"`
	Steps []ThresholdStep `json:"steps"`
}

// ThresholdStep is one colour boundary. A nil Value is Grafana's base step.
type ThresholdStep struct {
	Color string   `json:"color"`
	Value *float64 `json:"value"`
}

// TimeRange represents time range
type TimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Timepicker represents timepicker configuration
type Timepicker struct {
	RefreshIntervals []string `json:"refresh_intervals"`
}

// Templating represents templating configuration
type Templating struct {
	List []interface{} `json:"list"`
}

// Annotations represents annotations configuration
type Annotations struct {
	List []interface{} `json:"list"`
}

// Link represents a dashboard link
type Link struct {
	Title string `json:"title"`
	Type  string `json:"type"`
	URL   string `json:"url"`
}

func ptr(v float64) *float64 { return &v }

// steps builds absolute thresholds on a green base.
func steps(above ...ThresholdStep) Thresholds {
	return Thresholds{Mode: "absolute", Steps: append([]ThresholdStep{{Color: "green"}}, above...)}
}

func timeseries(id int, title, unit string, pos GridPos, targets ...Target) Panel {
	return Panel{
		ID:      id,
		Title:   title,
		Type:    "timeseries",
		GridPos: pos,
		Targets: targets,
		FieldConfig: FieldConfig{Defaults: Defaults{
			Color: Color{Mode: "palette-classic"},
			Custom: Custom{
				AxisPlacement:     "auto",
				DrawStyle:         "line",
				FillOpacity:       10,
				GradientMode:      "none",
				LineInterpolation: "linear",
				LineWidth:         1,
				PointSize:         5,
				ScaleDistribution: ScaleDistribution{Type: "linear"},
				ShowPoints:        "never",
				Stacking:          Stacking{Group: "A", Mode: "none"},
				ThresholdsStyle:   ThresholdsStyle{Mode: "off"},
			},
			Mappings:   []interface{}{},
			Thresholds: steps(),
			Unit:       unit,
		}},
	}
}

func stat(id int, title, unit string, pos GridPos, thresholds Thresholds, target Target) Panel {
	p := timeseries(id, title, unit, pos, target)
	p.Type = "stat"
	p.FieldConfig.Defaults.Color = Color{Mode: "thresholds"}
	p.FieldConfig.Defaults.Thresholds = thresholds
	p.Options = map[string]interface{}{
		"colorMode":   "value",
		"graphMode":   "area",
		"justifyMode": "auto",
		"orientation": "auto",
		"reduceOptions": map[string]interface{}{
			"calcs":  []string{"lastNotNull"},
			"fields": "",
			"values": false,
		},
		"textMode": "auto",
	}
	return p
}

func quantile(q float64, ref string) Target {
	return Target{
		Expr:         fmt.Sprintf(`histogram_quantile(%g, sum by (le, operation) (rate(chopsticks_operation_duration_seconds_bucket[5m])))`, q),
		LegendFormat: fmt.Sprintf("p%g {{operation}}", q*100),
		RefID:        ref,
	}
}

// CreateDashboard builds the chopsticks run dashboard.
func CreateDashboard() *GrafanaDashboard {
	panels := []Panel{
		timeseries(1, "Operations per second", "ops", GridPos{H: 8, W: 12, X: 0, Y: 0},
			Target{Expr: `sum by (operation) (rate(chopsticks_operations_total[1m]))`, LegendFormat: "{{operation}}", RefID: "A"}),
		timeseries(2, "Latency", "s", GridPos{H: 8, W: 12, X: 12, Y: 0},
			quantile(0.5, "A"), quantile(0.9, "B"), quantile(0.99, "C")),
		timeseries(3, "Throughput", "Bps", GridPos{H: 8, W: 12, X: 0, Y: 8},
			Target{Expr: `sum by (operation) (rate(chopsticks_bytes_transferred_total[1m]))`, LegendFormat: "{{operation}}", RefID: "A"},
			Target{Expr: `chopsticks_throughput_bytes_per_second`, LegendFormat: "run average", RefID: "B"}),
		timeseries(4, "Errors by category", "ops", GridPos{H: 8, W: 12, X: 12, Y: 8},
			Target{Expr: `sum by (category) (rate(chopsticks_errors_total[5m]))`, LegendFormat: "{{category}}", RefID: "A"}),
		stat(5, "Success rate", "percent", GridPos{H: 4, W: 6, X: 0, Y: 16},
			Thresholds{Mode: "absolute", Steps: []ThresholdStep{{Color: "red"}, {Color: "yellow", Value: ptr(95)}, {Color: "green", Value: ptr(99)}}},
			Target{Expr: `chopsticks_success_rate_percent`, RefID: "A"}),
		stat(6, "Concurrency", "short", GridPos{H: 4, W: 6, X: 6, Y: 16}, steps(),
			Target{Expr: `chopsticks_run_concurrency`, RefID: "A"}),
		stat(7, "Rejected records", "short", GridPos{H: 4, W: 6, X: 12, Y: 16}, steps(ThresholdStep{Color: "red", Value: ptr(1)}),
			Target{Expr: `chopsticks_records_rejected_total`, RefID: "A"}),
		stat(8, "Elapsed", "s", GridPos{H: 4, W: 6, X: 18, Y: 16}, steps(),
			Target{Expr: `chopsticks_run_elapsed_seconds`, RefID: "A"}),
		timeseries(9, "Host CPU and memory", "percent", GridPos{H: 8, W: 12, X: 0, Y: 20},
			Target{Expr: `chopsticks_host_cpu_percent`, LegendFormat: "cpu", RefID: "A"},
			Target{Expr: `chopsticks_host_memory_percent`, LegendFormat: "memory", RefID: "B"}),
		timeseries(10, "Host network", "Bps", GridPos{H: 8, W: 12, X: 12, Y: 20},
			Target{Expr: `rate(chopsticks_host_network_bytes[1m])`, LegendFormat: "{{direction}}", RefID: "A"}),
	}
	panels[8].FieldConfig.Defaults.Min = ptr(0)
	panels[8].FieldConfig.Defaults.Max = ptr(100)

	return &GrafanaDashboard{
		Dashboard: DashboardConfig{
			ID:            nil,
			UID:           "chopsticks",
			Title:         "Chopsticks",
			Tags:          []string{"chopsticks", "s3", "benchmark"},
			Style:         "dark",
			Timezone:      "browser",
			SchemaVersion: 30,
			Version:       1,
			Refresh:       "10s",
			Time:          TimeRange{From: "now-1h", To: "now"},
			Timepicker: Timepicker{
				RefreshIntervals: []string{"5s", "10s", "30s", "1m", "5m", "15m", "30m", "1h", "2h", "1d"},
			},
			Templating:  Templating{List: []interface{}{}},
			Annotations: Annotations{List: []interface{}{}},
			Links:       []Link{},
			Panels:      panels,
		},
		Overwrite: true,
	}
}

// SaveDashboard writes the dashboard as indented JSON, atomically.
func SaveDashboard(dashboard *GrafanaDashboard, outputPath string) error {
	data, err := json.MarshalIndent(dashboard, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dashboard: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := storage.WriteBytesAtomic(outputPath, 0644, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write dashboard file: %w", err)
	}
	return nil
}
