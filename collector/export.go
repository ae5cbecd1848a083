package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/storage"
)

// ExportToJSON writes the retained records followed by the run summary.
// It returns the absolute path written.
func (c *Collector) ExportToJSON(path string) (string, error) {
	resolved, err := c.resolveExportPath(path, "json")
	if err != nil {
		return "", err
	}
	if err := storage.WriteJSON(resolved, c.Records(), c.GetSummary()); err != nil {
		return "", errs.Wrap(errs.KindIO, "collector.export", "writing json export", err)
	}
	c.logger.Info("exported metrics", "format", "json", "path", resolved)
	return resolved, nil
}

// ExportToCSV writes one row per retained record.
func (c *Collector) ExportToCSV(path string) (string, error) {
	resolved, err := c.resolveExportPath(path, "csv")
	if err != nil {
		return "", err
	}
	if err := storage.WriteCSV(resolved, c.Records()); err != nil {
		return "", errs.Wrap(errs.KindIO, "collector.export", "writing csv export", err)
	}
	c.logger.Info("exported metrics", "format", "csv", "path", resolved)
	return resolved, nil
}

// ExportToParquet writes the retained records as a Parquet file.
func (c *Collector) ExportToParquet(path string) (string, error) {
	resolved, err := c.resolveExportPath(path, "parquet")
	if err != nil {
		return "", err
	}
	if err := storage.WriteParquet(resolved, c.Records()); err != nil {
		return "", errs.Wrap(errs.KindIO, "collector.export", "writing parquet export", err)
	}
	c.logger.Info("exported metrics", "format", "parquet", "path", resolved)
	return resolved, nil
}

// ExportToFile picks the format from the file extension: .csv, .parquet,
// anything else is JSON.
func (c *Collector) ExportToFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return c.ExportToCSV(path)
	case ".parquet":
		return c.ExportToParquet(path)
	default:
		return c.ExportToJSON(path)
	}
}

// resolveExportPath turns an empty path or a directory into a file named
// after the run, and makes the result absolute.
func (c *Collector) resolveExportPath(path, ext string) (string, error) {
	name := fmt.Sprintf("chopsticks-%s.%s", c.config.RunID, ext)
	if path == "" {
		path = name
	} else if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, name)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, "collector.export", "resolving export path", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", errs.Wrap(errs.KindIO, "collector.export", "creating export directory", err)
	}
	return abs, nil
}
