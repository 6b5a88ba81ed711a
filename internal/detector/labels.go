package detector

import (
	"bufio"
	"os"
	"strings"

	"github.com/avibox/avibox/internal/errors"
)

// LoadLabels reads the model labels file: one "<scientific>_<common>" label
// per line, blank lines skipped. An empty label set is a configuration
// error, not an empty result.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return nil, errors.Newf("labels path not configured").
			Component("detector").
			Category(errors.CategoryConfiguration).
			Build()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryLabelLoad).
			Context("labels_path", path).
			Build()
	}
	defer func() {
		if err := file.Close(); err != nil {
			getLogger().Warn("failed to close labels file", "path", path, "error", err)
		}
	}()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryLabelLoad).
			Context("labels_path", path).
			Build()
	}

	if len(labels) == 0 {
		return nil, errors.Newf("labels file %s contains no labels", path).
			Component("detector").
			Category(errors.CategoryConfiguration).
			Build()
	}

	getLogger().Info("labels loaded", "labels_path", path, "count", len(labels))
	return labels, nil
}

// SplitLabel separates a "<scientific>_<common>" model label. Labels without
// an underscore return the whole string for both parts.
func SplitLabel(label string) (scientific, common string) {
	if idx := strings.Index(label, "_"); idx >= 0 {
		return label[:idx], label[idx+1:]
	}
	return label, label
}
