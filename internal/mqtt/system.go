package mqtt

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

// systemDoc is the wire shape on the system topic: a host resource
// snapshot for dashboards watching the appliance remotely.
type systemDoc struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	Timestamp     string  `json:"timestamp"`
}

// snapshotSystem samples host resources. Each probe fails independently;
// a snapshot with a missing field beats no snapshot on headless hardware.
func snapshotSystem(dataDir string, logger *slog.Logger) systemDoc {
	doc := systemDoc{Timestamp: time.Now().Format(time.RFC3339)}

	if pct, err := cpu.Percent(0, false); err != nil {
		logger.Debug("cpu sample failed", "error", err)
	} else if len(pct) > 0 {
		doc.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		logger.Debug("memory sample failed", "error", err)
	} else {
		doc.MemoryPercent = vm.UsedPercent
	}

	if usage, err := disk.Usage(dataDir); err != nil {
		logger.Debug("disk sample failed", "path", dataDir, "error", err)
	} else {
		doc.DiskPercent = usage.UsedPercent
	}

	if uptime, err := host.Uptime(); err != nil {
		logger.Debug("uptime sample failed", "error", err)
	} else {
		doc.UptimeSeconds = uptime
	}

	return doc
}

// sanitizedConfig renders the running configuration as JSON with every
// secret blanked. The struct is round-tripped through YAML so the document
// carries config-file key names rather than Go field names.
func sanitizedConfig(settings *conf.Settings) ([]byte, error) {
	clean := *settings
	clean.MQTT.Password = ""
	clean.Weather.OpenWeather.APIKey = ""
	clean.Sentry.DSN = ""

	raw, err := yaml.Marshal(&clean)
	if err != nil {
		return nil, errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("operation", "sanitize_config").
			Build()
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("operation", "sanitize_config").
			Build()
	}
	return json.Marshal(doc)
}
