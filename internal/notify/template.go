package notify

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"

	"github.com/avibox/avibox/internal/events"
)

// Built-in templates, used when neither the rule nor the global defaults
// define one.
const (
	defaultTitleTemplate = "{{ common_name }} detected"
	defaultBodyTemplate  = "{{ common_name }} ({{ scientific_name }}) at {{ timestamp }}, confidence {{ confidence }}"
)

// renderTemplate expands {{ name }} placeholders from the fixed whitelist:
// common_name, scientific_name, confidence, timestamp, latitude, longitude.
// Unknown placeholders render empty. There is no expression evaluation.
func renderTemplate(tmpl string, det *events.Detection, loc *time.Location) string {
	if tmpl == "" {
		return ""
	}
	return fasttemplate.ExecuteFuncString(tmpl, "{{", "}}",
		func(w io.Writer, tag string) (int, error) {
			switch strings.TrimSpace(tag) {
			case "common_name":
				return io.WriteString(w, det.CommonName)
			case "scientific_name":
				return io.WriteString(w, det.ScientificName)
			case "confidence":
				return fmt.Fprintf(w, "%.1f%%", det.Confidence*100)
			case "timestamp":
				return io.WriteString(w, det.Timestamp.In(loc).Format(time.RFC3339))
			case "latitude":
				if det.Latitude == nil {
					return 0, nil
				}
				return fmt.Fprintf(w, "%.5f", *det.Latitude)
			case "longitude":
				if det.Longitude == nil {
					return 0, nil
				}
				return fmt.Fprintf(w, "%.5f", *det.Longitude)
			default:
				return 0, nil
			}
		})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
