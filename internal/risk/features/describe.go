package features

import (
	"fmt"
	"strings"
)

// Describe renders a raw value with its unit and its position relative to the
// cohort, e.g. "412 clicks (well below cohort average)".
func Describe(spec Spec, raw, z float64) string {
	return fmt.Sprintf("%s (%s)", FormatRaw(spec, raw), Relative(z))
}

func FormatRaw(spec Spec, raw float64) string {
	switch spec.Unit {
	case "%":
		return fmt.Sprintf("%.1f%%", raw)
	case "":
		return fmt.Sprintf("%.2f", raw)
	default:
		return fmt.Sprintf("%.0f %s", raw, spec.Unit)
	}
}

func Relative(z float64) string {
	switch {
	case z <= -1:
		return "well below cohort average"
	case z < -0.25:
		return "below cohort average"
	case z < 0.25:
		return "around cohort average"
	case z < 1:
		return "above cohort average"
	default:
		return "well above cohort average"
	}
}

// HumanName turns "vle_clicks" into "vle clicks".
func HumanName(name string) string {
	name = strings.TrimSuffix(strings.TrimSuffix(name, "_z"), "_code")
	return strings.ReplaceAll(name, "_", " ")
}
