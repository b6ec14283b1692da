// Package alert holds the severity model shared by ingestion, admission
// and formatting.
package alert

import (
	"fmt"
	"strings"
)

// Severity classifies how bad a terminal's condition is. The ingestion
// layer computes it from fiscal metrics; this backend only consumes it.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityDanger   Severity = "danger"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparisons. Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityDanger:
		return 3
	case SeverityWarn:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Label is the human-readable severity name used in messages.
func (s Severity) Label() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityDanger:
		return "Danger"
	case SeverityWarn:
		return "Warning"
	case SeverityInfo:
		return "Info"
	default:
		return "Alert"
	}
}

// Glyph is the bracket prefix used on message lines.
func (s Severity) Glyph() string {
	switch s {
	case SeverityCritical:
		return "[!!!]"
	case SeverityDanger:
		return "[!!]"
	case SeverityWarn:
		return "[!]"
	case SeverityInfo:
		return "[i]"
	default:
		return "[?]"
	}
}

func Parse(raw string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityCritical:
		return SeverityCritical, nil
	case SeverityDanger:
		return SeverityDanger, nil
	case SeverityWarn, "warning":
		return SeverityWarn, nil
	case SeverityInfo:
		return SeverityInfo, nil
	default:
		return "", fmt.Errorf("unknown severity %q", raw)
	}
}

// Alert is a single classified finding for one terminal.
type Alert struct {
	Type     string   `json:"type"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Summary returns the alert's message, falling back to its type.
func (a Alert) Summary() string {
	if strings.TrimSpace(a.Message) != "" {
		return a.Message
	}
	return a.Type
}

// TerminalKey identifies one shop+POS terminal, e.g. "INN123:1:1".
func TerminalKey(inn string, shopNumber, posNumber int) string {
	return fmt.Sprintf("%s:%d:%d", inn, shopNumber, posNumber)
}
