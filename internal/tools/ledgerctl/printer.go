package ledgerctl

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func errorf(w io.Writer, format string, a ...any) {
	red.Fprintf(w, format, a...)
}

// statusColor picks the color a posture status prints in.
func statusColor(status posture.Status) *color.Color {
	switch status {
	case posture.StatusCompliant:
		return green
	case posture.StatusNoncompliant:
		return red
	case posture.StatusExcepted:
		return yellow
	default:
		return cyan
	}
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
