// Package cli implements the verity operator commands.
package cli

import (
	"encoding/json"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Exit codes shared by every command.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitBusy         = 3
	ExitInvalidEvent = 10
)

func newPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
