package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/message"

	"github.com/odyssey-erp/verity/internal/eventlog"
)

const maxLineBytes = 4 << 20

// Appender persists event records.
type Appender interface {
	Append(ctx context.Context, records ...eventlog.Record) (int, error)
}

// Decoder turns one JSON message into an event record.
type Decoder interface {
	Decode(data []byte) (eventlog.Record, error)
}

// AppendCLI loads newline-delimited event messages into the event log.
type AppendCLI struct {
	appender Appender
	decoder  Decoder
	printer  *message.Printer
}

// NewAppendCLI constructs the helper.
func NewAppendCLI(appender Appender, decoder Decoder) (*AppendCLI, error) {
	if appender == nil || decoder == nil {
		return nil, errors.New("append cli: appender and decoder required")
	}
	return &AppendCLI{appender: appender, decoder: decoder, printer: newPrinter()}, nil
}

// AppendOptions configures the append command. Path "-" or an empty path
// reads from Stdin.
type AppendOptions struct {
	Path       string
	Source     string
	JSONOutput bool
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// AppendSummary reports how many events were read and newly stored.
type AppendSummary struct {
	Read     int `json:"read"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"duplicates"`
}

// AppendCommand validates every line first and appends nothing when any
// line is invalid.
func (c *AppendCLI) AppendCommand(ctx context.Context, opts AppendOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	in := opts.Stdin
	if in == nil {
		in = os.Stdin
	}
	if opts.Path != "" && opts.Path != "-" {
		f, err := os.Open(opts.Path)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "open %s: %v\n", opts.Path, err)
			return ExitFailure
		}
		defer f.Close()
		in = f
	}

	records, err := c.readRecords(in, opts.Source)
	if err != nil {
		_, _ = fmt.Fprintln(opts.Stderr, err)
		return ExitFailure
	}
	inserted, err := c.appender.Append(ctx, records...)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "append events: %v\n", err)
		return ExitFailure
	}

	summary := AppendSummary{Read: len(records), Inserted: inserted, Skipped: len(records) - inserted}
	if opts.JSONOutput {
		if err := writeJSON(opts.Stdout, summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "encode summary: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	_, _ = c.printer.Fprintf(opts.Stdout, "Appended %d of %d events (%d duplicates ignored)\n", summary.Inserted, summary.Read, summary.Skipped)
	return ExitOK
}

func (c *AppendCLI) readRecords(in io.Reader, source string) ([]eventlog.Record, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var (
		records []eventlog.Record
		line    int
	)
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		rec, err := c.decoder.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if source != "" {
			rec.Source = source
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return records, nil
}
