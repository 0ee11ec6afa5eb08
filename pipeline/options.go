package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wudi/pdfbudget/observability"
	"github.com/wudi/pdfbudget/optimize"
)

// DefaultBudget is the per-output ceiling used when none is configured.
const DefaultBudget int64 = 1_900_000

// Mode selects which stages run for a document.
type Mode int

const (
	// ModeSplit partitions the unmodified document.
	ModeSplit Mode = iota
	// ModeCompress recompresses and writes a single output.
	ModeCompress
	// ModeCompressAndSplit recompresses and splits only when the result
	// still exceeds the budget.
	ModeCompressAndSplit
)

var modeNames = map[Mode]string{
	ModeSplit:            "split",
	ModeCompress:         "compress",
	ModeCompressAndSplit: "compress-and-split",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) compresses() bool { return m == ModeCompress || m == ModeCompressAndSplit }

func ParseMode(s string) (Mode, error) {
	norm := strings.NewReplacer("_", "-", " ", "-").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "split", "":
		return ModeSplit, nil
	case "compress":
		return ModeCompress, nil
	case "compress-and-split", "compress-split", "both":
		return ModeCompressAndSplit, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Verifier re-opens a written output before it is committed.
type Verifier interface {
	Verify(ctx context.Context, data []byte, pages int) error
}

// Options configure a Runner. They are read-only once the Runner is built.
type Options struct {
	Mode         Mode
	Budget       int64
	Level        optimize.Level
	StartQuality int
	MinQuality   int
	OutputDir    string
	// Workers bounds the documents processed at once.
	Workers int
	// ImageWorkers bounds parallel recompression inside one document.
	ImageWorkers    int
	DocumentTimeout time.Duration
	Verifier        Verifier
	Password        string
	// Strict fails a document on the first syntax error instead of
	// dropping unreadable objects.
	Strict bool
	// Deterministic derives missing file IDs from content.
	Deterministic bool
	Logger        observability.Logger
	// Tracer receives one span per document tagged with the stage timings.
	Tracer observability.Tracer
	// OnEvent receives every state change, output and diagnostic. It may be
	// called from several goroutines at once.
	OnEvent func(Event)
}

var errNoOutputDir = errors.New("output directory is required")

func (o *Options) validate() error {
	if o.Budget <= 0 {
		return fmt.Errorf("invalid size budget %d", o.Budget)
	}
	if o.OutputDir == "" {
		return errNoOutputDir
	}
	if _, ok := modeNames[o.Mode]; !ok {
		return fmt.Errorf("invalid mode %d", int(o.Mode))
	}
	if o.MinQuality < 0 || o.MinQuality > 100 {
		return fmt.Errorf("minimum quality %d outside 0..100", o.MinQuality)
	}
	if o.StartQuality != 0 && o.StartQuality < o.MinQuality {
		return fmt.Errorf("start quality %d below floor %d", o.StartQuality, o.MinQuality)
	}
	return nil
}

// EventKind tells which part of an Event is set.
type EventKind string

const (
	EventState      EventKind = "state"
	EventOutput     EventKind = "output"
	EventDiagnostic EventKind = "diagnostic"
)

// Event reports progress of one job.
type Event struct {
	Kind       EventKind
	JobID      string
	Input      string
	State      JobState
	Output     *Output
	Diagnostic *Diagnostic
}
