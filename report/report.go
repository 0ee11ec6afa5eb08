// Package report renders the outcome of a batch as Markdown, HTML or JSON.
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/wudi/pdfbudget/pipeline"
)

// Batch is everything a report shows.
type Batch struct {
	Generated time.Time              `json:"generated"`
	Mode      string                 `json:"mode"`
	Budget    int64                  `json:"size_budget_bytes"`
	Jobs      []pipeline.JobSnapshot `json:"jobs"`
}

// Totals aggregates a batch.
type Totals struct {
	Done        int   `json:"done"`
	Failed      int   `json:"failed"`
	Outputs     int   `json:"outputs"`
	InputBytes  int64 `json:"input_bytes"`
	OutputBytes int64 `json:"output_bytes"`
	Diagnostics int   `json:"diagnostics"`
}

func (b Batch) Totals() Totals {
	var t Totals
	for _, j := range b.Jobs {
		switch j.State {
		case pipeline.StateDone:
			t.Done++
		case pipeline.StateFailed:
			t.Failed++
		}
		t.Outputs += len(j.Outputs)
		t.InputBytes += j.InputBytes
		t.OutputBytes += j.OutputBytes()
		t.Diagnostics += len(j.Diagnostics)
	}
	return t
}

// Write picks the format from the extension of path.
func Write(path string, b Batch) error {
	var buf bytes.Buffer
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		err = Markdown(&buf, b)
	case ".html", ".htm":
		err = HTML(&buf, b)
	case ".json":
		err = JSON(&buf, b)
	default:
		return fmt.Errorf("unsupported report format %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func JSON(w io.Writer, b Batch) error {
	out := struct {
		Batch
		Totals Totals `json:"totals"`
	}{b, b.Totals()}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Markdown writes a GitHub flavoured table with one row per input followed
// by the diagnostics of every document that has any.
func Markdown(w io.Writer, b Batch) error {
	var sb strings.Builder
	t := b.Totals()
	fmt.Fprintf(&sb, "# pdfbudget report\n\n")
	fmt.Fprintf(&sb, "Generated %s. Mode `%s`, budget %s per file.\n\n", b.Generated.Format(time.RFC3339), b.Mode, Bytes(b.Budget))
	fmt.Fprintf(&sb, "%d done, %d failed, %d outputs, %s in, %s out.\n\n", t.Done, t.Failed, t.Outputs, Bytes(t.InputBytes), Bytes(t.OutputBytes))

	sb.WriteString("| Input | State | Pages | Scanned | Input size | Output size | Outputs |\n")
	sb.WriteString("|---|---|---:|---|---:|---:|---|\n")
	for _, j := range b.Jobs {
		names := make([]string, len(j.Outputs))
		for i, o := range j.Outputs {
			names[i] = "`" + filepath.Base(o.Path) + "`"
		}
		scanned := "no"
		if j.Scanned {
			scanned = "yes"
		}
		fmt.Fprintf(&sb, "| %s | %s | %d | %s | %s | %s | %s |\n",
			cell(filepath.Base(j.Input)), j.State, j.Pages, scanned,
			Bytes(j.InputBytes), Bytes(j.OutputBytes()), strings.Join(names, ", "))
	}

	for _, j := range b.Jobs {
		if len(j.Diagnostics) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n\n", filepath.Base(j.Input))
		for _, d := range j.Diagnostics {
			fmt.Fprintf(&sb, "- **%s** %s\n", d.Kind, d.Message)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// HTML renders the Markdown report with goldmark inside a minimal page.
func HTML(w io.Writer, b Batch) error {
	var md bytes.Buffer
	if err := Markdown(&md, b); err != nil {
		return err
	}
	var body bytes.Buffer
	conv := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := conv.Convert(md.Bytes(), &body); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>pdfbudget report</title>\n"+
		"<style>body{font-family:sans-serif}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:2px 6px}</style>\n"+
		"</head><body>\n%s</body></html>\n", body.Bytes())
	return err
}

// Line is a one line summary for terminal output.
func Line(j pipeline.JobSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-6s %s", j.State, j.Input)
	if len(j.Outputs) > 0 {
		names := make([]string, len(j.Outputs))
		for i, o := range j.Outputs {
			names[i] = fmt.Sprintf("%s (%s)", filepath.Base(o.Path), Bytes(o.Bytes))
		}
		fmt.Fprintf(&sb, " -> %s", strings.Join(names, ", "))
	}
	for _, d := range j.Diagnostics {
		fmt.Fprintf(&sb, "\n       %s", d)
	}
	if j.Error != "" && len(j.Diagnostics) == 0 {
		fmt.Fprintf(&sb, "\n       %s", j.Error)
	}
	return sb.String()
}

// Bytes formats n with a binary unit.
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func cell(s string) string {
	return strings.NewReplacer("|", `\|`, "\n", " ").Replace(s)
}
