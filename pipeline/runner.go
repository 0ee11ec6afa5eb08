// Package pipeline drives input documents through recompression,
// partitioning and writing, one Job per input.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/pdfbudget/estimate"
	"github.com/wudi/pdfbudget/ir"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/observability"
	"github.com/wudi/pdfbudget/optimize"
	"github.com/wudi/pdfbudget/pagetree"
	"github.com/wudi/pdfbudget/parser"
	"github.com/wudi/pdfbudget/partition"
	"github.com/wudi/pdfbudget/writer"
)

var errCancelled = errors.New("cancelled before start")

type Runner struct {
	opts   Options
	logger observability.Logger
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Budget == 0 {
		opts.Budget = DefaultBudget
	}
	if opts.MinQuality == 0 && opts.StartQuality == 0 {
		opts.StartQuality = optimize.DefaultStartQuality
		opts.MinQuality = optimize.DefaultMinQuality
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NopTracer()
	}
	return &Runner{opts: opts, logger: opts.Logger}, nil
}

// Run processes every input and returns one snapshot per input, in input
// order. A failing document never stops the others. When ctx is cancelled
// the jobs that have not started are marked failed; outputs already written
// are kept.
func (r *Runner) Run(ctx context.Context, inputs []string) ([]JobSnapshot, error) {
	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	jobs := make([]*Job, len(inputs))
	stems := make(map[string]string, len(inputs))
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, in := range inputs {
		job := NewJob(strconv.Itoa(i+1), in)
		jobs[i] = job
		stem := Stem(in)
		if prev, dup := stems[stem]; dup {
			r.fail(job, r.logFor(job), &writer.SerializationError{
				Reason: fmt.Sprintf("output name %q already produced by %s", stem, prev),
			})
			continue
		}
		stems[stem] = in
		g.Go(func() error {
			if ctx.Err() != nil {
				r.fail(job, r.logFor(job), errCancelled)
				return nil
			}
			r.Process(ctx, job)
			return nil
		})
	}
	g.Wait()

	out := make([]JobSnapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out, ctx.Err()
}

func (r *Runner) logFor(job *Job) observability.Logger {
	return r.logger.With(observability.String("input", job.Input), observability.String("job", job.ID))
}

// Process runs one job to a terminal state.
func (r *Runner) Process(ctx context.Context, job *Job) {
	log := r.logFor(job)
	if err := r.transition(job, StateRunning); err != nil {
		log.Error("job not runnable", observability.Error("error", err))
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.fail(job, log, &writer.SerializationError{Reason: fmt.Sprintf("panic: %v", p)})
		}
	}()

	if r.opts.DocumentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.DocumentTimeout)
		defer cancel()
	}
	ctx, span := r.opts.Tracer.StartSpan(ctx, "pdfbudget.document")
	defer span.Finish()
	span.SetTag("input", job.Input)
	if err := r.process(ctx, job, span, log); err != nil {
		span.SetError(err)
		r.fail(job, log, err)
		return
	}
	snap := job.Snapshot()
	log.Info("document done",
		observability.Int("outputs", len(snap.Outputs)),
		observability.Int64("input_bytes", snap.InputBytes),
		observability.Int64("output_bytes", snap.OutputBytes()),
		observability.Int("diagnostics", len(snap.Diagnostics)),
	)
	r.transition(job, StateDone)
}

func (r *Runner) process(ctx context.Context, job *Job, span observability.Span, log observability.Logger) error {
	data, err := os.ReadFile(job.Input)
	if err != nil {
		return &parser.MalformedDocumentError{Reason: "read input", Err: err}
	}
	start := time.Now()
	loader := ir.NewLoader(ir.Options{Password: r.opts.Password, Strict: r.opts.Strict, Logger: log})
	doc, err := loader.LoadBytes(ctx, data)
	if err != nil {
		return err
	}
	span.SetTag(observability.MetricParseTime, time.Since(start))
	span.SetTag(observability.MetricPageCount, len(doc.Pages))
	span.SetTag(observability.MetricObjectCount, len(doc.Objects))
	scanned := pagetree.IsScanned(doc)
	job.setInfo(int64(len(data)), len(doc.Pages), scanned)
	log.Debug("parsed input",
		observability.Int("pages", len(doc.Pages)),
		observability.Int("objects", len(doc.Objects)),
		observability.Bool("scanned", scanned),
		observability.Bool("encrypted", doc.Encrypted),
	)

	if r.opts.Mode.compresses() {
		start := time.Now()
		saved, err := r.optimize(ctx, job, doc, log)
		if err != nil {
			return err
		}
		span.SetTag(observability.MetricRecompressTime, time.Since(start))
		span.SetTag(observability.MetricRecompressSaved, saved)
	}

	est, err := estimate.New(doc)
	if err != nil {
		return &parser.MalformedDocumentError{Reason: "page tree", Err: err}
	}
	whole, err := est.EstimateDocument()
	if err != nil {
		return &parser.MalformedDocumentError{Reason: "page tree", Err: err}
	}
	job.setEstimate(whole)

	var groups []partition.Group
	switch {
	case r.opts.Mode == ModeCompress,
		r.opts.Mode == ModeCompressAndSplit && whole <= r.opts.Budget:
		groups = []partition.Group{{Pages: doc.Pages, Estimate: whole}}
	default:
		p, err := partition.New(partition.Config{Budget: r.opts.Budget, Logger: log})
		if err != nil {
			return err
		}
		groups, err = p.Partition(ctx, est, doc.Pages)
		if err != nil {
			return err
		}
	}
	span.SetTag(observability.MetricPartitionGroups, len(groups))

	start = time.Now()
	written, err := r.emit(ctx, job, doc, data, groups, log)
	span.SetTag(observability.MetricWriteTime, time.Since(start))
	span.SetTag(observability.MetricOutputBytes, written)
	return err
}

// optimize returns the image bytes saved.
func (r *Runner) optimize(ctx context.Context, job *Job, doc *raw.Document, log observability.Logger) (int64, error) {
	cfg := optimize.DefaultConfig(r.opts.Budget)
	cfg.Level = r.opts.Level
	cfg.StartQuality = r.opts.StartQuality
	cfg.MinQuality = r.opts.MinQuality
	cfg.Workers = r.opts.ImageWorkers
	cfg.Logger = log
	res, err := optimize.New(cfg).Optimize(ctx, doc)
	if res != nil {
		for _, skip := range res.Skipped {
			ref := skip.Ref
			r.diagnose(job, Diagnostic{
				Kind:    ResourceSkipped,
				Message: skip.Reason,
				Ref:     &ref,
			})
			log.Warn("resource skipped", observability.String("ref", ref.String()), observability.Error("error", skip))
		}
	}
	if err != nil {
		return 0, err
	}
	log.Info("compressed document",
		observability.String("level", r.opts.Level.String()),
		observability.Int("recompressed", res.Recompressed),
		observability.Int64("image_bytes_before", res.ImageBytesBefore),
		observability.Int64("image_bytes_after", res.ImageBytesAfter),
	)
	return res.ImageBytesBefore - res.ImageBytesAfter, nil
}

// emit writes each group in order. A cancellation between groups leaves the
// parts already written in place.
func (r *Runner) emit(ctx context.Context, job *Job, doc *raw.Document, input []byte, groups []partition.Group, log observability.Logger) (int64, error) {
	stem := Stem(job.Input)
	for i := range groups {
		name := OutputName(stem, i+1, len(groups))
		if samePath(job.Input, filepath.Join(r.opts.OutputDir, name)) {
			return 0, &writer.SerializationError{Reason: fmt.Sprintf("output %s would overwrite the input", name)}
		}
	}

	var written int64
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		big := &largestObject{}
		w := (&writer.WriterBuilder{}).
			WithConfig(writer.Config{Deterministic: r.opts.Deterministic}).
			WithInterceptor(big).
			Build()
		var buf bytes.Buffer
		if _, err := w.Write(ctx, doc, g.Pages, &buf); err != nil {
			return written, err
		}
		data := buf.Bytes()
		original := false
		// Never grow: a compress run that does not beat the input keeps it,
		// unless the input needed repair or does not verify on its own.
		if r.opts.Mode == ModeCompress && !doc.Encrypted && !doc.Repaired && int64(len(data)) >= int64(len(input)) {
			if err := r.verify(ctx, input, len(g.Pages)); err != nil {
				log.Warn("input failed verification, keeping rewritten output", observability.Error("error", err))
			} else {
				log.Info("compression not effective, keeping input",
					observability.Int64("input_bytes", int64(len(input))),
					observability.Int64("written_bytes", int64(len(data))),
				)
				data, original = input, true
			}
		}
		if !original {
			if err := r.verify(ctx, data, len(g.Pages)); err != nil {
				return written, &writer.SerializationError{Reason: "output failed verification", Err: err}
			}
		}
		name := OutputName(stem, i+1, len(groups))
		path, err := writeAtomic(r.opts.OutputDir, name, data)
		if err != nil {
			return written, &writer.SerializationError{Reason: "store output", Err: err}
		}
		written += int64(len(data))
		first := g.First + 1
		r.output(job, Output{
			Path:      path,
			Bytes:     int64(len(data)),
			FirstPage: first,
			LastPage:  first + len(g.Pages) - 1,
			Original:  original,
		})
		if g.OverBudget || int64(len(data)) > r.opts.Budget && len(g.Pages) == 1 {
			d := Diagnostic{
				Kind:    PageExceedsBudget,
				Message: fmt.Sprintf("page %d alone is %d bytes, budget %d", first, len(data), r.opts.Budget),
				Page:    first,
				Group:   i + 1,
				Bytes:   int64(len(data)),
			}
			if big.bytes > 0 {
				ref := big.ref
				d.Ref = &ref
				d.Message += fmt.Sprintf(", largest object %s is %d bytes", ref, big.bytes)
			}
			r.diagnose(job, d)
		}
		log.Debug("wrote output",
			observability.String("path", path),
			observability.Int("pages", len(g.Pages)),
			observability.Int64("bytes", int64(len(data))),
			observability.Int64("estimate", g.Estimate),
		)
	}
	return written, nil
}

func (r *Runner) verify(ctx context.Context, data []byte, pages int) error {
	if r.opts.Verifier == nil {
		return nil
	}
	return r.opts.Verifier.Verify(ctx, data, pages)
}

func (r *Runner) fail(job *Job, log observability.Logger, err error) {
	job.setError(err)
	var (
		malformed *parser.MalformedDocumentError
		serr      *writer.SerializationError
	)
	switch {
	case errors.As(err, &malformed):
		r.diagnose(job, Diagnostic{Kind: MalformedDocument, Message: err.Error()})
	case errors.As(err, &serr):
		d := Diagnostic{Kind: SerializationError, Message: err.Error()}
		if serr.Ref.Num != 0 {
			ref := serr.Ref
			d.Ref = &ref
		}
		r.diagnose(job, d)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, errCancelled):
	default:
		r.diagnose(job, Diagnostic{Kind: SerializationError, Message: err.Error()})
	}
	log.Error("document failed", observability.Error("error", err))
	r.transition(job, StateFailed)
}

func (r *Runner) transition(job *Job, s JobState) error {
	if err := job.SetState(s); err != nil {
		return err
	}
	r.notify(Event{Kind: EventState, JobID: job.ID, Input: job.Input, State: s})
	return nil
}

func (r *Runner) diagnose(job *Job, d Diagnostic) {
	job.AddDiagnostic(d)
	r.notify(Event{Kind: EventDiagnostic, JobID: job.ID, Input: job.Input, State: job.State(), Diagnostic: &d})
}

func (r *Runner) output(job *Job, o Output) {
	job.AddOutput(o)
	r.notify(Event{Kind: EventOutput, JobID: job.ID, Input: job.Input, State: job.State(), Output: &o})
}

func (r *Runner) notify(e Event) {
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(e)
	}
}
