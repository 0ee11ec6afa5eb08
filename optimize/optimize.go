// Package optimize shrinks a parsed document in place: images are
// recompressed, unfiltered streams deflated, identical streams merged and
// unreachable objects dropped. Object ids of kept objects never change.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/observability"
)

type Config struct {
	Level        Level
	StartQuality int
	MinQuality   int
	// Budget is the byte size the whole document should reach. Each image
	// aims for a share of it proportional to its current size.
	Budget int64
	// Workers bounds parallel image recompression. 0 means one per CPU.
	Workers int

	RecompressImages      bool
	CompressStreams       bool
	MergeDuplicateStreams bool
	RemoveUnreachable     bool

	Filters *filters.Pipeline
	Logger  observability.Logger
}

// DefaultConfig enables every step at the standard level.
func DefaultConfig(budget int64) Config {
	return Config{
		Level:                 LevelStandard,
		StartQuality:          DefaultStartQuality,
		MinQuality:            DefaultMinQuality,
		Budget:                budget,
		RecompressImages:      true,
		CompressStreams:       true,
		MergeDuplicateStreams: true,
		RemoveUnreachable:     true,
	}
}

// Result summarises an optimisation pass.
type Result struct {
	Images            int
	Recompressed      int
	ImageBytesBefore  int64
	ImageBytesAfter   int64
	CompressedStreams int
	MergedStreams     int
	RemovedObjects    int
	Skipped           []*SkipError
}

type Optimizer struct {
	config       Config
	recompressor *Recompressor
}

func New(config Config) *Optimizer {
	if config.Filters == nil {
		config.Filters = filters.NewStandardPipeline(filters.Limits{})
	}
	if config.Logger == nil {
		config.Logger = observability.NopLogger{}
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	r := NewRecompressor(Settings{
		Level:        config.Level,
		StartQuality: config.StartQuality,
		MinQuality:   config.MinQuality,
	}, config.Filters, config.Logger)
	return &Optimizer{config: config, recompressor: r}
}

// Optimize mutates doc. Images that cannot be decoded are reported in
// Result.Skipped and left as they were; only cancellation aborts the pass.
func (o *Optimizer) Optimize(ctx context.Context, doc *raw.Document) (*Result, error) {
	res := &Result{}
	if o.config.RecompressImages {
		if err := o.recompressImages(ctx, doc, res); err != nil {
			return res, fmt.Errorf("failed to recompress images: %w", err)
		}
	}
	if o.config.CompressStreams {
		n, err := compressStreams(ctx, doc)
		res.CompressedStreams = n
		if err != nil {
			return res, fmt.Errorf("failed to compress streams: %w", err)
		}
	}
	if o.config.MergeDuplicateStreams {
		n, err := mergeDuplicateStreams(ctx, doc)
		res.MergedStreams = n
		if err != nil {
			return res, fmt.Errorf("failed to combine duplicate streams: %w", err)
		}
	}
	if o.config.RemoveUnreachable {
		res.RemovedObjects = sweepUnreachable(doc)
	}
	o.config.Logger.Debug("optimized document",
		observability.Int("images", res.Images),
		observability.Int("recompressed", res.Recompressed),
		observability.Int("skipped", len(res.Skipped)),
		observability.Int64("image_bytes_before", res.ImageBytesBefore),
		observability.Int64("image_bytes_after", res.ImageBytesAfter),
		observability.Int("compressed_streams", res.CompressedStreams),
		observability.Int("merged_streams", res.MergedStreams),
		observability.Int("removed_objects", res.RemovedObjects),
	)
	return res, nil
}

type candidate struct {
	ref raw.ObjectRef
	st  *raw.StreamObj
}

// images lists image XObjects that are drawn directly. Soft masks and
// stencil masks referenced through /SMask or /Mask are excluded.
func images(doc *raw.Document) []candidate {
	masks := make(map[raw.ObjectRef]bool)
	var out []candidate
	for _, ref := range doc.SortedRefs() {
		st, ok := doc.Objects[ref].(*raw.StreamObj)
		if !ok || raw.DictName(st.Dict, "Subtype") != "Image" {
			continue
		}
		for _, key := range []string{"SMask", "Mask"} {
			if r, ok := lookup(st.Dict, key).(raw.RefObj); ok {
				masks[r.R] = true
			}
		}
		out = append(out, candidate{ref: ref, st: st})
	}
	kept := out[:0]
	for _, c := range out {
		if !masks[c.ref] {
			kept = append(kept, c)
		}
	}
	return kept
}

// Share returns the size one image should aim for: its proportional part
// of budget, never more than its current size.
func Share(budget, size, total int64) int64 {
	if total <= 0 || budget <= 0 {
		return size
	}
	share := int64(float64(budget) * float64(size) / float64(total))
	if share > size {
		share = size
	}
	return share
}

func (o *Optimizer) recompressImages(ctx context.Context, doc *raw.Document, res *Result) error {
	cands := images(doc)
	res.Images = len(cands)
	var total int64
	for _, c := range cands {
		total += int64(len(c.st.Data))
	}
	res.ImageBytesBefore = total

	outcomes := make([]*Outcome, len(cands))
	skips := make([]*SkipError, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Workers)
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			target := Share(o.config.Budget, int64(len(c.st.Data)), total)
			out, err := o.recompressor.Recompress(gctx, doc, c.ref, c.st, target)
			var skip *SkipError
			if errors.As(err, &skip) {
				skips[i] = skip
				return nil
			}
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	res.ImageBytesAfter = total
	for i, c := range cands {
		if skip := skips[i]; skip != nil {
			o.config.Logger.Warn("resource skipped",
				observability.String("ref", c.ref.String()),
				observability.String("reason", skip.Reason),
				observability.Error("error", skip.Err),
			)
			res.Skipped = append(res.Skipped, skip)
			continue
		}
		out := outcomes[i]
		if !out.Changed() {
			continue
		}
		// Replace in place so every reference keeps pointing at it.
		c.st.Dict = out.Stream.Dict
		c.st.Data = out.Stream.Data
		res.Recompressed++
		res.ImageBytesAfter -= out.Before - out.After
		o.config.Logger.Debug("image recompressed",
			observability.String("ref", c.ref.String()),
			observability.Int64("before", out.Before),
			observability.Int64("after", out.After),
			observability.Int("quality", out.Quality),
		)
	}
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].Ref.Less(res.Skipped[j].Ref) })
	return nil
}
