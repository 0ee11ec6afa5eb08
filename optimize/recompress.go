package optimize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/observability"
)

// Level selects how aggressively images are rewritten.
type Level int

const (
	// LevelStandard re-encodes images as JPEG keeping colour space, bit
	// depth and pixel dimensions.
	LevelStandard Level = iota
	// LevelExtreme converts images to 1 bit grey.
	LevelExtreme
)

func (l Level) String() string {
	switch l {
	case LevelStandard:
		return "standard"
	case LevelExtreme:
		return "extreme"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel maps a configuration value to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "", "standard":
		return LevelStandard, nil
	case "extreme":
		return LevelExtreme, nil
	}
	return 0, fmt.Errorf("unknown compression level %q", s)
}

const (
	DefaultStartQuality = 75
	DefaultMinQuality   = 30

	// minGainRatio and minGainBytes define a negligible gain: a replacement
	// must save both.
	minGainRatio = 0.05
	minGainBytes = 1024

	// bilevelMaxSide bounds the long side of extreme output, about 200 dpi
	// on letter and A4 paper.
	bilevelMaxSide = 2200
	// bilevelThreshold scales the mean luminance into the black/white cut.
	bilevelThreshold = 0.92
)

type Settings struct {
	Level        Level
	StartQuality int
	MinQuality   int
}

// Worthwhile reports whether shrinking before to after is more than a
// negligible gain.
func Worthwhile(before, after int64) bool {
	saved := before - after
	return saved >= minGainBytes && float64(saved) >= minGainRatio*float64(before)
}

// SkipError reports an image that could not be recompressed. The image is
// left unmodified.
type SkipError struct {
	Ref    raw.ObjectRef
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	msg := fmt.Sprintf("resource %s skipped: %s", e.Ref, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SkipError) Unwrap() error { return e.Err }

// Outcome describes one recompression. Stream is nil when the object is
// kept as it was.
type Outcome struct {
	Ref     raw.ObjectRef
	Stream  *raw.StreamObj
	Before  int64
	After   int64
	Quality int
	Tried   []int
}

// Changed reports whether a replacement was produced.
func (o *Outcome) Changed() bool { return o != nil && o.Stream != nil }

// Recompressor produces smaller encodings of single image XObjects.
type Recompressor struct {
	settings Settings
	filters  *filters.Pipeline
	logger   observability.Logger
}

func NewRecompressor(s Settings, pipe *filters.Pipeline, logger observability.Logger) *Recompressor {
	if s.StartQuality <= 0 {
		s.StartQuality = DefaultStartQuality
	}
	if s.MinQuality < 0 {
		s.MinQuality = 0
	}
	if s.StartQuality < s.MinQuality {
		s.StartQuality = s.MinQuality
	}
	if pipe == nil {
		pipe = filters.NewStandardPipeline(filters.Limits{})
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Recompressor{settings: s, filters: pipe, logger: logger}
}

// Recompress computes a replacement for the image stream st stored under
// ref. target is the size the search aims for; the smallest encoding found
// is used when target cannot be reached. The document is only read.
//
// Streams that are not images, or images the recompressor does not handle,
// yield an unchanged outcome and no error. A *SkipError is returned when an
// image should be handled but its data cannot be decoded.
func (r *Recompressor) Recompress(ctx context.Context, doc *raw.Document, ref raw.ObjectRef, st *raw.StreamObj, target int64) (out *Outcome, err error) {
	out = &Outcome{Ref: ref, Before: int64(len(st.Data)), After: int64(len(st.Data))}
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, &SkipError{Ref: ref, Reason: fmt.Sprintf("panic: %v", p)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := decodeImage(ctx, r.filters, doc, st)
	if errors.Is(err, errNotEligible) {
		return out, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SkipError{Ref: ref, Reason: "decode", Err: err}
	}

	var dict *raw.DictObj
	var data []byte
	switch r.settings.Level {
	case LevelExtreme:
		dict, data, err = r.bilevel(st, src)
	default:
		dict, data, err = r.searchQuality(ctx, st, src, target, out)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SkipError{Ref: ref, Reason: "encode", Err: err}
	}
	if data == nil || !Worthwhile(out.Before, int64(len(data))) {
		return out, nil
	}
	out.Stream = raw.NewStream(dict, nil)
	out.Stream.SetData(data)
	out.After = int64(len(data))
	return out, nil
}

// nextQuality steps down by half the distance to the floor, at least 5.
func nextQuality(q, floor int) int {
	step := (q - floor) / 2
	if step < 5 {
		step = 5
	}
	q -= step
	if q < floor {
		q = floor
	}
	return q
}

// searchQuality encodes at descending qualities until the result fits
// target or the floor has been tried. A JPEG source is never encoded at or
// above one less than its own estimated quality, so a second pass over an
// image already at the floor changes nothing.
func (r *Recompressor) searchQuality(ctx context.Context, st *raw.StreamObj, src *sourceImage, target int64, out *Outcome) (*raw.DictObj, []byte, error) {
	if src.components == 4 || src.bpc != 8 {
		return nil, nil, nil
	}
	floor := r.settings.MinQuality
	q := r.settings.StartQuality
	if src.dct && src.quality > 0 && q > src.quality-2 {
		q = src.quality - 2
	}
	if q < floor || q < 1 {
		return nil, nil, nil
	}

	img := src.img
	if src.components == 1 {
		img = toGray(img)
	}
	var best []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, nil, err
		}
		out.Tried = append(out.Tried, q)
		if best == nil || buf.Len() < len(best) {
			best = buf.Bytes()
			out.Quality = q
		}
		if int64(len(best)) <= target || q == floor {
			break
		}
		q = nextQuality(q, floor)
	}
	r.logger.Debug("jpeg quality search",
		observability.String("ref", out.Ref.String()),
		observability.Int("quality", out.Quality),
		observability.Int("tries", len(out.Tried)),
		observability.Int64("target", target),
		observability.Int("bytes", len(best)),
	)

	dict := st.Dict.Clone()
	dict.Set(raw.NameLiteral("Filter"), raw.NameLiteral("DCTDecode"))
	dict.Delete("DecodeParms")
	return dict, best, nil
}

// bilevel renders the image as 1 bit grey with a threshold at 92% of the
// mean luminance, downsampling first when the long side exceeds
// bilevelMaxSide.
func (r *Recompressor) bilevel(st *raw.StreamObj, src *sourceImage) (*raw.DictObj, []byte, error) {
	if src.components == 1 && src.bpc == 1 {
		return nil, nil, nil
	}
	gray := toGray(src.img)
	if src.invert {
		for i, v := range gray.Pix {
			gray.Pix[i] = 255 - v
		}
	}
	if w, h := gray.Bounds().Dx(), gray.Bounds().Dy(); w > bilevelMaxSide || h > bilevelMaxSide {
		var nw, nh int
		if w >= h {
			nw, nh = bilevelMaxSide, max(1, h*bilevelMaxSide/w)
		} else {
			nw, nh = max(1, w*bilevelMaxSide/h), bilevelMaxSide
		}
		small := image.NewGray(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(small, small.Bounds(), gray, gray.Bounds(), draw.Src, nil)
		gray = small
	}

	packed, w, h := threshold(gray)
	data, err := filters.EncodeFlate(packed, 9)
	if err != nil {
		return nil, nil, err
	}
	dict := st.Dict.Clone()
	dict.Set(raw.NameLiteral("Width"), raw.NumberInt(int64(w)))
	dict.Set(raw.NameLiteral("Height"), raw.NumberInt(int64(h)))
	dict.Set(raw.NameLiteral("ColorSpace"), raw.NameLiteral("DeviceGray"))
	dict.Set(raw.NameLiteral("BitsPerComponent"), raw.NumberInt(1))
	dict.Set(raw.NameLiteral("Filter"), raw.NameLiteral("FlateDecode"))
	dict.Delete("DecodeParms")
	dict.Delete("Decode")
	return dict, data, nil
}

// threshold packs gray into rows of 1 bit samples, most significant bit
// first, 1 meaning white.
func threshold(gray *image.Gray) ([]byte, int, int) {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	var sum uint64
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for _, v := range row {
			sum += uint64(v)
		}
	}
	cut := float64(sum) / float64(w*h) * bilevelThreshold
	stride := (w + 7) / 8
	out := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x, v := range row {
			if float64(v) > cut {
				out[y*stride+x/8] |= 0x80 >> uint(x%8)
			}
		}
	}
	return out, w, h
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return &image.Gray{Pix: append([]byte(nil), g.Pix...), Stride: g.Stride, Rect: g.Rect}
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
