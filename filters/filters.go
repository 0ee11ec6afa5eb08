package filters

import (
	"bytes"
	"compress/flate"
	stdlzw "compress/lzw"
	"compress/zlib"
	"context"
	stdascii85 "encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/wudi/pdfbudget/ir/raw"
)

type Decoder interface {
	Name() string
	Decode(ctx context.Context, input []byte, params raw.Dictionary) ([]byte, error)
}

type Pipeline struct {
	decoders []Decoder
	limits   Limits
}

// NewPipeline constructs a pipeline with provided decoders and limits.
func NewPipeline(decoders []Decoder, limits Limits) *Pipeline {
	return &Pipeline{decoders: decoders, limits: limits}
}

// NewStandardPipeline registers every general-purpose decoder plus the image
// codecs, which report UnsupportedError when asked to decode.
func NewStandardPipeline(limits Limits) *Pipeline {
	return NewPipeline([]Decoder{
		NewFlateDecoder(),
		NewLZWDecoder(),
		NewASCII85Decoder(),
		NewASCIIHexDecoder(),
		NewRunLengthDecoder(),
		NewCryptDecoder(),
		NewDCTDecoder(),
		NewJPXDecoder(),
		NewJBIG2Decoder(),
		NewCCITTFaxDecoder(),
	}, limits)
}

type Limits struct {
	MaxDecompressedSize int64
	MaxDecodeTime       time.Duration
}

// UnsupportedError reports a filter that has no byte-level decoder.
type UnsupportedError struct {
	Filter string
}

func (e UnsupportedError) Error() string { return "unsupported filter: " + e.Filter }

// ErrSizeLimit is returned when decoded output exceeds Limits.MaxDecompressedSize.
var ErrSizeLimit = errors.New("decompressed size exceeds limit")

var abbreviations = map[string]string{
	"Fl":  "FlateDecode",
	"LZW": "LZWDecode",
	"A85": "ASCII85Decode",
	"AHx": "ASCIIHexDecode",
	"RL":  "RunLengthDecode",
	"DCT": "DCTDecode",
	"CCF": "CCITTFaxDecode",
}

// CanonicalName expands the inline-image abbreviations of filter names.
func CanonicalName(name string) string {
	if full, ok := abbreviations[name]; ok {
		return full
	}
	return name
}

// IsImageCodec reports whether name is a filter that encodes raster data and
// therefore ends a byte-level decode chain.
func IsImageCodec(name string) bool {
	switch CanonicalName(name) {
	case "DCTDecode", "JPXDecode", "JBIG2Decode", "CCITTFaxDecode":
		return true
	}
	return false
}

func (p *Pipeline) findDecoder(name string) Decoder {
	name = CanonicalName(name)
	for _, d := range p.decoders {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

func (p *Pipeline) Decode(ctx context.Context, input []byte, filterNames []string, params []raw.Dictionary) ([]byte, error) {
	if p.limits.MaxDecodeTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.MaxDecodeTime)
		defer cancel()
	}
	data := input
	for i, name := range filterNames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec := p.findDecoder(name)
		if dec == nil {
			return nil, UnsupportedError{Filter: name}
		}
		out, err := dec.Decode(withLimit(ctx, p.limits.MaxDecompressedSize), data, paramAt(params, i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dec.Name(), err)
		}
		if p.limits.MaxDecompressedSize > 0 && int64(len(out)) > p.limits.MaxDecompressedSize {
			return nil, ErrSizeLimit
		}
		data = out
	}
	return data, nil
}

// DecodeToImage applies every filter up to the first image codec. It returns
// the partially decoded bytes together with the codec name and its
// parameters, or an empty codec name when the chain has none.
func (p *Pipeline) DecodeToImage(ctx context.Context, input []byte, filterNames []string, params []raw.Dictionary) ([]byte, string, raw.Dictionary, error) {
	for i, name := range filterNames {
		if !IsImageCodec(name) {
			continue
		}
		if i != len(filterNames)-1 {
			return nil, "", nil, fmt.Errorf("image codec %s is not the last filter", name)
		}
		data, err := p.Decode(ctx, input, filterNames[:i], params)
		if err != nil {
			return nil, "", nil, err
		}
		return data, CanonicalName(name), paramAt(params, i), nil
	}
	data, err := p.Decode(ctx, input, filterNames, params)
	return data, "", nil, err
}

func paramAt(params []raw.Dictionary, i int) raw.Dictionary {
	if i < len(params) {
		return params[i]
	}
	return nil
}

type limitKey struct{}

func withLimit(ctx context.Context, limit int64) context.Context {
	if limit <= 0 {
		return ctx
	}
	return context.WithValue(ctx, limitKey{}, limit)
}

func limitFrom(ctx context.Context) int64 {
	if v, ok := ctx.Value(limitKey{}).(int64); ok {
		return v
	}
	return 0
}

// readLimited drains r, failing once more than the context limit has been read.
func readLimited(ctx context.Context, r io.Reader) ([]byte, error) {
	limit := limitFrom(ctx)
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	var out bytes.Buffer
	_, err := io.Copy(&out, r)
	if limit > 0 && int64(out.Len()) > limit {
		return nil, ErrSizeLimit
	}
	return out.Bytes(), err
}

type flateDecoder struct{}

func (flateDecoder) Name() string { return "FlateDecode" }
func NewFlateDecoder() Decoder    { return flateDecoder{} }

// Decode inflates zlib data, falling back to a bare deflate stream. Data
// truncated mid-stream yields what was inflated before the break.
func (flateDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	out, err := inflate(ctx, in, true)
	if err != nil && len(out) == 0 && !errors.Is(err, ErrSizeLimit) {
		out, err = inflate(ctx, in, false)
	}
	if err != nil && (len(out) == 0 || errors.Is(err, ErrSizeLimit)) {
		return nil, err
	}
	return applyPredictor(out, params)
}

func inflate(ctx context.Context, in []byte, wrapped bool) ([]byte, error) {
	var r io.ReadCloser
	if wrapped {
		zr, err := zlib.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, err
		}
		r = zr
	} else {
		r = flate.NewReader(bytes.NewReader(in))
	}
	defer r.Close()
	return readLimited(ctx, r)
}

type lzwDecoder struct{}

func (lzwDecoder) Name() string { return "LZWDecode" }
func NewLZWDecoder() Decoder    { return lzwDecoder{} }

func (lzwDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	early := int64(1)
	if v, ok := paramInt(params, "EarlyChange"); ok {
		early = v
	}
	var r io.ReadCloser
	if early == 0 {
		r = stdlzw.NewReader(bytes.NewReader(in), stdlzw.MSB, 8)
	} else {
		r = tifflzw.NewReader(bytes.NewReader(in), tifflzw.MSB, 8)
	}
	defer r.Close()
	out, err := readLimited(ctx, r)
	if err != nil && (errors.Is(err, ErrSizeLimit) || len(out) == 0) {
		return nil, err
	}
	return applyPredictor(out, params)
}

type ascii85Decoder struct{}

func (ascii85Decoder) Name() string { return "ASCII85Decode" }
func NewASCII85Decoder() Decoder    { return ascii85Decoder{} }

func (ascii85Decoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	trimmed := bytes.TrimSpace(in)
	trimmed = bytes.TrimPrefix(trimmed, []byte("<~"))
	if i := bytes.Index(trimmed, []byte("~>")); i >= 0 {
		trimmed = trimmed[:i]
	}
	out := make([]byte, len(trimmed)*4/5+4+4*bytes.Count(trimmed, []byte("z")))
	n, _, err := stdascii85.Decode(out, trimmed, true)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

type asciiHexDecoder struct{}

func (asciiHexDecoder) Name() string { return "ASCIIHexDecode" }
func NewASCIIHexDecoder() Decoder    { return asciiHexDecoder{} }

func (asciiHexDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	digits := make([]byte, 0, len(in))
	for _, c := range in {
		if c == '>' {
			break
		}
		switch c {
		case ' ', '\t', '\r', '\n', '\f', 0:
			continue
		}
		digits = append(digits, c)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	result := make([]byte, hex.DecodedLen(len(digits)))
	n, err := hex.Decode(result, digits)
	if err != nil {
		return nil, err
	}
	return result[:n], nil
}

type runLengthDecoder struct{}

func (runLengthDecoder) Name() string { return "RunLengthDecode" }
func NewRunLengthDecoder() Decoder    { return runLengthDecoder{} }

func (runLengthDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	limit := limitFrom(ctx)
	var out bytes.Buffer
	for i := 0; i < len(in); {
		n := int(in[i])
		i++
		switch {
		case n == 128:
			return out.Bytes(), nil
		case n < 128:
			end := i + n + 1
			if end > len(in) {
				end = len(in)
			}
			out.Write(in[i:end])
			i = end
		default:
			if i >= len(in) {
				return out.Bytes(), nil
			}
			out.Write(bytes.Repeat(in[i:i+1], 257-n))
			i++
		}
		if limit > 0 && int64(out.Len()) > limit {
			return nil, ErrSizeLimit
		}
	}
	return out.Bytes(), nil
}

// cryptDecoder is a pass-through: decryption happens while objects load.
type cryptDecoder struct{}

func (cryptDecoder) Name() string { return "Crypt" }
func NewCryptDecoder() Decoder    { return cryptDecoder{} }
func (cryptDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	return in, nil
}

// imageCodec marks raster codecs that have no byte-level decoding.
type imageCodec struct{ name string }

func (c imageCodec) Name() string { return c.name }
func (c imageCodec) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	return nil, UnsupportedError{Filter: c.name}
}

func NewDCTDecoder() Decoder      { return imageCodec{name: "DCTDecode"} }
func NewJPXDecoder() Decoder      { return imageCodec{name: "JPXDecode"} }
func NewJBIG2Decoder() Decoder    { return imageCodec{name: "JBIG2Decode"} }
func NewCCITTFaxDecoder() Decoder { return imageCodec{name: "CCITTFaxDecode"} }
