package filters

import (
	"bytes"
	"compress/flate"
	"compress/lzw"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wudi/pdfbudget/ir/raw"
)

func TestFlateDecode(t *testing.T) {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.BestSpeed)
	w.Write([]byte("hello world"))
	w.Close()

	dec := NewFlateDecoder()
	out, err := dec.Decode(context.Background(), buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hello world" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestFlateDecodeZlibRoundTrip(t *testing.T) {
	in := []byte(strings.Repeat("0 0 m 10 10 l S\n", 50))
	enc, err := EncodeFlate(in, flate.BestCompression)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(enc) >= len(in) {
		t.Fatalf("expected compression, got %d >= %d", len(enc), len(in))
	}
	out, err := NewFlateDecoder().Decode(context.Background(), enc, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round trip mismatch")
	}
}

func TestFlateDecodeTruncated(t *testing.T) {
	in := bytes.Repeat([]byte("abcdefgh"), 4096)
	enc, _ := EncodeFlate(in, flate.BestSpeed)
	out, err := NewFlateDecoder().Decode(context.Background(), enc[:len(enc)-8], nil)
	if err != nil {
		t.Fatalf("truncated data should yield partial output: %v", err)
	}
	if len(out) == 0 || !bytes.HasPrefix(in, out) {
		t.Fatalf("unexpected partial output (%d bytes)", len(out))
	}
}

func TestFlateDecodeWithPredictor(t *testing.T) {
	var comp bytes.Buffer
	w, _ := flate.NewWriter(&comp, flate.BestSpeed)
	// PNG predictor row: filter byte 1 (Sub), then row bytes.
	w.Write([]byte{1, 10, 12, 20})
	w.Close()

	params := raw.Dict()
	params.Set(raw.NameObj{Val: "Predictor"}, raw.NumberInt(12))
	params.Set(raw.NameObj{Val: "Colors"}, raw.NumberInt(1))
	params.Set(raw.NameObj{Val: "BitsPerComponent"}, raw.NumberInt(8))
	params.Set(raw.NameObj{Val: "Columns"}, raw.NumberInt(3))

	dec := NewFlateDecoder()
	out, err := dec.Decode(context.Background(), comp.Bytes(), params)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	want := []byte{10, 22, 42}
	if !bytes.Equal(out, want) {
		t.Fatalf("predictor output mismatch: got %v want %v", out, want)
	}
}

func TestPNGPredictorUpAndPaeth(t *testing.T) {
	// Two rows of 2 bytes: row 0 None, row 1 Up; then Paeth on a third row.
	data := []byte{
		0, 5, 7,
		2, 1, 1,
		4, 1, 1,
	}
	params := raw.Dict()
	params.Set(raw.NameLiteral("Predictor"), raw.NumberInt(15))
	params.Set(raw.NameLiteral("Columns"), raw.NumberInt(2))
	out, err := applyPredictor(data, params)
	if err != nil {
		t.Fatalf("predictor: %v", err)
	}
	// row1 = 6 8; row2: x0 paeth(0,6,0)=6 -> 7, x1 paeth(7,8,6)=8 -> 9
	want := []byte{5, 7, 6, 8, 7, 9}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %v want %v", out, want)
	}
}

func TestTIFFPredictor(t *testing.T) {
	params := raw.Dict()
	params.Set(raw.NameLiteral("Predictor"), raw.NumberInt(2))
	params.Set(raw.NameLiteral("Columns"), raw.NumberInt(3))
	out, err := applyPredictor([]byte{10, 1, 1, 20, 2, 2}, params)
	if err != nil {
		t.Fatalf("predictor: %v", err)
	}
	if !bytes.Equal(out, []byte{10, 11, 12, 20, 22, 24}) {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestLZWDecode(t *testing.T) {
	var buf bytes.Buffer
	w := lzw.NewWriter(&buf, lzw.MSB, 8)
	input := []byte("hello hello hello")
	if _, err := w.Write(input); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	params := raw.Dict()
	params.Set(raw.NameLiteral("EarlyChange"), raw.NumberInt(0))
	dec := NewLZWDecoder()
	out, err := dec.Decode(context.Background(), buf.Bytes(), params)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLZWDecodeWithPredictor(t *testing.T) {
	// Single PNG row with filter None: [0,1,2,3]
	var buf bytes.Buffer
	w := lzw.NewWriter(&buf, lzw.MSB, 8)
	w.Write([]byte{0, 1, 2, 3})
	w.Close()

	params := raw.Dict()
	params.Set(raw.NameObj{Val: "Predictor"}, raw.NumberInt(12))
	params.Set(raw.NameObj{Val: "Colors"}, raw.NumberInt(1))
	params.Set(raw.NameObj{Val: "BitsPerComponent"}, raw.NumberInt(8))
	params.Set(raw.NameObj{Val: "Columns"}, raw.NumberInt(3))
	params.Set(raw.NameObj{Val: "EarlyChange"}, raw.NumberInt(0))

	dec := NewLZWDecoder()
	out, err := dec.Decode(context.Background(), buf.Bytes(), params)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestRunLengthDecode(t *testing.T) {
	// literal run of 3 bytes (len=2), then repeat 'A' 2 times (len=255 => count=2), then EOD 128
	data := []byte{2, 'h', 'i', '!', 255, 'A', 128}
	dec := NewRunLengthDecoder()
	out, err := dec.Decode(context.Background(), data, nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hi!AA" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestASCII85Decode(t *testing.T) {
	dec := NewASCII85Decoder()
	out, err := dec.Decode(context.Background(), []byte("<~87cURD_*#4DfTZ)+T~>"), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "Hello, World!" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestASCIIHexDecode(t *testing.T) {
	dec := NewASCIIHexDecoder()
	out, err := dec.Decode(context.Background(), []byte("68656c6c 6f20776f\n726c64>"), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hello world" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestPipelineChain(t *testing.T) {
	enc, _ := EncodeFlate([]byte("chained"), flate.DefaultCompression)
	hexed := []byte(strings.ToUpper(bytesToHex(enc)) + ">")
	p := NewStandardPipeline(Limits{})
	out, err := p.Decode(context.Background(), hexed, []string{"AHx", "Fl"}, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out) != "chained" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPipelineSizeLimit(t *testing.T) {
	enc, _ := EncodeFlate(bytes.Repeat([]byte{0}, 1<<16), flate.BestCompression)
	p := NewStandardPipeline(Limits{MaxDecompressedSize: 1024})
	_, err := p.Decode(context.Background(), enc, []string{"FlateDecode"}, nil)
	if !errors.Is(err, ErrSizeLimit) {
		t.Fatalf("expected size limit error, got %v", err)
	}
}

func TestDecodeToImageStopsAtCodec(t *testing.T) {
	payload := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	enc, _ := EncodeFlate(payload, flate.BestSpeed)
	p := NewStandardPipeline(Limits{})
	data, codec, _, err := p.DecodeToImage(context.Background(), enc, []string{"FlateDecode", "DCTDecode"}, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if codec != "DCTDecode" || !bytes.Equal(data, payload) {
		t.Fatalf("unexpected result codec=%q data=%v", codec, data)
	}
}

func TestUnsupportedFilters(t *testing.T) {
	fp := NewPipeline([]Decoder{NewJPXDecoder()}, Limits{})
	_, err := fp.Decode(context.Background(), []byte{0x00}, []string{"JPXDecode"}, nil)
	var ue UnsupportedError
	if err == nil || !errors.As(err, &ue) || ue.Filter != "JPXDecode" {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	_, err = fp.Decode(context.Background(), []byte{0x00}, []string{"Bogus"}, nil)
	if !errors.As(err, &ue) || ue.Filter != "Bogus" {
		t.Fatalf("expected unsupported error for unknown filter, got %v", err)
	}
}

func TestExtractFilters(t *testing.T) {
	d := raw.Dict()
	d.Set(raw.NameLiteral("Filter"), raw.NewArray(raw.NameLiteral("ASCII85Decode"), raw.NameLiteral("FlateDecode")))
	parms := raw.Dict()
	parms.Set(raw.NameLiteral("Predictor"), raw.NumberInt(12))
	d.Set(raw.NameLiteral("DecodeParms"), raw.NewArray(raw.NullObj{}, parms))
	names, params := ExtractFilters(d)
	if len(names) != 2 || names[1] != "FlateDecode" {
		t.Fatalf("unexpected names %v", names)
	}
	if len(params) != 2 || params[0] != nil || params[1] == nil {
		t.Fatalf("params must stay aligned with filters: %v", params)
	}
}

func bytesToHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0x0f])
	}
	return string(out)
}
