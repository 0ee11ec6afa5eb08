package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/scanner"
)

// parseStreamSection reads a cross-reference stream object at off. Its
// dictionary doubles as the trailer of the section.
func (r *resolver) parseStreamSection(data []byte, off int64) (*table, error) {
	stream, err := readStreamObject(data, off)
	if err != nil {
		return nil, err
	}
	dict := stream.Dict
	if raw.DictName(dict, "Type") != "XRef" {
		return nil, fmt.Errorf("object at %d is not an xref stream", off)
	}
	names, params := filters.ExtractFilters(dict)
	payload, err := r.cfg.Filters.Decode(context.Background(), stream.Data, names, params)
	if err != nil {
		return nil, fmt.Errorf("decode xref stream: %w", err)
	}

	widths, err := intArray(dict, "W")
	if err != nil || len(widths) != 3 {
		return nil, errors.New("xref stream /W must hold three widths")
	}
	for _, w := range widths {
		if w < 0 || w > 8 {
			return nil, fmt.Errorf("invalid /W width %d", w)
		}
	}
	size, ok := raw.DictInt(dict, "Size")
	if !ok {
		return nil, errors.New("xref stream missing /Size")
	}
	index, err := intArray(dict, "Index")
	if err != nil || len(index) == 0 {
		index = []int{0, int(size)}
	}
	if len(index)%2 != 0 {
		return nil, errors.New("xref stream /Index must hold pairs")
	}

	rowLen := widths[0] + widths[1] + widths[2]
	if rowLen == 0 {
		return nil, errors.New("xref stream has zero-width rows")
	}
	t := newTable("xref-stream")
	t.trailer = dict
	pos := 0
	for i := 0; i < len(index); i += 2 {
		first, count := index[i], index[i+1]
		for j := 0; j < count; j++ {
			if pos+rowLen > len(payload) {
				return nil, errors.New("xref stream data truncated")
			}
			row := payload[pos : pos+rowLen]
			pos += rowLen
			typ := int64(1)
			if widths[0] > 0 {
				typ = field(row[:widths[0]])
			}
			f2 := field(row[widths[0] : widths[0]+widths[1]])
			f3 := field(row[widths[0]+widths[1]:])
			num := first + j
			switch typ {
			case 0:
				t.add(num, entry{kind: entryFree, gen: int(f3)})
			case 1:
				if f2 > 0 {
					t.add(num, entry{kind: entryInUse, offset: f2, gen: int(f3)})
				}
			case 2:
				t.add(num, entry{kind: entryCompressed, stream: int(f2), index: int(f3)})
			}
			// Other types are reserved and read as null references.
		}
	}
	return t, nil
}

func field(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func intArray(dict *raw.DictObj, key string) ([]int, error) {
	v, ok := dict.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("missing /%s", key)
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok {
		return nil, fmt.Errorf("/%s is not an array", key)
	}
	out := make([]int, 0, arr.Len())
	for _, item := range arr.Items {
		n, ok := raw.IntValue(item)
		if !ok || n < 0 {
			return nil, fmt.Errorf("/%s holds a non-integer", key)
		}
		out = append(out, int(n))
	}
	return out, nil
}

// readObjectAt parses the indirect object "<num> <gen> obj ..." at off.
// Streams use a direct /Length as the payload hint.
func readObjectAt(data []byte, off int64) (int, raw.Object, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	if err := s.SeekTo(off); err != nil {
		return 0, nil, err
	}
	tr := raw.NewTokenReader(s)
	var num int
	for i, want := range []scanner.TokenType{scanner.TokenNumber, scanner.TokenNumber, scanner.TokenKeyword} {
		tok, err := tr.Next()
		if err != nil {
			return 0, nil, err
		}
		if tok.Type != want || (i == 2 && tok.Str != "obj") {
			return 0, nil, fmt.Errorf("no object header at %d", off)
		}
		if i == 0 {
			num = int(tok.Int)
		}
	}
	obj, err := raw.ParseObject(tr)
	if err != nil {
		return 0, nil, err
	}
	dict, ok := obj.(*raw.DictObj)
	if !ok {
		return num, obj, nil
	}
	if n, ok := raw.DictInt(dict, "Length"); ok {
		tr.SetStreamLengthHint(n)
	}
	tok, err := tr.Next()
	if err != nil || tok.Type != scanner.TokenStream {
		return num, dict, nil
	}
	return num, &raw.StreamObj{Dict: dict, Data: tok.Bytes}, nil
}

func readStreamObject(data []byte, off int64) (*raw.StreamObj, error) {
	_, obj, err := readObjectAt(data, off)
	if err != nil {
		return nil, err
	}
	stream, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("object at %d is not a stream", off)
	}
	return stream, nil
}
