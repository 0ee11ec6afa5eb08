package writer

import (
	"bytes"
	"encoding/hex"
	"io"
	"sort"
	"strconv"

	"github.com/wudi/pdfbudget/ir/raw"
)

// keepFunc decides whether a reference is written as is or as null.
type keepFunc func(raw.ObjectRef) bool

func keepAll(raw.ObjectRef) bool { return true }

// encoder writes PDF syntax to w and counts the bytes.
type encoder struct {
	w    io.Writer
	n    int64
	err  error
	keep keepFunc
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	n, err := e.w.Write(p)
	e.n += int64(n)
	e.err = err
}

func (e *encoder) str(s string) { e.write([]byte(s)) }

// object writes "num gen obj ... endobj" for ref.
func (e *encoder) object(ref raw.ObjectRef, obj raw.Object) {
	e.str(strconv.Itoa(ref.Num))
	e.str(" ")
	e.str(strconv.Itoa(ref.Gen))
	e.str(" obj\n")
	e.value(obj)
	e.str("\nendobj\n")
}

func (e *encoder) value(o raw.Object) {
	switch v := o.(type) {
	case raw.NameObj:
		e.str(nameLiteral(v.Val))
	case raw.NumberObj:
		e.str(formatNumber(v))
	case raw.BoolObj:
		if v.V {
			e.str("true")
		} else {
			e.str("false")
		}
	case raw.StringObj:
		if v.Hex {
			dst := make([]byte, hex.EncodedLen(len(v.Bytes))+2)
			dst[0] = '<'
			hex.Encode(dst[1:], v.Bytes)
			dst[len(dst)-1] = '>'
			e.write(bytes.ToUpper(dst))
		} else {
			e.write(escapeLiteralString(v.Bytes))
		}
	case *raw.ArrayObj:
		e.str("[")
		for i, it := range v.Items {
			if i > 0 {
				e.str(" ")
			}
			e.value(it)
		}
		e.str("]")
	case *raw.DictObj:
		e.dict(v, -1)
	case *raw.StreamObj:
		e.dict(v.Dict, int64(len(v.Data)))
		e.str("\nstream\n")
		e.write(v.Data)
		e.str("\nendstream")
	case raw.RefObj:
		if !e.keep(v.R) {
			e.str("null")
			return
		}
		e.str(strconv.Itoa(v.R.Num))
		e.str(" ")
		e.str(strconv.Itoa(v.R.Gen))
		e.str(" R")
	default:
		e.str("null")
	}
}

// dict writes a dictionary with sorted keys. A non-negative length replaces
// /Length so the declared length always matches the payload.
func (e *encoder) dict(d *raw.DictObj, length int64) {
	e.str("<<")
	var keys []string
	if d != nil {
		keys = make([]string, 0, len(d.KV)+1)
		for k := range d.KV {
			if length >= 0 && k == "Length" {
				continue
			}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.str(nameLiteral(k))
		e.str(" ")
		e.value(d.KV[k])
	}
	if length >= 0 {
		e.str("/Length ")
		e.str(strconv.FormatInt(length, 10))
	}
	e.str(">>")
}

func formatNumber(n raw.NumberObj) string {
	if n.IsInt {
		return strconv.FormatInt(n.I, 10)
	}
	if n.F == float64(int64(n.F)) && n.F < 1e15 && n.F > -1e15 {
		return strconv.FormatInt(int64(n.F), 10)
	}
	return strconv.FormatFloat(n.F, 'f', -1, 64)
}

func escapeLiteralString(rawBytes []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(rawBytes) + 2)
	b.WriteByte('(')
	for _, ch := range rawBytes {
		switch ch {
		case '\\', '(', ')':
			b.WriteByte('\\')
			b.WriteByte(ch)
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		case '\b':
			b.WriteString("\\b")
		case '\f':
			b.WriteString("\\f")
		default:
			if ch < 0x20 || ch >= 0x80 {
				b.WriteByte('\\')
				b.WriteByte('0' + ch>>6)
				b.WriteByte('0' + (ch>>3)&7)
				b.WriteByte('0' + ch&7)
			} else {
				b.WriteByte(ch)
			}
		}
	}
	b.WriteByte(')')
	return b.Bytes()
}

// nameLiteral renders a name with #xx escapes for bytes that are not
// regular characters.
func nameLiteral(value string) string {
	b := make([]byte, 0, len(value)+1)
	b = append(b, '/')
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch < 0x21 || ch > 0x7e || ch == '#' || isDelimiter(ch) {
			b = append(b, '#', hexDigit(ch>>4), hexDigit(ch&0xf))
			continue
		}
		b = append(b, ch)
	}
	return string(b)
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func hexDigit(v byte) byte {
	if v < 10 {
		return '0' + v
	}
	return 'A' + v - 10
}

// discard counts bytes without keeping them.
type discard struct{ n int64 }

func (d *discard) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return len(p), nil
}

// ObjectSize is the exact number of bytes object obj occupies when written
// under ref, including the "obj"/"endobj" framing. Stream payloads are
// counted, not copied.
func ObjectSize(ref raw.ObjectRef, obj raw.Object) int64 {
	var d discard
	e := &encoder{w: &d, keep: keepAll}
	e.object(ref, obj)
	return e.n
}

// XRefEntrySize is the size of one classic cross-reference line.
const XRefEntrySize = 20
