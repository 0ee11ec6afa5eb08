package raw

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfbudget/recovery"
	"github.com/wudi/pdfbudget/scanner"
)

// TokenSource yields scanner tokens.
type TokenSource interface {
	Next() (scanner.Token, error)
}

type streamLengthSetter interface{ SetNextStreamLength(int64) }

// TokenReader adds push-back to a TokenSource and carries the context used
// when reporting recoverable errors.
type TokenReader struct {
	src          TokenSource
	buf          []scanner.Token
	lengthSetter streamLengthSetter

	Recovery recovery.Strategy
	Location recovery.Location
	// MaxDepth bounds array/dictionary nesting. Zero means 100.
	MaxDepth int
	// MaxArraySize and MaxDictSize bound the entries of a single array or
	// dictionary. Zero means unbounded.
	MaxArraySize int
	MaxDictSize  int
}

func NewTokenReader(src TokenSource) *TokenReader {
	tr := &TokenReader{src: src}
	if setter, ok := src.(streamLengthSetter); ok {
		tr.lengthSetter = setter
	}
	return tr
}

func (r *TokenReader) Next() (scanner.Token, error) {
	if l := len(r.buf); l > 0 {
		t := r.buf[l-1]
		r.buf = r.buf[:l-1]
		return t, nil
	}
	return r.src.Next()
}

func (r *TokenReader) Unread(tok scanner.Token) { r.buf = append(r.buf, tok) }

// SetStreamLengthHint forwards the declared /Length to the scanner; n < 0
// clears it.
func (r *TokenReader) SetStreamLengthHint(n int64) {
	if r.lengthSetter != nil {
		r.lengthSetter.SetNextStreamLength(n)
	}
}

// ParseObject reads one direct object. Streams are not assembled here: the
// caller decides the payload length and reads the stream token itself.
func ParseObject(tr *TokenReader) (Object, error) {
	return parseObject(tr, 0)
}

func (r *TokenReader) maxDepth() int {
	if r.MaxDepth > 0 {
		return r.MaxDepth
	}
	return 100
}

func parseObject(tr *TokenReader, depth int) (Object, error) {
	if depth > tr.maxDepth() {
		return nil, errors.New("object nesting too deep")
	}
	tok, err := tr.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case scanner.TokenName:
		return NameObj{Val: tok.Str}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return NumberObj{I: tok.Int, IsInt: true}, nil
		}
		return NumberObj{F: tok.Float}, nil
	case scanner.TokenBoolean:
		return BoolObj{V: tok.Bool}, nil
	case scanner.TokenNull:
		return NullObj{}, nil
	case scanner.TokenString:
		return StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case scanner.TokenArray:
		return parseArray(tr, depth+1)
	case scanner.TokenDict:
		return parseDict(tr, depth+1)
	case scanner.TokenRef:
		return RefObj{R: ObjectRef{Num: int(tok.Int), Gen: tok.Gen}}, nil
	}
	return nil, fmt.Errorf("unexpected %s token %q at offset %d", tok.Type, tok.Str, tok.Pos)
}

func parseArray(tr *TokenReader, depth int) (Object, error) {
	arr := &ArrayObj{}
	for {
		tok, err := tr.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "]" {
			break
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "endobj" {
			if !tr.recover(errors.New("unexpected endobj in array (missing ]?)"), tok.Pos) {
				return nil, errors.New("unexpected endobj in array")
			}
			tr.Unread(tok)
			break
		}
		tr.Unread(tok)
		item, err := parseObject(tr, depth)
		if err != nil {
			return nil, err
		}
		arr.Append(item)
		if tr.MaxArraySize > 0 && arr.Len() > tr.MaxArraySize {
			return nil, fmt.Errorf("array exceeds %d entries", tr.MaxArraySize)
		}
	}
	return arr, nil
}

func parseDict(tr *TokenReader, depth int) (Object, error) {
	d := Dict()
	for {
		tok, err := tr.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == ">>" {
			break
		}
		if tok.Type != scanner.TokenName {
			if (tok.Type == scanner.TokenKeyword && tok.Str == "endobj") || tok.Type == scanner.TokenStream {
				if tr.recover(errors.New("dictionary not closed (missing >>?)"), tok.Pos) {
					tr.Unread(tok)
					break
				}
				return nil, errors.New("dictionary not closed")
			}
			return nil, fmt.Errorf("expected name in dict, got %s", tok.Type)
		}
		key := tok.Str
		val, err := parseObject(tr, depth)
		if err != nil {
			return nil, err
		}
		if _, isNull := val.(NullObj); isNull {
			// A null value is equivalent to an absent entry.
			continue
		}
		d.Set(NameObj{Val: key}, val)
		if tr.MaxDictSize > 0 && len(d.KV) > tr.MaxDictSize {
			return nil, fmt.Errorf("dictionary exceeds %d entries", tr.MaxDictSize)
		}
	}
	return d, nil
}

func (r *TokenReader) recover(err error, offset int64) bool {
	if r.Recovery == nil {
		return false
	}
	loc := r.Location
	loc.ByteOffset = offset
	if loc.Component == "" {
		loc.Component = "parser"
	}
	switch r.Recovery.OnError(nil, err, loc) {
	case recovery.ActionFix, recovery.ActionWarn, recovery.ActionSkip:
		return true
	}
	return false
}
