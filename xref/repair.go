package xref

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/scanner"
)

// repair rebuilds the xref table by scanning the whole file for
// "<num> <gen> obj" headers. Later definitions win, as they would in an
// incremental update. Members of object streams found along the way are
// added as compressed entries.
func (r *resolver) repair(ctx context.Context, data []byte) (*table, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	offsets := make(map[int]entry)
	var trailer *raw.DictObj
	var prev1, prev2 scanner.Token

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		before := s.Position()
		tok, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			next := s.Position()
			if next <= before {
				next = before + 1
			}
			if next >= int64(len(data)) || s.SeekTo(next) != nil {
				break
			}
			prev1, prev2 = scanner.Token{}, scanner.Token{}
			continue
		}
		switch {
		case tok.Type == scanner.TokenKeyword && tok.Str == "obj":
			if isUint(prev2) && isUint(prev1) {
				offsets[int(prev2.Int)] = entry{kind: entryInUse, offset: prev2.Pos, gen: int(prev1.Int)}
			}
		case tok.Type == scanner.TokenKeyword && tok.Str == "trailer":
			obj, err := raw.ParseObject(raw.NewTokenReader(s))
			if d, ok := obj.(*raw.DictObj); err == nil && ok {
				if _, hasRoot := d.Lookup("Root"); hasRoot || trailer == nil {
					trailer = d
				}
			}
		}
		prev2, prev1 = prev1, tok
	}
	if len(offsets) == 0 {
		return nil, errors.New("repair failed: no objects found")
	}

	t := newTable("repaired")
	for num, e := range offsets {
		t.entries[num] = e
	}
	r.addObjectStreamMembers(data, t)

	if trailer == nil || !hasKey(trailer, "Root") {
		trailer = synthesizeTrailer(data, t, trailer)
	}
	if !hasKey(trailer, "Root") {
		return nil, errors.New("repair failed: no document catalog found")
	}
	maxNum := 0
	for num := range t.entries {
		if num > maxNum {
			maxNum = num
		}
	}
	trailer.Set(raw.NameLiteral("Size"), raw.NumberInt(int64(maxNum+1)))
	trailer.Delete("Prev")
	trailer.Delete("XRefStm")
	t.trailer = trailer
	return t, nil
}

func isUint(tok scanner.Token) bool {
	return tok.Type == scanner.TokenNumber && tok.IsInt && tok.Int >= 0
}

func hasKey(d *raw.DictObj, key string) bool {
	_, ok := d.Lookup(key)
	return ok
}

func (r *resolver) addObjectStreamMembers(data []byte, t *table) {
	nums := make([]int, 0, len(t.entries))
	for num := range t.entries {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	for _, num := range nums {
		e := t.entries[num]
		if !looksLike(data, e.offset, "/ObjStm") {
			continue
		}
		stream, err := readStreamObject(data, e.offset)
		if err != nil || raw.DictName(stream.Dict, "Type") != "ObjStm" {
			continue
		}
		names, params := filters.ExtractFilters(stream.Dict)
		payload, err := r.cfg.Filters.Decode(context.Background(), stream.Data, names, params)
		if err != nil {
			continue
		}
		n, _ := raw.DictInt(stream.Dict, "N")
		for i, member := range objectStreamHeader(payload, int(n)) {
			if _, ok := t.entries[member]; !ok {
				t.entries[member] = entry{kind: entryCompressed, stream: num, index: i}
			}
		}
	}
}

// objectStreamHeader returns the object numbers listed in the first n pairs
// of an object stream header.
func objectStreamHeader(payload []byte, n int) []int {
	var out []int
	p := 0
	for i := 0; i < n; i++ {
		p = skipSpace(payload, p)
		num, np, ok := readUint(payload, p)
		if !ok {
			break
		}
		np = skipSpace(payload, np)
		if _, np, ok = readUint(payload, np); !ok {
			break
		}
		out = append(out, num)
		p = np
	}
	return out
}

// synthesizeTrailer builds a trailer around the first catalog found.
func synthesizeTrailer(data []byte, t *table, base *raw.DictObj) *raw.DictObj {
	trailer := raw.Dict()
	if base != nil {
		trailer = base
	}
	for _, num := range t.Objects() {
		e := t.entries[num]
		if e.kind != entryInUse || !looksLike(data, e.offset, "/Catalog") {
			continue
		}
		_, obj, err := readObjectAt(data, e.offset)
		if err != nil {
			continue
		}
		if d, ok := obj.(*raw.DictObj); ok && raw.DictName(d, "Type") == "Catalog" {
			trailer.Set(raw.NameLiteral("Root"), raw.Ref(num, e.gen))
			break
		}
	}
	return trailer
}

// looksLike reports whether marker occurs in the object header window at
// off, which avoids parsing every object in a damaged file.
func looksLike(data []byte, off int64, marker string) bool {
	end := off + 1024
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if off < 0 || off >= end {
		return false
	}
	window := data[off:end]
	if i := bytes.Index(window, []byte("stream")); i >= 0 {
		window = window[:i]
	}
	return bytes.Contains(window, []byte(marker))
}
