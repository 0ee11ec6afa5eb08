package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/recovery"
	"github.com/wudi/pdfbudget/scanner"
)

// Table maps object numbers to their physical location.
type Table interface {
	// Lookup returns the byte offset of an uncompressed object.
	Lookup(objNum int) (offset int64, gen int, found bool)
	// ObjStream reports the containing object stream of a compressed object.
	ObjStream(objNum int) (streamNum int, index int, found bool)
	// Objects lists every in-use object number in ascending order.
	Objects() []int
	Type() string
}

// Resolver locates and parses xref information in a PDF.
type Resolver interface {
	Resolve(ctx context.Context, r io.ReaderAt) (Table, error)
	// Trailer is the merged trailer, newest revision first.
	Trailer() *raw.DictObj
	Linearized() bool
	// Repaired reports that the table was rebuilt by scanning the file.
	Repaired() bool
}

type ResolverConfig struct {
	// MaxXRefDepth bounds the /Prev chain. Zero means 64.
	MaxXRefDepth int
	// Recovery, when set and not failing, allows a full-file repair scan
	// whenever the xref chain is unusable.
	Recovery recovery.Strategy
	Filters  *filters.Pipeline
}

func NewResolver(cfg ResolverConfig) Resolver {
	if cfg.MaxXRefDepth <= 0 {
		cfg.MaxXRefDepth = 64
	}
	if cfg.Filters == nil {
		cfg.Filters = filters.NewStandardPipeline(filters.Limits{})
	}
	return &resolver{cfg: cfg}
}

type entryKind int

const (
	entryFree entryKind = iota
	entryInUse
	entryCompressed
)

type entry struct {
	kind   entryKind
	offset int64
	gen    int
	stream int
	index  int
}

type table struct {
	kind    string
	entries map[int]entry
	trailer *raw.DictObj
}

func newTable(kind string) *table { return &table{kind: kind, entries: make(map[int]entry)} }

// add records e unless a newer section already defined objNum.
func (t *table) add(objNum int, e entry) {
	if _, ok := t.entries[objNum]; ok {
		return
	}
	t.entries[objNum] = e
}

func (t *table) Lookup(objNum int) (int64, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.kind != entryInUse {
		return 0, 0, false
	}
	return e.offset, e.gen, true
}

func (t *table) ObjStream(objNum int) (int, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.kind != entryCompressed {
		return 0, 0, false
	}
	return e.stream, e.index, true
}

func (t *table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k, e := range t.entries {
		if e.kind != entryFree {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

func (t *table) Type() string { return t.kind }

type resolver struct {
	cfg        ResolverConfig
	trailer    *raw.DictObj
	linearized bool
	repaired   bool
}

func (r *resolver) Trailer() *raw.DictObj { return r.trailer }
func (r *resolver) Linearized() bool      { return r.linearized }
func (r *resolver) Repaired() bool        { return r.repaired }

func (r *resolver) Resolve(ctx context.Context, src io.ReaderAt) (Table, error) {
	data := readAll(src)
	r.linearized = detectLinearized(data)

	t, err := r.resolveChain(ctx, data)
	if err == nil {
		return t, nil
	}
	if r.cfg.Recovery == nil || r.cfg.Recovery.OnError(ctx, err, recovery.Location{Component: "xref"}) == recovery.ActionFail {
		return nil, err
	}
	t, rerr := r.repair(ctx, data)
	if rerr != nil {
		return nil, fmt.Errorf("%v; %w", err, rerr)
	}
	r.trailer = t.trailer
	r.repaired = true
	return t, nil
}

func (r *resolver) resolveChain(ctx context.Context, data []byte) (*table, error) {
	start, err := findStartXRef(data)
	if err != nil {
		return nil, err
	}
	merged := newTable("")
	var trailer *raw.DictObj
	visited := make(map[int64]bool)
	offset := start
	for depth := 0; ; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth >= r.cfg.MaxXRefDepth {
			return nil, errors.New("xref chain too long")
		}
		if visited[offset] {
			break
		}
		visited[offset] = true

		section, err := r.loadSection(data, offset)
		if err != nil {
			if depth == 0 {
				return nil, err
			}
			return nil, fmt.Errorf("xref section at %d: %w", offset, err)
		}
		if merged.kind == "" {
			merged.kind = section.kind
		}
		for num, e := range section.entries {
			merged.add(num, e)
		}
		if section.kind == "table" {
			if v, ok := section.trailer.Lookup("XRefStm"); ok {
				if off, ok := raw.IntValue(v); ok && !visited[off] {
					visited[off] = true
					if hybrid, err := r.loadSection(data, off); err == nil {
						for num, e := range hybrid.entries {
							merged.add(num, e)
						}
					}
				}
			}
		}
		trailer = mergeTrailer(trailer, section.trailer)

		prev, ok := section.trailer.Lookup("Prev")
		if !ok {
			break
		}
		next, ok := raw.IntValue(prev)
		if !ok || next < 0 || next >= int64(len(data)) {
			break
		}
		offset = next
	}

	if _, ok := trailer.Lookup("Root"); !ok {
		return nil, errors.New("trailer has no /Root")
	}
	if err := validateSize(merged, trailer); err != nil {
		return nil, err
	}
	if err := checkOffsets(data, merged); err != nil {
		return nil, err
	}
	merged.trailer = trailer
	r.trailer = trailer
	return merged, nil
}

func mergeTrailer(newer, older *raw.DictObj) *raw.DictObj {
	if newer == nil {
		out := older.Clone()
		out.Delete("Prev")
		out.Delete("XRefStm")
		return out
	}
	for k, v := range older.KV {
		if k == "Prev" || k == "XRefStm" {
			continue
		}
		if _, ok := newer.KV[k]; !ok {
			newer.KV[k] = v
		}
	}
	return newer
}

func validateSize(t *table, trailer *raw.DictObj) error {
	size, ok := raw.DictInt(trailer, "Size")
	if !ok {
		return nil
	}
	for num, e := range t.entries {
		if e.kind != entryFree && int64(num) >= size {
			return fmt.Errorf("xref entry %d outside trailer /Size %d", num, size)
		}
	}
	return nil
}

// checkOffsets samples in-use entries and fails when an offset does not
// point at the object it claims to hold.
func checkOffsets(data []byte, t *table) error {
	for num, e := range t.entries {
		if e.kind != entryInUse {
			continue
		}
		if e.offset <= 0 || e.offset >= int64(len(data)) {
			return fmt.Errorf("object %d offset %d out of range", num, e.offset)
		}
		got, _, ok := objectHeaderAt(data, e.offset)
		if !ok || got != num {
			return fmt.Errorf("object %d not found at offset %d", num, e.offset)
		}
	}
	return nil
}

// objectHeaderAt parses "<num> <gen> obj" at off.
func objectHeaderAt(data []byte, off int64) (int, int, bool) {
	p := skipSpace(data, int(off))
	num, p, ok := readUint(data, p)
	if !ok {
		return 0, 0, false
	}
	p = skipSpace(data, p)
	gen, p, ok := readUint(data, p)
	if !ok {
		return 0, 0, false
	}
	p = skipSpace(data, p)
	if !bytes.HasPrefix(data[p:], []byte("obj")) {
		return 0, 0, false
	}
	return num, gen, true
}

func findStartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("startxref not found")
	}
	p := skipSpace(data, idx+len("startxref"))
	off, _, ok := readUint(data, p)
	if !ok {
		return 0, errors.New("startxref offset missing")
	}
	if off <= 0 || off >= len(data) {
		return 0, fmt.Errorf("xref offset out of range: %d", off)
	}
	return int64(off), nil
}

func (r *resolver) loadSection(data []byte, offset int64) (*table, error) {
	p := skipSpace(data, int(offset))
	if bytes.HasPrefix(data[p:], []byte("xref")) {
		return parseClassic(data, p+len("xref"))
	}
	return r.parseStreamSection(data, int64(p))
}

// parseClassic reads subsections until the trailer keyword, then the
// trailer dictionary.
func parseClassic(data []byte, p int) (*table, error) {
	t := newTable("table")
	for {
		p = skipSpace(data, p)
		if p >= len(data) {
			return nil, errors.New("unexpected end of xref section")
		}
		if bytes.HasPrefix(data[p:], []byte("trailer")) {
			p += len("trailer")
			break
		}
		first, np, ok := readUint(data, p)
		if !ok {
			return nil, fmt.Errorf("invalid xref subsection header at %d", p)
		}
		np = skipSpace(data, np)
		count, np, ok := readUint(data, np)
		if !ok {
			return nil, fmt.Errorf("invalid xref subsection header at %d", p)
		}
		p = np
		for i := 0; i < count; i++ {
			p = skipSpace(data, p)
			off, np, ok := readUint(data, p)
			if !ok {
				return nil, fmt.Errorf("invalid xref entry at %d", p)
			}
			np = skipSpace(data, np)
			gen, np, ok := readUint(data, np)
			if !ok {
				return nil, fmt.Errorf("invalid xref entry at %d", p)
			}
			np = skipSpace(data, np)
			if np >= len(data) {
				return nil, errors.New("unexpected end of xref section")
			}
			switch data[np] {
			case 'n':
				// Offset 0 marks an entry some writers leave for deleted objects.
				if off > 0 {
					t.add(first+i, entry{kind: entryInUse, offset: int64(off), gen: gen})
				}
			case 'f':
				t.add(first+i, entry{kind: entryFree, gen: gen})
			default:
				return nil, fmt.Errorf("invalid xref entry type %q", data[np])
			}
			p = np + 1
		}
	}
	trailer, err := parseDictAt(data, int64(p))
	if err != nil {
		return nil, fmt.Errorf("trailer: %w", err)
	}
	t.trailer = trailer
	return t, nil
}

func parseDictAt(data []byte, off int64) (*raw.DictObj, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	if err := s.SeekTo(off); err != nil {
		return nil, err
	}
	obj, err := raw.ParseObject(raw.NewTokenReader(s))
	if err != nil {
		return nil, err
	}
	d, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, fmt.Errorf("expected dictionary, got %s", obj.Type())
	}
	return d, nil
}

func detectLinearized(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("/Linearized"))
}

func skipSpace(data []byte, p int) int {
	for p < len(data) {
		switch data[p] {
		case ' ', '\t', '\r', '\n', '\f', 0:
			p++
		case '%':
			for p < len(data) && data[p] != '\n' && data[p] != '\r' {
				p++
			}
		default:
			return p
		}
	}
	return p
}

func readUint(data []byte, p int) (int, int, bool) {
	start := p
	for p < len(data) && data[p] >= '0' && data[p] <= '9' {
		p++
	}
	if p == start || p-start > 18 {
		return 0, p, false
	}
	v, err := strconv.Atoi(string(data[start:p]))
	if err != nil {
		return 0, p, false
	}
	return v, p, true
}

func readAll(r io.ReaderAt) []byte {
	if br, ok := r.(*bytes.Reader); ok {
		buf := make([]byte, br.Size())
		n, _ := br.ReadAt(buf, 0)
		return buf[:n]
	}
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	tmp := make([]byte, chunk)
	for off := int64(0); ; off += chunk {
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}
