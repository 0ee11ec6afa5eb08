package writer

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/wudi/pdfbudget/ir/raw"
)

type impl struct {
	cfg          Config
	interceptors []Interceptor
}

func (w *impl) Write(ctx context.Context, doc *raw.Document, pages []raw.ObjectRef, out io.Writer) (int64, error) {
	plan, err := NewPlan(doc, pages)
	if err != nil {
		return 0, err
	}
	return w.WritePlan(ctx, plan, out)
}

// WritePlan serializes a prepared plan with a classic cross-reference table.
func (w *impl) WritePlan(ctx context.Context, plan *Plan, out io.Writer) (int64, error) {
	e := &encoder{w: out, keep: plan.Emits}
	e.str("%PDF-")
	e.str(w.version(plan.Doc))
	e.str("\n%\xE2\xE3\xCF\xD3\n")

	offsets := make(map[int]int64, len(plan.Refs))
	gens := make(map[int]int, len(plan.Refs))
	maxNum := 0
	for i, ref := range plan.Refs {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return e.n, err
			}
		}
		if _, dup := offsets[ref.Num]; dup {
			return e.n, serializationErr(ref, "object number used by two generations")
		}
		obj := plan.Object(ref)
		for _, ic := range w.interceptors {
			if err := ic.BeforeWrite(ctx, ref, obj); err != nil {
				return e.n, &SerializationError{Ref: ref, Reason: "interceptor", Err: err}
			}
		}
		start := e.n
		offsets[ref.Num] = start
		gens[ref.Num] = ref.Gen
		e.object(ref, obj)
		if e.err != nil {
			return e.n, &SerializationError{Ref: ref, Reason: "write", Err: e.err}
		}
		for _, ic := range w.interceptors {
			if err := ic.AfterWrite(ctx, ref, e.n-start); err != nil {
				return e.n, &SerializationError{Ref: ref, Reason: "interceptor", Err: err}
			}
		}
		if ref.Num > maxNum {
			maxNum = ref.Num
		}
	}

	xrefOffset := e.n
	e.str("xref\n0 ")
	e.str(strconv.Itoa(maxNum + 1))
	e.str("\n0000000000 65535 f \n")
	for i := 1; i <= maxNum; i++ {
		if off, ok := offsets[i]; ok {
			e.str(fmt.Sprintf("%010d %05d n \n", off, gens[i]))
		} else {
			e.str("0000000000 65535 f \n")
		}
	}
	e.str("trailer\n")
	e.dict(w.trailer(plan, maxNum+1), -1)
	e.str("\nstartxref\n")
	e.str(strconv.FormatInt(xrefOffset, 10))
	e.str("\n%%EOF\n")
	if e.err != nil {
		return e.n, &SerializationError{Reason: "write trailer", Err: e.err}
	}
	return e.n, nil
}

func (w *impl) version(doc *raw.Document) string {
	if w.cfg.Version != "" {
		return w.cfg.Version
	}
	if doc.Version != "" {
		return doc.Version
	}
	return DefaultVersion
}

func (w *impl) trailer(plan *Plan, size int) *raw.DictObj {
	t := raw.Dict()
	t.Set(raw.NameLiteral("Size"), raw.NumberInt(int64(size)))
	t.Set(raw.NameLiteral("Root"), raw.RefObj{R: plan.Doc.Root})
	if plan.Info != nil {
		t.Set(raw.NameLiteral("Info"), raw.RefObj{R: *plan.Info})
	}
	if id := fileID(plan, w.cfg.Deterministic); id != nil {
		t.Set(raw.NameLiteral("ID"), id)
	}
	return t
}

// fileID keeps the permanent identifier of the source document and derives
// a fresh second element from the selected pages, so every part of a split
// is distinguishable.
func fileID(plan *Plan, deterministic bool) *raw.ArrayObj {
	var first []byte
	if plan.Doc.Trailer != nil {
		if v, ok := plan.Doc.Trailer.Lookup("ID"); ok {
			if arr, ok := v.(*raw.ArrayObj); ok && arr.Len() > 0 {
				if s, ok := arr.Items[0].(raw.StringObj); ok && len(s.Bytes) > 0 {
					first = s.Bytes
				}
			}
		}
	}
	if first == nil && !deterministic {
		return nil
	}
	h, _ := blake2b.New(16, nil)
	h.Write(first)
	for _, p := range plan.Pages {
		h.Write([]byte(p.String()))
	}
	second := h.Sum(nil)
	if first == nil {
		first = second
	}
	return raw.NewArray(raw.HexStr(first), raw.HexStr(second))
}

// TrailerOverhead is an upper bound on the bytes written outside objects
// for an output whose highest object number is maxNum: header, xref table,
// trailer and startxref. idLen is the length of the source file ID.
func TrailerOverhead(maxNum int, version string, idLen int) int64 {
	if version == "" {
		version = DefaultVersion
	}
	if idLen < 16 {
		idLen = 16
	}
	header := int64(len("%PDF-"+version) + 1 + 6)
	xref := int64(len("xref\n0 \n")+len(strconv.Itoa(maxNum+1))) + int64(maxNum+1)*XRefEntrySize
	// /ID [<first> <second>], /Info and /Root references, /Size.
	trailer := int64(len("trailer\n<<>>")) +
		int64(len("/ID [<> <>]")+2*idLen+32) +
		2*int64(len("/Info ")+24) +
		int64(len("/Size ")+12) +
		int64(len("\nstartxref\n")+20+len("\n%%EOF\n"))
	return header + xref + trailer
}
