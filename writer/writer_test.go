package writer_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/wudi/pdfbudget/internal/testpdf"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/pagetree"
	"github.com/wudi/pdfbudget/parser"
	"github.com/wudi/pdfbudget/writer"
)

func read(t *testing.T, data []byte) *raw.Document {
	t.Helper()
	doc, err := parser.NewDocumentParser(parser.Config{}).Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func write(t *testing.T, doc *raw.Document, pages []raw.ObjectRef) []byte {
	t.Helper()
	out, err := writer.WritePages(context.Background(), doc, pages)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	return out
}

func threePages() (*testpdf.Doc, []int, []int) {
	d := testpdf.NewDoc()
	var imgs, pages []int
	for i := 0; i < 3; i++ {
		img := d.AddBlob(100 + i)
		imgs = append(imgs, img)
		pages = append(pages, d.AddPage(img))
	}
	return d, imgs, pages
}

func TestWriteRoundTripKeepsPagesAndResources(t *testing.T) {
	d, _, _ := threePages()
	first := read(t, d.Bytes())
	second := read(t, write(t, first, first.Pages))

	if len(second.Pages) != len(first.Pages) {
		t.Fatalf("page count changed: %d -> %d", len(first.Pages), len(second.Pages))
	}
	for i := range first.Pages {
		if first.Pages[i] != second.Pages[i] {
			t.Fatalf("page %d id changed: %v -> %v", i, first.Pages[i], second.Pages[i])
		}
		a, _ := pagetree.Closure(first, first.Pages[i])
		b, _ := pagetree.Closure(second, second.Pages[i])
		if fmt.Sprint(a) != fmt.Sprint(b) {
			t.Fatalf("page %d resources changed: %v -> %v", i, a, b)
		}
	}
}

func TestWriteSubsetPrunesUnreachableObjects(t *testing.T) {
	d, imgs, pages := threePages()
	doc := read(t, d.Bytes())
	out := read(t, write(t, doc, []raw.ObjectRef{{Num: pages[1]}}))

	if len(out.Pages) != 1 || out.Pages[0].Num != pages[1] {
		t.Fatalf("unexpected pages %v", out.Pages)
	}
	if _, ok := out.Objects[raw.ObjectRef{Num: imgs[1]}]; !ok {
		t.Fatalf("image of the selected page missing")
	}
	for _, n := range []int{imgs[0], imgs[2], pages[0], pages[2]} {
		if _, ok := out.Objects[raw.ObjectRef{Num: n}]; ok {
			t.Fatalf("object %d should have been pruned", n)
		}
	}
}

func TestWriteNullsReferencesToExcludedPages(t *testing.T) {
	f := testpdf.New()
	f.Trailer = "/Root 1 0 R"
	f.Add(1, "<< /Type /Catalog /Pages 2 0 R /Outlines 9 0 R >>")
	f.Add(2, "<< /Type /Pages /Kids [3 0 R 4 0 R] /Count 2 >>")
	f.Add(3, "<< /Type /Page /Parent 2 0 R /Annots [5 0 R] >>")
	f.Add(4, "<< /Type /Page /Parent 2 0 R >>")
	f.Add(5, "<< /Type /Annot /Subtype /Link /Rect [0 0 1 1] /Dest [4 0 R /Fit] /P 3 0 R >>")
	f.Add(9, "<< /Type /Outlines /Count 0 >>")
	doc := read(t, f.Classic())

	data := write(t, doc, []raw.ObjectRef{{Num: 3}})
	if !bytes.Contains(data, []byte("/Dest [null /Fit]")) {
		t.Fatalf("reference to excluded page not nulled:\n%s", data)
	}
	if !bytes.Contains(data, []byte("/P 3 0 R")) {
		t.Fatalf("reference to included page lost:\n%s", data)
	}
	out := read(t, data)
	if _, ok := out.Objects[raw.ObjectRef{Num: 9}]; ok {
		t.Fatalf("outline tree must not be carried into a part")
	}
	if _, ok := out.Objects[raw.ObjectRef{Num: 4}]; ok {
		t.Fatalf("excluded page written")
	}
}

func TestWriteMaterializesInheritedAttributes(t *testing.T) {
	f := testpdf.New()
	f.Trailer = "/Root 1 0 R"
	f.Add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.Add(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 300 400] /Rotate 90 >>")
	f.Add(3, "<< /Type /Pages /Parent 2 0 R /Kids [4 0 R] /Count 1 /Resources << /XObject << /Im0 5 0 R >> >> >>")
	f.Add(4, "<< /Type /Page /Parent 3 0 R >>")
	f.AddStream(5, "/Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceGray /BitsPerComponent 8", []byte{0x80})
	doc := read(t, f.Classic())

	out := read(t, write(t, doc, doc.Pages))
	page := out.Objects[raw.ObjectRef{Num: 4}].(*raw.DictObj)
	if n, _ := raw.DictInt(page, "Rotate"); n != 90 {
		t.Fatalf("Rotate not materialized: %v", page.KV["Rotate"])
	}
	box, ok := page.KV["MediaBox"].(*raw.ArrayObj)
	if !ok || box.Len() != 4 {
		t.Fatalf("MediaBox not materialized: %v", page.KV["MediaBox"])
	}
	if got := pagetree.Images(out, out.Pages[0]); len(got) != 1 || got[0].Num != 5 {
		t.Fatalf("inherited resources lost: %v", got)
	}
	if _, ok := out.Objects[raw.ObjectRef{Num: 3}]; ok {
		t.Fatalf("intermediate page tree node should be flattened away")
	}
}

type sizeCheck struct {
	t     *testing.T
	plan  *writer.Plan
	count int
}

func (s *sizeCheck) BeforeWrite(ctx context.Context, ref raw.ObjectRef, obj raw.Object) error {
	return nil
}

func (s *sizeCheck) AfterWrite(ctx context.Context, ref raw.ObjectRef, n int64) error {
	s.count++
	if want := writer.ObjectSize(ref, s.plan.Object(ref)); want < n {
		s.t.Errorf("object %v: ObjectSize %d below written %d", ref, want, n)
	}
	return nil
}

func TestObjectSizeMatchesWrittenBytes(t *testing.T) {
	d, _, pages := threePages()
	doc := read(t, d.Bytes())
	plan, err := writer.NewPlan(doc, []raw.ObjectRef{{Num: pages[0]}, {Num: pages[2]}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	check := &sizeCheck{t: t, plan: plan}
	w := (&writer.WriterBuilder{}).WithInterceptor(check).Build()
	var buf bytes.Buffer
	n, err := w.WritePlan(context.Background(), plan, &buf)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("reported %d bytes, wrote %d", n, buf.Len())
	}
	if check.count != len(plan.Refs) {
		t.Fatalf("interceptor saw %d objects, plan has %d", check.count, len(plan.Refs))
	}
}

func TestWriteFixesDeclaredLength(t *testing.T) {
	d := testpdf.NewDoc()
	img := d.AddBlob(10)
	d.AddPage(img)
	doc := read(t, d.Bytes())
	st := doc.Objects[raw.ObjectRef{Num: img}].(*raw.StreamObj)
	st.Data = append(st.Data, 1, 2, 3)
	st.Dict.Set(raw.NameLiteral("Length"), raw.NumberInt(999))

	out := read(t, write(t, doc, doc.Pages))
	got := out.Objects[raw.ObjectRef{Num: img}].(*raw.StreamObj)
	if n, _ := raw.DictInt(got.Dict, "Length"); n != 13 || len(got.Data) != 13 {
		t.Fatalf("length %d with %d payload bytes", n, len(got.Data))
	}
}

func TestWriteEscapesStringsAndNames(t *testing.T) {
	f := testpdf.New()
	f.Trailer = "/Root 1 0 R /Info 4 0 R"
	f.Add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.Add(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	f.Add(3, "<< /Type /Page /Parent 2 0 R /Odd#20Name 1.5 >>")
	f.Add(4, `<< /Title (a \(b\) \\ c\n) /Author <DEADBEEF> >>`)
	doc := read(t, f.Classic())

	out := read(t, write(t, doc, doc.Pages))
	if out.Metadata.Title != "a (b) \\ c\n" {
		t.Fatalf("title mangled: %q", out.Metadata.Title)
	}
	page := out.Objects[raw.ObjectRef{Num: 3}].(*raw.DictObj)
	if v, ok := page.Lookup("Odd Name"); !ok || v.(raw.NumberObj).Float() != 1.5 {
		t.Fatalf("escaped name lost: %v", page.KV)
	}
	info := out.Objects[raw.ObjectRef{Num: 4}].(*raw.DictObj)
	if s := info.KV["Author"].(raw.StringObj); !s.Hex || !bytes.Equal(s.Bytes, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("hex string mangled: %#v", s)
	}
}

func TestWriteSerializationErrors(t *testing.T) {
	d, imgs, pages := threePages()
	doc := read(t, d.Bytes())
	cases := map[string][]raw.ObjectRef{
		"empty":     nil,
		"not page":  {{Num: imgs[0]}},
		"duplicate": {{Num: pages[0]}, {Num: pages[0]}},
	}
	for name, sel := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := writer.WritePages(context.Background(), doc, sel)
			var sErr *writer.SerializationError
			if !errors.As(err, &sErr) {
				t.Fatalf("expected SerializationError, got %v", err)
			}
		})
	}

	page := doc.Objects[raw.ObjectRef{Num: pages[0]}].(*raw.DictObj)
	page.Set(raw.NameLiteral("Thumb"), raw.Ref(404, 0))
	_, err := writer.WritePages(context.Background(), doc, []raw.ObjectRef{{Num: pages[0]}})
	var sErr *writer.SerializationError
	if !errors.As(err, &sErr) || !strings.Contains(sErr.Reason, "404 0 R") {
		t.Fatalf("expected missing reference error, got %v", err)
	}
}

func TestWriteHonoursCancellation(t *testing.T) {
	d, _, _ := threePages()
	doc := read(t, d.Bytes())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if _, err := (&writer.WriterBuilder{}).Build().Write(ctx, doc, doc.Pages, &buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTrailerOverheadBoundsWrittenFrame(t *testing.T) {
	d, _, pages := threePages()
	doc := read(t, d.Bytes())
	plan, err := writer.NewPlan(doc, []raw.ObjectRef{{Num: pages[0]}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var objects int64
	maxNum := 0
	for _, ref := range plan.Refs {
		objects += writer.ObjectSize(ref, plan.Object(ref))
		if ref.Num > maxNum {
			maxNum = ref.Num
		}
	}
	var buf bytes.Buffer
	n, err := (&writer.WriterBuilder{}).WithConfig(writer.Config{Deterministic: true}).Build().WritePlan(context.Background(), plan, &buf)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if bound := objects + writer.TrailerOverhead(maxNum, doc.Version, 0); n > bound {
		t.Fatalf("written %d exceeds bound %d", n, bound)
	}
}
