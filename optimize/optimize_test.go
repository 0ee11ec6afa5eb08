package optimize

import (
	"bytes"
	"context"
	"strconv"
	"testing"

	"github.com/wudi/pdfbudget/internal/testpdf"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/pagetree"
)

func TestShare(t *testing.T) {
	cases := []struct {
		budget, size, total, want int64
	}{
		{1000, 500, 2000, 250},
		{10000, 500, 2000, 500},
		{0, 500, 2000, 500},
		{1000, 500, 0, 500},
	}
	for _, c := range cases {
		if got := Share(c.budget, c.size, c.total); got != c.want {
			t.Errorf("Share(%d, %d, %d) = %d, want %d", c.budget, c.size, c.total, got, c.want)
		}
	}
}

func TestWorthwhile(t *testing.T) {
	if Worthwhile(100000, 99000) {
		t.Fatalf("1%% saving should be negligible")
	}
	if Worthwhile(2000, 1500) {
		t.Fatalf("saving below 1 KiB should be negligible")
	}
	if !Worthwhile(100000, 50000) {
		t.Fatalf("halving should be worthwhile")
	}
}

func TestOptimizeMergesDuplicateStreams(t *testing.T) {
	d := testpdf.NewDoc()
	logo := testpdf.JPEG(32, 32, 50, false, 9)
	a := d.AddStream("/Type /XObject /Subtype /Image /Width 32 /Height 32 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode", logo)
	b := d.AddStream("/Type /XObject /Subtype /Image /Width 32 /Height 32 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode", logo)
	p1 := d.AddPage(a)
	p2 := d.AddPage(b)
	doc := parseDoc(t, d)

	res, err := New(Config{MergeDuplicateStreams: true}).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	// The two images plus the two identical content streams.
	if res.MergedStreams != 2 {
		t.Fatalf("merged %d streams, want 2", res.MergedStreams)
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: b}]; ok {
		t.Fatalf("duplicate %d kept", b)
	}
	for _, p := range []int{p1, p2} {
		imgs := pagetree.Images(doc, raw.ObjectRef{Num: p})
		if len(imgs) != 1 || imgs[0].Num != a {
			t.Fatalf("page %d draws %v, want %d", p, imgs, a)
		}
	}
}

func TestOptimizeCompressesUnfilteredStreams(t *testing.T) {
	d := testpdf.NewDoc()
	text := bytes.Repeat([]byte("BT /F1 12 Tf 72 712 Td (Hello) Tj ET\n"), 200)
	content := d.AddStream("", text)
	xmp := d.AddStream("/Type /Metadata /Subtype /XML", bytes.Repeat([]byte("<x:xmpmeta/>"), 200))
	d.AddPage()
	doc := parseDoc(t, d)
	doc.Objects[doc.Root].(*raw.DictObj).Set(raw.NameLiteral("Metadata"), raw.Ref(xmp, 0))
	page := doc.Objects[doc.Pages[0]].(*raw.DictObj)
	page.Set(raw.NameLiteral("Contents"), raw.Ref(content, 0))

	res, err := New(Config{CompressStreams: true}).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	st := stream(t, doc, content)
	if raw.DictName(st.Dict, "Filter") != "FlateDecode" || len(st.Data) >= len(text) {
		t.Fatalf("content stream not deflated: %v, %d bytes", st.Dict.KV, len(st.Data))
	}
	if _, has := stream(t, doc, xmp).Dict.Lookup("Filter"); has {
		t.Fatalf("metadata stream must stay readable")
	}
	if res.CompressedStreams != 1 {
		t.Fatalf("compressed %d streams, want 1", res.CompressedStreams)
	}
}

func TestOptimizeRemovesUnreachable(t *testing.T) {
	d := testpdf.NewDoc()
	orphan := d.AddObject("<< /Orphan true >>")
	d.AddPage(d.AddJPEG(8, 8, 50, true))
	doc := parseDoc(t, d)
	before := len(doc.Objects)

	res, err := New(Config{RemoveUnreachable: true}).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if res.RemovedObjects != 1 || len(doc.Objects) != before-1 {
		t.Fatalf("removed %d objects, %d -> %d", res.RemovedObjects, before, len(doc.Objects))
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: orphan}]; ok {
		t.Fatalf("orphan kept")
	}
	if _, ok := doc.Objects[doc.Pages[0]]; !ok {
		t.Fatalf("page removed")
	}
}

func TestOptimizeReportsSkippedAndContinues(t *testing.T) {
	d := testpdf.NewDoc()
	broken := d.AddBlob(8000)
	good := d.AddJPEG(256, 256, 95, false)
	d.AddPage(broken, good)
	doc := parseDoc(t, d)
	brokenData := append([]byte(nil), stream(t, doc, broken).Data...)

	res, err := New(DefaultConfig(1_900_000)).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Ref.Num != broken {
		t.Fatalf("expected %d skipped, got %v", broken, res.Skipped)
	}
	if !bytes.Equal(brokenData, stream(t, doc, broken).Data) {
		t.Fatalf("skipped resource modified")
	}
	if res.Recompressed != 1 || res.ImageBytesAfter >= res.ImageBytesBefore {
		t.Fatalf("good image not recompressed: %+v", res)
	}
}

func TestOptimizeLeavesSoftMasks(t *testing.T) {
	d := testpdf.NewDoc()
	mask := d.AddJPEG(128, 128, 95, true)
	img := d.AddStream("/Type /XObject /Subtype /Image /Width 128 /Height 128 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode /SMask "+strconv.Itoa(mask)+" 0 R",
		testpdf.JPEG(128, 128, 95, false, 4))
	d.AddPage(img)
	doc := parseDoc(t, d)
	maskData := append([]byte(nil), stream(t, doc, mask).Data...)

	res, err := New(DefaultConfig(1)).Optimize(context.Background(), doc)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if res.Images != 1 {
		t.Fatalf("soft mask counted as an image: %d", res.Images)
	}
	if !bytes.Equal(maskData, stream(t, doc, mask).Data) {
		t.Fatalf("soft mask recompressed")
	}
	if ref, ok := stream(t, doc, img).Dict.Lookup("SMask"); !ok || ref.(raw.RefObj).R.Num != mask {
		t.Fatalf("SMask reference lost")
	}
}

func TestOptimizeHonoursCancellation(t *testing.T) {
	d := testpdf.NewDoc()
	d.AddPage(d.AddJPEG(64, 64, 95, false))
	doc := parseDoc(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(DefaultConfig(1)).Optimize(ctx, doc); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
