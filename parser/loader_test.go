package parser

import (
	"bytes"
	"context"
	"testing"

	"github.com/wudi/pdfbudget/internal/testpdf"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/xref"
)

type mapCache struct {
	m    map[raw.ObjectRef]raw.Object
	hits int
}

func (c *mapCache) Get(ref raw.ObjectRef) (raw.Object, bool) {
	if c.m == nil {
		return nil, false
	}
	v, ok := c.m[ref]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *mapCache) Put(ref raw.ObjectRef, obj raw.Object) {
	if c.m == nil {
		c.m = make(map[raw.ObjectRef]raw.Object)
	}
	c.m[ref] = obj
}

func newLoader(t *testing.T, data []byte, cache Cache) ObjectLoader {
	t.Helper()
	reader := bytes.NewReader(data)
	table, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), reader)
	if err != nil {
		t.Fatalf("resolve xref: %v", err)
	}
	b := &ObjectLoaderBuilder{}
	loader, err := b.WithReader(reader).WithXRef(table).WithCache(cache).Build()
	if err != nil {
		t.Fatalf("build loader: %v", err)
	}
	return loader
}

func TestObjectLoaderCachesObjects(t *testing.T) {
	d := testpdf.NewDoc()
	d.AddPage()
	cache := &mapCache{}
	loader := newLoader(t, d.Bytes(), cache)

	ref := raw.ObjectRef{Num: 1, Gen: 0}
	if _, err := loader.Load(context.Background(), ref); err != nil {
		t.Fatalf("load object: %v", err)
	}
	if _, ok := cache.m[ref]; !ok {
		t.Fatalf("expected object cached after load")
	}
	if _, err := loader.Load(context.Background(), ref); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if cache.hits != 1 {
		t.Fatalf("expected the second load to hit the cache, hits=%d", cache.hits)
	}
}

func TestObjectLoaderReadsObjectStreamMembers(t *testing.T) {
	f := testpdf.New()
	f.Trailer = "/Root 1 0 R"
	f.Add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.Add(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	f.Add(3, "[1 2 (three)]")
	loader := newLoader(t, f.XRefStream(2, 3), nil)

	obj, err := loader.Load(context.Background(), raw.ObjectRef{Num: 3})
	if err != nil {
		t.Fatalf("load packed object: %v", err)
	}
	arr, ok := obj.(*raw.ArrayObj)
	if !ok || arr.Len() != 3 {
		t.Fatalf("unexpected object %#v", obj)
	}
	if s, ok := arr.Items[2].(raw.StringObj); !ok || string(s.Bytes) != "three" {
		t.Fatalf("unexpected string %#v", arr.Items[2])
	}
	if _, err := loader.Load(context.Background(), raw.ObjectRef{Num: 2}); err != nil {
		t.Fatalf("load sibling member: %v", err)
	}
}

func TestObjectLoaderMissingObject(t *testing.T) {
	d := testpdf.NewDoc()
	loader := newLoader(t, d.Bytes(), nil)
	if _, err := loader.Load(context.Background(), raw.ObjectRef{Num: 42}); err == nil {
		t.Fatalf("expected error for object absent from xref")
	}
}

func TestRemoveCryptFilterKeepsRemainingChain(t *testing.T) {
	d := raw.Dict()
	d.Set(raw.NameLiteral("Filter"), raw.NewArray(raw.NameLiteral("Crypt"), raw.NameLiteral("FlateDecode")))
	parms := raw.Dict()
	parms.Set(raw.NameLiteral("Name"), raw.NameLiteral("StdCF"))
	d.Set(raw.NameLiteral("DecodeParms"), raw.NewArray(parms, raw.NullObj{}))

	name, ok := cryptFilterForStream(d)
	if !ok || name != "StdCF" {
		t.Fatalf("crypt filter not detected: %q %v", name, ok)
	}
	removeCryptFilter(d)
	if got := raw.DictName(d, "Filter"); got != "FlateDecode" {
		t.Fatalf("expected single FlateDecode filter, got %#v", d.KV["Filter"])
	}
	if _, ok := d.Lookup("DecodeParms"); ok {
		t.Fatalf("empty DecodeParms should be removed")
	}
}
