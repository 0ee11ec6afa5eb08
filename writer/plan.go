package writer

import (
	"sort"

	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/pagetree"
)

// catalogKeys are the catalog entries carried into every output. Entries
// that describe the whole source document (outlines, structure tree, forms,
// article threads) are dropped since they point into pages the output may
// not contain.
var catalogKeys = []string{
	"Type", "Version", "PageLayout", "PageMode", "ViewerPreferences",
	"Lang", "Metadata", "OutputIntents",
}

// Plan is the exact object set of one output file. Overlay holds the
// synthesised catalog, page tree root and materialised pages; everything
// else is read from the document unchanged.
type Plan struct {
	Doc     *raw.Document
	Pages   []raw.ObjectRef
	Overlay map[raw.ObjectRef]raw.Object
	// Refs lists every emitted object in ascending order.
	Refs []raw.ObjectRef
	Info *raw.ObjectRef

	emit map[raw.ObjectRef]bool
}

// Catalog returns the catalog as it is written to every output.
func Catalog(doc *raw.Document) (*raw.DictObj, error) {
	src, ok := doc.ResolveDict(raw.RefObj{R: doc.Root})
	if !ok {
		return nil, serializationErr(doc.Root, "catalog missing")
	}
	out := raw.Dict()
	for _, key := range catalogKeys {
		if v, ok := src.Lookup(key); ok {
			out.Set(raw.NameLiteral(key), v)
		}
	}
	out.Set(raw.NameLiteral("Type"), raw.NameLiteral("Catalog"))
	out.Set(raw.NameLiteral("Pages"), raw.RefObj{R: doc.PagesRoot})
	return out, nil
}

// PageDict returns the page as it is written: inherited attributes are
// materialised and /Parent points at the flat page tree root.
func PageDict(doc *raw.Document, page raw.ObjectRef) (*raw.DictObj, error) {
	obj, ok := doc.Get(page)
	if !ok {
		return nil, serializationErr(page, "page missing")
	}
	if d, ok := obj.(*raw.DictObj); !ok || (raw.DictName(d, "Type") != "Page" && raw.DictName(d, "Type") != "") {
		return nil, serializationErr(page, "object is not a page")
	}
	d, err := pagetree.Materialize(doc, page)
	if err != nil {
		return nil, &SerializationError{Ref: page, Reason: "materialize page", Err: err}
	}
	d.Set(raw.NameLiteral("Type"), raw.NameLiteral("Page"))
	d.Set(raw.NameLiteral("Parent"), raw.RefObj{R: doc.PagesRoot})
	if _, ok := d.Lookup("MediaBox"); !ok {
		d.Set(raw.NameLiteral("MediaBox"), raw.NewArray(raw.NumberInt(0), raw.NumberInt(0), raw.NumberInt(612), raw.NumberInt(792)))
	}
	return d, nil
}

// PagesRoot returns the flat page tree root listing pages.
func PagesRoot(pages []raw.ObjectRef) *raw.DictObj {
	kids := make([]raw.Object, len(pages))
	for i, p := range pages {
		kids[i] = raw.RefObj{R: p}
	}
	d := raw.Dict()
	d.Set(raw.NameLiteral("Type"), raw.NameLiteral("Pages"))
	d.Set(raw.NameLiteral("Kids"), raw.NewArray(kids...))
	d.Set(raw.NameLiteral("Count"), raw.NumberInt(int64(len(pages))))
	return d
}

// NewPlan selects the objects written for pages. It fails when a page is
// listed twice, is not a page, or when a reachable reference has no object.
func NewPlan(doc *raw.Document, pages []raw.ObjectRef) (*Plan, error) {
	if len(pages) == 0 {
		return nil, serializationErr(raw.ObjectRef{}, "no pages selected")
	}
	p := &Plan{
		Doc:     doc,
		Pages:   pages,
		Overlay: make(map[raw.ObjectRef]raw.Object, len(pages)+2),
		emit:    make(map[raw.ObjectRef]bool),
	}
	catalog, err := Catalog(doc)
	if err != nil {
		return nil, err
	}
	p.Overlay[doc.Root] = catalog
	p.Overlay[doc.PagesRoot] = PagesRoot(pages)

	roots := []raw.Object{catalog}
	for _, page := range pages {
		if _, dup := p.Overlay[page]; dup {
			return nil, serializationErr(page, "page selected twice")
		}
		d, err := PageDict(doc, page)
		if err != nil {
			return nil, err
		}
		p.Overlay[page] = d
		roots = append(roots, d)
	}
	if doc.Trailer != nil {
		if info, ok := doc.Trailer.Lookup("Info"); ok {
			if ref, ok := info.(raw.RefObj); ok {
				if _, live := doc.Get(ref.R); live {
					p.Info = &ref.R
					roots = append(roots, ref)
				}
			}
		}
	}

	for ref := range p.Overlay {
		p.emit[ref] = true
	}
	for _, ref := range pagetree.Reachable(doc, roots...) {
		p.emit[ref] = true
	}
	for ref := range p.emit {
		p.Refs = append(p.Refs, ref)
	}
	sort.Slice(p.Refs, func(i, j int) bool { return p.Refs[i].Less(p.Refs[j]) })

	if err := p.checkReferences(); err != nil {
		return nil, err
	}
	return p, nil
}

// Object returns the object written under ref.
func (p *Plan) Object(ref raw.ObjectRef) raw.Object {
	if o, ok := p.Overlay[ref]; ok {
		return o
	}
	o, _ := p.Doc.Get(ref)
	return o
}

// Emits reports whether ref is written. References to objects that are not
// written serialize as null.
func (p *Plan) Emits(ref raw.ObjectRef) bool { return p.emit[ref] }

// checkReferences rejects references to objects absent from the document.
// Pruned references (other pages, /Parent links) are fine: they have a
// target, it is simply not part of this output.
func (p *Plan) checkReferences() error {
	for _, ref := range p.Refs {
		var bad *raw.ObjectRef
		var check func(obj raw.Object)
		check = func(obj raw.Object) {
			if bad != nil {
				return
			}
			switch v := obj.(type) {
			case raw.RefObj:
				if _, ok := p.Doc.Get(v.R); !ok && !p.emit[v.R] {
					r := v.R
					bad = &r
				}
			case *raw.DictObj:
				for _, item := range v.KV {
					check(item)
				}
			case *raw.ArrayObj:
				for _, item := range v.Items {
					check(item)
				}
			case *raw.StreamObj:
				check(v.Dict)
			}
		}
		obj := p.Object(ref)
		if obj == nil {
			return serializationErr(ref, "object missing")
		}
		check(obj)
		if bad != nil {
			return &SerializationError{Ref: ref, Reason: "reference to missing object " + bad.String()}
		}
	}
	return nil
}
