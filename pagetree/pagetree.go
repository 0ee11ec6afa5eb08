// Package pagetree walks the page tree of a raw.Document: it lists leaf
// pages in reading order, materialises inherited page attributes and
// computes the set of objects a single page depends on.
package pagetree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/security"
)

// Inheritable lists the page attributes a page may take from an ancestor.
var Inheritable = []string{"Resources", "MediaBox", "CropBox", "Rotate"}

const maxTreeDepth = 256

var ErrNoPageTree = errors.New("catalog has no page tree")

// Flatten returns the page tree root and the leaf pages in document order.
// Kids that are not dictionaries are ignored; a node reached twice is an
// error since it would make page order ambiguous.
func Flatten(doc *raw.Document) (raw.ObjectRef, []raw.ObjectRef, error) {
	catalog, ok := doc.ResolveDict(raw.RefObj{R: doc.Root})
	if !ok {
		return raw.ObjectRef{}, nil, fmt.Errorf("catalog %s missing", doc.Root)
	}
	pagesObj, ok := catalog.Lookup("Pages")
	if !ok {
		return raw.ObjectRef{}, nil, ErrNoPageTree
	}
	rootRef, ok := pagesObj.(raw.RefObj)
	if !ok {
		return raw.ObjectRef{}, nil, errors.New("/Pages must be an indirect reference")
	}
	if _, ok := doc.ResolveDict(rootRef); !ok {
		return raw.ObjectRef{}, nil, ErrNoPageTree
	}

	var pages []raw.ObjectRef
	seen := make(map[raw.ObjectRef]bool)
	var walk func(ref raw.ObjectRef, depth int) error
	walk = func(ref raw.ObjectRef, depth int) error {
		if depth > maxTreeDepth {
			return errors.New("page tree too deep")
		}
		if seen[ref] {
			return fmt.Errorf("page tree node %s visited twice", ref)
		}
		seen[ref] = true
		node, ok := doc.ResolveDict(raw.RefObj{R: ref})
		if !ok {
			return nil
		}
		if !isPagesNode(node) {
			pages = append(pages, ref)
			return nil
		}
		kids, _ := doc.Resolve(mustLookup(node, "Kids")).(*raw.ArrayObj)
		if kids == nil {
			return nil
		}
		for _, kid := range kids.Items {
			kr, ok := kid.(raw.RefObj)
			if !ok {
				continue
			}
			if err := walk(kr.R, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootRef.R, 0); err != nil {
		return raw.ObjectRef{}, nil, err
	}
	return rootRef.R, pages, nil
}

func isPagesNode(d *raw.DictObj) bool {
	switch raw.DictName(d, "Type") {
	case "Pages":
		return true
	case "Page":
		return false
	}
	_, hasKids := d.Lookup("Kids")
	return hasKids
}

// IsPageObject reports whether obj is a page or page tree node.
func IsPageObject(obj raw.Object) bool {
	d, ok := obj.(*raw.DictObj)
	if !ok {
		return false
	}
	switch raw.DictName(d, "Type") {
	case "Page", "Pages":
		return true
	}
	return false
}

func mustLookup(d *raw.DictObj, key string) raw.Object {
	v, ok := d.Lookup(key)
	if !ok {
		return raw.NullObj{}
	}
	return v
}

// Materialize returns a shallow copy of the page dictionary in which every
// inheritable attribute missing on the page is copied from the nearest
// ancestor that defines it. /Parent is kept as found.
func Materialize(doc *raw.Document, page raw.ObjectRef) (*raw.DictObj, error) {
	d, ok := doc.ResolveDict(raw.RefObj{R: page})
	if !ok {
		return nil, fmt.Errorf("page %s missing", page)
	}
	out := d.Clone()
	missing := make(map[string]bool)
	for _, key := range Inheritable {
		if _, ok := out.Lookup(key); !ok {
			missing[key] = true
		}
	}
	node := d
	for depth := 0; len(missing) > 0 && depth < maxTreeDepth; depth++ {
		parent, ok := doc.ResolveDict(mustLookup(node, "Parent"))
		if !ok {
			break
		}
		for key := range missing {
			if v, ok := parent.Lookup(key); ok {
				out.Set(raw.NameLiteral(key), v)
				delete(missing, key)
			}
		}
		node = parent
	}
	return out, nil
}

// Walker follows references inside one document without entering any of its
// pages. Page tree leaves need not carry /Type, so membership in doc.Pages is
// checked besides the dictionary type.
type Walker struct {
	doc   *raw.Document
	pages map[raw.ObjectRef]bool
}

func NewWalker(doc *raw.Document) *Walker {
	pages := make(map[raw.ObjectRef]bool, len(doc.Pages))
	for _, p := range doc.Pages {
		pages[p] = true
	}
	return &Walker{doc: doc, pages: pages}
}

// Closure returns the page followed by every indirect object reachable from
// its materialised dictionary, in ascending order. Shared resources appear in
// the closure of each page that uses them while neighbouring pages do not.
func (w *Walker) Closure(page raw.ObjectRef) ([]raw.ObjectRef, error) {
	dict, err := Materialize(w.doc, page)
	if err != nil {
		return nil, err
	}
	dict.Delete("Parent")
	out := []raw.ObjectRef{page}
	for _, ref := range w.Reachable(dict) {
		if ref != page {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Reachable returns the indirect objects reachable from roots in ascending
// order. The walk skips /Parent entries and stops at pages and page tree
// nodes, which makes it the unit of dependency for both size estimation and
// writing.
func (w *Walker) Reachable(roots ...raw.Object) []raw.ObjectRef {
	var out []raw.ObjectRef
	seen := make(map[raw.ObjectRef]bool)
	var queue []raw.ObjectRef

	var visit func(obj raw.Object)
	visit = func(obj raw.Object) {
		switch v := obj.(type) {
		case raw.RefObj:
			if seen[v.R] {
				return
			}
			seen[v.R] = true
			if w.pages[v.R] {
				return
			}
			target, ok := w.doc.Get(v.R)
			if !ok || IsPageObject(target) {
				return
			}
			out = append(out, v.R)
			queue = append(queue, v.R)
		case *raw.DictObj:
			for key, item := range v.KV {
				if key == "Parent" {
					continue
				}
				visit(item)
			}
		case *raw.ArrayObj:
			for _, item := range v.Items {
				visit(item)
			}
		case *raw.StreamObj:
			visit(v.Dict)
		}
	}
	for _, root := range roots {
		visit(root)
	}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		obj, _ := w.doc.Get(ref)
		visit(obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Closure is NewWalker(doc).Closure(page).
func Closure(doc *raw.Document, page raw.ObjectRef) ([]raw.ObjectRef, error) {
	return NewWalker(doc).Closure(page)
}

// Reachable is NewWalker(doc).Reachable(roots...).
func Reachable(doc *raw.Document, roots ...raw.Object) []raw.ObjectRef {
	return NewWalker(doc).Reachable(roots...)
}

// Images returns the image XObjects a page draws, including those used
// through form XObjects nested up to the default XObject depth limit.
func Images(doc *raw.Document, page raw.ObjectRef) []raw.ObjectRef {
	return ImagesWithin(doc, page, security.DefaultLimits().MaxXObjectDepth)
}

// ImagesWithin is Images with an explicit form XObject nesting limit.
func ImagesWithin(doc *raw.Document, page raw.ObjectRef, maxDepth int) []raw.ObjectRef {
	dict, err := Materialize(doc, page)
	if err != nil {
		return nil
	}
	var out []raw.ObjectRef
	seen := make(map[raw.ObjectRef]bool)
	var scan func(res raw.Object, depth int)
	scan = func(res raw.Object, depth int) {
		if depth > maxDepth {
			return
		}
		resDict, ok := doc.ResolveDict(res)
		if !ok {
			return
		}
		xobjs, ok := doc.ResolveDict(mustLookup(resDict, "XObject"))
		if !ok {
			return
		}
		for _, v := range xobjs.KV {
			ref, ok := v.(raw.RefObj)
			if !ok || seen[ref.R] {
				continue
			}
			seen[ref.R] = true
			xd, ok := doc.ResolveDict(ref)
			if !ok {
				continue
			}
			switch raw.DictName(xd, "Subtype") {
			case "Image":
				out = append(out, ref.R)
			case "Form":
				scan(mustLookup(xd, "Resources"), depth+1)
			}
		}
	}
	scan(mustLookup(dict, "Resources"), 0)
	return out
}

// ScannedThreshold is the share of pages that must draw an image for a
// document to count as scanned.
const ScannedThreshold = 0.4

// IsScanned reports whether at least 40% of the pages draw an image.
func IsScanned(doc *raw.Document) bool {
	if len(doc.Pages) == 0 {
		return false
	}
	withImages := 0
	for _, p := range doc.Pages {
		if len(Images(doc, p)) > 0 {
			withImages++
		}
	}
	return float64(withImages) >= ScannedThreshold*float64(len(doc.Pages))
}
