// Package estimate predicts the size of a standalone PDF holding a subset of
// a document's pages without serializing it.
//
// The estimate is an upper bound on what writer.Write produces for the same
// pages: every object is costed with writer.ObjectSize, and references the
// writer would replace by null are charged at their full length. Objects
// shared by several pages of a group are charged once.
package estimate

import (
	"fmt"
	"strconv"

	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/pagetree"
	"github.com/wudi/pdfbudget/writer"
)

// Estimator holds the per-object cost table of one document. It is not safe
// for concurrent use and must be rebuilt after the document is mutated.
type Estimator struct {
	doc     *raw.Document
	walker  *pagetree.Walker
	version string
	idLen   int

	costs map[raw.ObjectRef]int64
	pages map[raw.ObjectRef]*pageInfo

	// fixed objects appear in every output: the catalog, the document
	// information dictionary and everything they reference.
	fixed     []raw.ObjectRef
	rootsCost int64
}

type pageInfo struct {
	self    int64
	kid     int64
	closure []raw.ObjectRef
}

// New builds the cost table for the parts of doc every output shares.
func New(doc *raw.Document) (*Estimator, error) {
	e := &Estimator{
		doc:     doc,
		walker:  pagetree.NewWalker(doc),
		version: doc.Version,
		costs:   make(map[raw.ObjectRef]int64),
		pages:   make(map[raw.ObjectRef]*pageInfo, len(doc.Pages)),
	}
	if e.version == "" {
		e.version = writer.DefaultVersion
	}
	e.idLen = sourceIDLen(doc)

	catalog, err := writer.Catalog(doc)
	if err != nil {
		return nil, err
	}
	e.rootsCost = writer.ObjectSize(doc.Root, catalog) + writer.ObjectSize(doc.PagesRoot, writer.PagesRoot(nil))

	roots := []raw.Object{catalog}
	if doc.Trailer != nil {
		if info, ok := doc.Trailer.Lookup("Info"); ok {
			if ref, ok := info.(raw.RefObj); ok {
				if _, live := doc.Get(ref.R); live {
					roots = append(roots, ref)
				}
			}
		}
	}
	for _, ref := range e.walker.Reachable(roots...) {
		if ref == doc.Root || ref == doc.PagesRoot {
			continue
		}
		e.fixed = append(e.fixed, ref)
	}
	return e, nil
}

func sourceIDLen(doc *raw.Document) int {
	if doc.Trailer == nil {
		return 0
	}
	v, ok := doc.Trailer.Lookup("ID")
	if !ok {
		return 0
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok || arr.Len() == 0 {
		return 0
	}
	s, ok := arr.Items[0].(raw.StringObj)
	if !ok {
		return 0
	}
	return len(s.Bytes)
}

// Cost returns the written size of one object, cached.
func (e *Estimator) Cost(ref raw.ObjectRef) int64 {
	if c, ok := e.costs[ref]; ok {
		return c
	}
	obj, ok := e.doc.Get(ref)
	if !ok {
		return 0
	}
	c := writer.ObjectSize(ref, obj)
	e.costs[ref] = c
	return c
}

func (e *Estimator) page(ref raw.ObjectRef) (*pageInfo, error) {
	if info, ok := e.pages[ref]; ok {
		return info, nil
	}
	dict, err := writer.PageDict(e.doc, ref)
	if err != nil {
		return nil, err
	}
	closure, err := e.walker.Closure(ref)
	if err != nil {
		return nil, fmt.Errorf("closure of page %s: %w", ref, err)
	}
	info := &pageInfo{
		self: writer.ObjectSize(ref, dict),
		// "N G R" plus a separator in /Kids.
		kid:     int64(len(ref.String()) + 1),
		closure: closure[1:],
	}
	e.pages[ref] = info
	return info, nil
}

// PageClosure returns the objects page depends on, excluding the page
// itself.
func (e *Estimator) PageClosure(page raw.ObjectRef) ([]raw.ObjectRef, error) {
	info, err := e.page(page)
	if err != nil {
		return nil, err
	}
	return info.closure, nil
}

// Estimate returns the upper bound for a file holding exactly pages.
func (e *Estimator) Estimate(pages []raw.ObjectRef) (int64, error) {
	g := e.NewGroup()
	for _, p := range pages {
		if err := g.Add(p); err != nil {
			return 0, err
		}
	}
	return g.Size(), nil
}

// EstimateDocument estimates a single output holding every page.
func (e *Estimator) EstimateDocument() (int64, error) {
	return e.Estimate(e.doc.Pages)
}

// Group accumulates pages and keeps a running estimate. Adding a page never
// decreases Size.
type Group struct {
	e       *Estimator
	pages   []raw.ObjectRef
	seen    map[raw.ObjectRef]bool
	objects int64
	kids    int64
	maxNum  int
}

// NewGroup returns an empty group already charged for the catalog, the page
// tree root and the objects every output carries.
func (e *Estimator) NewGroup() *Group {
	g := &Group{
		e:       e,
		seen:    make(map[raw.ObjectRef]bool, len(e.fixed)+2),
		objects: e.rootsCost,
	}
	g.seen[e.doc.Root] = true
	g.seen[e.doc.PagesRoot] = true
	g.maxNum = max(e.doc.Root.Num, e.doc.PagesRoot.Num)
	for _, ref := range e.fixed {
		g.charge(ref)
	}
	return g
}

func (g *Group) charge(ref raw.ObjectRef) int64 {
	if g.seen[ref] {
		return 0
	}
	g.seen[ref] = true
	if ref.Num > g.maxNum {
		g.maxNum = ref.Num
	}
	c := g.e.Cost(ref)
	g.objects += c
	return c
}

// Pages returns the pages added so far.
func (g *Group) Pages() []raw.ObjectRef { return g.pages }

func (g *Group) Len() int { return len(g.pages) }

// Size is the current upper bound.
func (g *Group) Size() int64 {
	return g.objects + g.kids + countDigits(len(g.pages)) + writer.TrailerOverhead(g.maxNum, g.e.version, g.e.idLen)
}

// With returns the size the group would have after adding page, without
// adding it.
func (g *Group) With(page raw.ObjectRef) (int64, error) {
	info, err := g.e.page(page)
	if err != nil {
		return 0, err
	}
	if g.seen[page] {
		return 0, fmt.Errorf("page %s already in group", page)
	}
	extra := info.self + info.kid
	maxNum := max(g.maxNum, page.Num)
	for _, ref := range info.closure {
		if g.seen[ref] {
			continue
		}
		extra += g.e.Cost(ref)
		if ref.Num > maxNum {
			maxNum = ref.Num
		}
	}
	return g.objects + g.kids + extra + countDigits(len(g.pages)+1) + writer.TrailerOverhead(maxNum, g.e.version, g.e.idLen), nil
}

// Add commits page to the group.
func (g *Group) Add(page raw.ObjectRef) error {
	info, err := g.e.page(page)
	if err != nil {
		return err
	}
	if g.seen[page] {
		return fmt.Errorf("page %s already in group", page)
	}
	g.seen[page] = true
	g.pages = append(g.pages, page)
	g.objects += info.self
	g.kids += info.kid
	if page.Num > g.maxNum {
		g.maxNum = page.Num
	}
	for _, ref := range info.closure {
		g.charge(ref)
	}
	return nil
}

// countDigits is the extra width of /Count beyond the single digit already
// charged for an empty page tree root.
func countDigits(n int) int64 {
	return int64(len(strconv.Itoa(n)) - 1)
}
