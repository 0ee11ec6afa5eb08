package optimize

import (
	"context"

	"github.com/wudi/pdfbudget/ir/raw"
)

// mergeDuplicateStreams keeps the lowest numbered copy of byte-identical
// streams and points every reference at it. Merging can make two forms
// identical, so it runs until nothing changes. It returns the number of
// streams removed.
func mergeDuplicateStreams(ctx context.Context, doc *raw.Document) (int, error) {
	removed := 0
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		seen := make(map[string]raw.ObjectRef)
		replacements := make(map[raw.ObjectRef]raw.ObjectRef)
		for _, ref := range doc.SortedRefs() {
			st, ok := doc.Objects[ref].(*raw.StreamObj)
			if !ok {
				continue
			}
			h := hashObject(st)
			if original, ok := seen[h]; ok {
				replacements[ref] = original
			} else {
				seen[h] = ref
			}
		}
		if len(replacements) == 0 {
			return removed, nil
		}
		applyReplacements(doc, replacements)
		for dup := range replacements {
			delete(doc.Objects, dup)
		}
		removed += len(replacements)
	}
}

func applyReplacements(doc *raw.Document, replacements map[raw.ObjectRef]raw.ObjectRef) {
	for _, obj := range doc.Objects {
		replaceRefsInObject(obj, replacements)
	}
	if doc.Trailer != nil {
		replaceRefsInObject(doc.Trailer, replacements)
	}
}

func replaceRefsInObject(obj raw.Object, replacements map[raw.ObjectRef]raw.ObjectRef) {
	switch t := obj.(type) {
	case *raw.ArrayObj:
		for i, val := range t.Items {
			if ref, ok := val.(raw.RefObj); ok {
				if newRef, found := replacements[ref.R]; found {
					t.Items[i] = raw.RefObj{R: newRef}
				}
				continue
			}
			replaceRefsInObject(val, replacements)
		}
	case *raw.DictObj:
		for key, val := range t.KV {
			if ref, ok := val.(raw.RefObj); ok {
				if newRef, found := replacements[ref.R]; found {
					t.KV[key] = raw.RefObj{R: newRef}
				}
				continue
			}
			replaceRefsInObject(val, replacements)
		}
	case *raw.StreamObj:
		replaceRefsInObject(t.Dict, replacements)
	}
}
