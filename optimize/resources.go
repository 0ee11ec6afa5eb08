package optimize

import (
	"github.com/wudi/pdfbudget/ir/raw"
)

// sweepUnreachable deletes every object that cannot be reached from the
// trailer and returns how many were removed.
func sweepUnreachable(doc *raw.Document) int {
	reachable := make(map[raw.ObjectRef]bool, len(doc.Objects))
	if doc.Trailer != nil {
		markReachable(doc, doc.Trailer, reachable)
	}
	reachable[doc.Root] = true
	for _, p := range doc.Pages {
		reachable[p] = true
	}
	removed := 0
	for ref := range doc.Objects {
		if !reachable[ref] {
			delete(doc.Objects, ref)
			removed++
		}
	}
	return removed
}

func markReachable(doc *raw.Document, obj raw.Object, reachable map[raw.ObjectRef]bool) {
	// Iterative to survive deep or long reference chains.
	stack := []raw.Object{obj}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch t := cur.(type) {
		case raw.RefObj:
			if reachable[t.R] {
				continue
			}
			reachable[t.R] = true
			if target, ok := doc.Objects[t.R]; ok {
				stack = append(stack, target)
			}
		case *raw.ArrayObj:
			stack = append(stack, t.Items...)
		case *raw.DictObj:
			for _, v := range t.KV {
				stack = append(stack, v)
			}
		case *raw.StreamObj:
			stack = append(stack, t.Dict)
		}
	}
}
