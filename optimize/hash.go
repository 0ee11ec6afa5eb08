package optimize

import (
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/wudi/pdfbudget/ir/raw"
)

// hashObject returns a content hash of obj. Stream /Length is ignored since
// it is derived from the payload.
func hashObject(obj raw.Object) string {
	h, _ := blake2b.New256(nil)
	writeHash(h, obj)
	return hex.EncodeToString(h.Sum(nil))
}

func writeHash(h hash.Hash, obj raw.Object) {
	if obj == nil {
		fmt.Fprint(h, "nil")
		return
	}
	fmt.Fprint(h, obj.Type(), ":")
	switch t := obj.(type) {
	case raw.NameObj:
		fmt.Fprintf(h, "%q", t.Val)
	case raw.NumberObj:
		if t.IsInt {
			fmt.Fprint(h, t.I)
		} else {
			fmt.Fprint(h, t.F)
		}
	case raw.BoolObj:
		fmt.Fprint(h, t.V)
	case raw.StringObj:
		fmt.Fprintf(h, "%t%d:", t.Hex, len(t.Bytes))
		h.Write(t.Bytes)
	case raw.RefObj:
		fmt.Fprintf(h, "%d %d R", t.R.Num, t.R.Gen)
	case *raw.ArrayObj:
		fmt.Fprint(h, "[")
		for _, v := range t.Items {
			writeHash(h, v)
			fmt.Fprint(h, ",")
		}
		fmt.Fprint(h, "]")
	case *raw.DictObj:
		writeDictHash(h, t, "")
	case *raw.StreamObj:
		writeDictHash(h, t.Dict, "Length")
		fmt.Fprintf(h, "%d:", len(t.Data))
		h.Write(t.Data)
	}
}

func writeDictHash(h hash.Hash, d *raw.DictObj, skip string) {
	fmt.Fprint(h, "<<")
	if d != nil {
		keys := make([]string, 0, len(d.KV))
		for k := range d.KV {
			if k != skip {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%q", k)
			writeHash(h, d.KV[k])
		}
	}
	fmt.Fprint(h, ">>")
}
