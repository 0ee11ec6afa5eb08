package optimize

import (
	"compress/flate"
	"context"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
)

// compressStreams Flate-encodes streams that carry no filter at all. XMP
// metadata is left readable. It returns the number of streams rewritten.
func compressStreams(ctx context.Context, doc *raw.Document) (int, error) {
	count := 0
	for i, ref := range doc.SortedRefs() {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return count, err
			}
		}
		st, ok := doc.Objects[ref].(*raw.StreamObj)
		if !ok || len(st.Data) == 0 {
			continue
		}
		if _, has := st.Dict.Lookup("Filter"); has {
			continue
		}
		if raw.DictName(st.Dict, "Type") == "Metadata" {
			continue
		}
		encoded, err := filters.EncodeFlate(st.Data, flate.BestCompression)
		if err != nil {
			continue
		}
		if !Worthwhile(int64(len(st.Data)), int64(len(encoded))) {
			continue
		}
		st.Dict.Set(raw.NameLiteral("Filter"), raw.NameLiteral("FlateDecode"))
		st.Dict.Delete("DecodeParms")
		st.SetData(encoded)
		count++
	}
	return count, nil
}
