package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/recovery"
	"github.com/wudi/pdfbudget/scanner"
	"github.com/wudi/pdfbudget/security"
	"github.com/wudi/pdfbudget/xref"
)

type Cache interface {
	Get(ref raw.ObjectRef) (raw.Object, bool)
	Put(ref raw.ObjectRef, obj raw.Object)
}

// ObjectLoader reads single indirect objects on demand. Objects packed in
// object streams are addressed by the same (num, gen) as top-level ones.
type ObjectLoader interface {
	Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error)
}

type ObjectLoaderBuilder struct {
	reader    io.ReaderAt
	xrefTable xref.Table
	security  security.Handler
	limits    security.Limits
	cache     Cache
	recovery  recovery.Strategy
	filters   *filters.Pipeline
	// skipDecrypt lists objects stored in the clear, such as /Encrypt.
	skipDecrypt map[int]bool
}

func (b *ObjectLoaderBuilder) WithXRef(table xref.Table) *ObjectLoaderBuilder {
	b.xrefTable = table
	return b
}
func (b *ObjectLoaderBuilder) WithReader(r io.ReaderAt) *ObjectLoaderBuilder {
	b.reader = r
	return b
}
func (b *ObjectLoaderBuilder) WithSecurity(h security.Handler) *ObjectLoaderBuilder {
	b.security = h
	return b
}
func (b *ObjectLoaderBuilder) WithLimits(l security.Limits) *ObjectLoaderBuilder {
	b.limits = l
	return b
}
func (b *ObjectLoaderBuilder) WithCache(c Cache) *ObjectLoaderBuilder { b.cache = c; return b }
func (b *ObjectLoaderBuilder) WithRecovery(s recovery.Strategy) *ObjectLoaderBuilder {
	b.recovery = s
	return b
}

func (b *ObjectLoaderBuilder) Build() (ObjectLoader, error) {
	if b.reader == nil || b.xrefTable == nil {
		return nil, errors.New("reader and xrefTable required")
	}
	sec := b.security
	if sec == nil {
		sec = security.NoopHandler()
	}
	limits := b.limits.WithDefaults()
	pipeline := b.filters
	if pipeline == nil {
		pipeline = filters.NewStandardPipeline(filters.Limits{
			MaxDecompressedSize: limits.MaxDecompressedSize,
			MaxDecodeTime:       limits.MaxDecodeTime,
		})
	}
	return &objectLoader{
		reader:      b.reader,
		xrefTable:   b.xrefTable,
		security:    sec,
		limits:      limits,
		cache:       b.cache,
		recovery:    b.recovery,
		filters:     pipeline,
		skipDecrypt: b.skipDecrypt,
		objstm:      make(map[int]map[int]raw.Object),
	}, nil
}

type objectLoader struct {
	reader      io.ReaderAt
	xrefTable   xref.Table
	security    security.Handler
	limits      security.Limits
	cache       Cache
	recovery    recovery.Strategy
	filters     *filters.Pipeline
	skipDecrypt map[int]bool

	mu      sync.Mutex
	scanner scanner.Scanner
	objstm  map[int]map[int]raw.Object
}

func (o *objectLoader) Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	if o.cache != nil {
		if obj, ok := o.cache.Get(ref); ok {
			return obj, nil
		}
	}
	o.mu.Lock()
	obj, err := o.load(ctx, ref)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		o.cache.Put(ref, obj)
	}
	return obj, nil
}

// load assumes the caller holds the loader mutex.
func (o *objectLoader) load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offset, gen, found := o.xrefTable.Lookup(ref.Num)
	if !found {
		if stm, idx, ok := o.xrefTable.ObjStream(ref.Num); ok {
			return o.loadFromObjectStream(ctx, ref, stm, idx)
		}
		return nil, fmt.Errorf("object %d not found in xref", ref.Num)
	}
	if o.scanner == nil {
		o.scanner = o.newScanner(o.reader)
	}
	obj, err := o.scanObject(ctx, o.scanner, ref.Num, offset, gen)
	if err != nil {
		return nil, err
	}
	if o.skipDecrypt[ref.Num] {
		return obj, nil
	}
	return o.decryptObject(raw.ObjectRef{Num: ref.Num, Gen: gen}, obj)
}

func (o *objectLoader) newScanner(r io.ReaderAt) scanner.Scanner {
	return scanner.New(r, scanner.Config{
		Recovery:        o.recovery,
		MaxStringLength: o.limits.MaxStringLength,
		MaxArrayDepth:   o.limits.MaxIndirectDepth,
		MaxDictDepth:    o.limits.MaxIndirectDepth,
		MaxStreamLength: o.limits.MaxStreamLength,
	})
}

func (o *objectLoader) tokenReader(s scanner.Scanner, objNum, gen int) *raw.TokenReader {
	tr := raw.NewTokenReader(s)
	tr.Recovery = o.recovery
	tr.MaxDepth = o.limits.MaxIndirectDepth
	tr.MaxArraySize = o.limits.MaxArraySize
	tr.MaxDictSize = o.limits.MaxDictSize
	tr.Location = recovery.Location{ObjectNum: objNum, ObjectGen: gen, Component: "parser"}
	return tr
}

func (o *objectLoader) scanObject(ctx context.Context, s scanner.Scanner, objNum int, offset int64, gen int) (raw.Object, error) {
	if err := s.SeekTo(offset); err != nil {
		return nil, err
	}
	tr := o.tokenReader(s, objNum, gen)

	tokNum, err := tr.Next()
	if err != nil {
		return nil, err
	}
	if tokNum.Type != scanner.TokenNumber || !tokNum.IsInt || int(tokNum.Int) != objNum {
		return nil, fmt.Errorf("object %d: header number mismatch", objNum)
	}
	tokGen, err := tr.Next()
	if err != nil {
		return nil, err
	}
	if tokGen.Type != scanner.TokenNumber || !tokGen.IsInt || int(tokGen.Int) != gen {
		return nil, fmt.Errorf("object %d: header generation mismatch", objNum)
	}
	tokObj, err := tr.Next()
	if err != nil {
		return nil, err
	}
	if tokObj.Type != scanner.TokenKeyword || tokObj.Str != "obj" {
		return nil, fmt.Errorf("object %d: expected obj keyword", objNum)
	}

	obj, err := raw.ParseObject(tr)
	if err != nil {
		return nil, fmt.Errorf("object %d: %w", objNum, err)
	}
	dict, ok := obj.(*raw.DictObj)
	if !ok {
		return obj, nil
	}
	tr.SetStreamLengthHint(o.streamLength(ctx, dict, objNum))
	tok, err := tr.Next()
	if err != nil {
		// A dictionary at the end of the file without endobj is still usable.
		return dict, nil
	}
	if tok.Type != scanner.TokenStream {
		return dict, nil
	}
	stream := raw.NewStream(dict, tok.Bytes)
	// The payload as found wins over a stale or indirect /Length.
	stream.SetData(tok.Bytes)
	return stream, nil
}

// streamLength resolves /Length, following one indirect reference. Unknown
// lengths return -1 so the scanner searches for endstream.
func (o *objectLoader) streamLength(ctx context.Context, dict *raw.DictObj, self int) int64 {
	v, ok := dict.Lookup("Length")
	if !ok {
		return -1
	}
	switch l := v.(type) {
	case raw.NumberObj:
		return l.Int()
	case raw.RefObj:
		if l.R.Num == self {
			return -1
		}
		offset, gen, found := o.xrefTable.Lookup(l.R.Num)
		if !found {
			return -1
		}
		obj, err := o.scanObject(ctx, o.newScanner(o.reader), l.R.Num, offset, gen)
		if err != nil {
			return -1
		}
		if n, ok := obj.(raw.NumberObj); ok {
			return n.Int()
		}
	}
	return -1
}

func (o *objectLoader) loadFromObjectStream(ctx context.Context, ref raw.ObjectRef, stmNum, idx int) (raw.Object, error) {
	if objs, ok := o.objstm[stmNum]; ok {
		if obj, ok := objs[ref.Num]; ok {
			return obj, nil
		}
		return nil, fmt.Errorf("object %d not found in object stream %d", ref.Num, stmNum)
	}
	container, err := o.load(ctx, raw.ObjectRef{Num: stmNum})
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", stmNum, err)
	}
	st, ok := container.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("object stream %d is not a stream", stmNum)
	}
	n, _ := raw.DictInt(st.Dict, "N")
	first, _ := raw.DictInt(st.Dict, "First")
	names, params := filters.ExtractFilters(st.Dict)
	data, err := o.filters.Decode(ctx, st.Data, names, params)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", stmNum, err)
	}
	if first < 0 || first > int64(len(data)) {
		return nil, fmt.Errorf("object stream %d: /First exceeds data", stmNum)
	}

	hs := scanner.New(bytes.NewReader(data[:first]), scanner.Config{})
	type member struct{ num, off int }
	members := make([]member, 0, n)
	for int64(len(members)) < n {
		numTok, err := hs.Next()
		if err != nil {
			break
		}
		offTok, err := hs.Next()
		if err != nil {
			break
		}
		if numTok.Type != scanner.TokenNumber || offTok.Type != scanner.TokenNumber {
			return nil, fmt.Errorf("object stream %d: malformed header", stmNum)
		}
		members = append(members, member{int(numTok.Int), int(offTok.Int)})
	}

	body := data[first:]
	objs := make(map[int]raw.Object, len(members))
	for _, m := range members {
		if m.off < 0 || m.off > len(body) {
			continue
		}
		tr := o.tokenReader(scanner.New(bytes.NewReader(body[m.off:]), scanner.Config{}), m.num, 0)
		obj, err := raw.ParseObject(tr)
		if err != nil {
			if tr.Recovery == nil || tr.Recovery.OnError(ctx, err, tr.Location) == recovery.ActionFail {
				return nil, fmt.Errorf("object %d in stream %d: %w", m.num, stmNum, err)
			}
			continue
		}
		// The first definition of a number inside one stream wins.
		if _, dup := objs[m.num]; !dup {
			objs[m.num] = obj
		}
	}
	o.objstm[stmNum] = objs
	if obj, ok := objs[ref.Num]; ok {
		return obj, nil
	}
	return nil, fmt.Errorf("object %d not found in object stream %d", ref.Num, stmNum)
}

// cryptFilterForStream reports the crypt filter named by a /Crypt entry in
// the stream's filter chain.
func cryptFilterForStream(d *raw.DictObj) (string, bool) {
	names, params := filters.ExtractFilters(d)
	for i, name := range names {
		if name != "Crypt" {
			continue
		}
		if i < len(params) && params[i] != nil {
			if v, ok := params[i].Get(raw.NameLiteral("Name")); ok {
				if n, ok := v.(raw.NameObj); ok {
					return n.Val, true
				}
			}
		}
		return "Identity", true
	}
	return "", false
}

func (o *objectLoader) decryptObject(ref raw.ObjectRef, obj raw.Object) (raw.Object, error) {
	if !o.security.IsEncrypted() {
		return obj, nil
	}
	switch v := obj.(type) {
	case raw.StringObj:
		dec, err := o.security.Decrypt(ref.Num, ref.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: dec, Hex: v.Hex}, nil
	case *raw.ArrayObj:
		for i, item := range v.Items {
			dec, err := o.decryptObject(ref, item)
			if err != nil {
				return nil, err
			}
			v.Items[i] = dec
		}
		return v, nil
	case *raw.DictObj:
		for key, item := range v.KV {
			dec, err := o.decryptObject(ref, item)
			if err != nil {
				return nil, err
			}
			v.KV[key] = dec
		}
		return v, nil
	case *raw.StreamObj:
		if raw.DictName(v.Dict, "Type") == "XRef" {
			return v, nil
		}
		if _, err := o.decryptObject(ref, v.Dict); err != nil {
			return nil, err
		}
		if raw.DictName(v.Dict, "Type") == "Metadata" && !o.security.EncryptMetadata() {
			return v, nil
		}
		var dec []byte
		var err error
		if name, ok := cryptFilterForStream(v.Dict); ok {
			dec, err = o.security.DecryptWithFilter(ref.Num, ref.Gen, v.Data, security.DataClassStream, name)
			removeCryptFilter(v.Dict)
		} else {
			dec, err = o.security.Decrypt(ref.Num, ref.Gen, v.Data, security.DataClassStream)
		}
		if err != nil {
			return nil, err
		}
		v.SetData(dec)
		return v, nil
	}
	return obj, nil
}

// removeCryptFilter drops the /Crypt stage once the payload is in the clear.
func removeCryptFilter(d *raw.DictObj) {
	names, params := filters.ExtractFilters(d)
	var keepNames []raw.Object
	var keepParams []raw.Object
	hasParams := false
	for i, name := range names {
		if name == "Crypt" {
			continue
		}
		keepNames = append(keepNames, raw.NameLiteral(name))
		if i < len(params) && params[i] != nil {
			keepParams = append(keepParams, params[i])
			hasParams = true
		} else {
			keepParams = append(keepParams, raw.NullObj{})
		}
	}
	switch len(keepNames) {
	case 0:
		d.Delete("Filter")
		d.Delete("DecodeParms")
		return
	case 1:
		d.Set(raw.NameLiteral("Filter"), keepNames[0])
	default:
		d.Set(raw.NameLiteral("Filter"), raw.NewArray(keepNames...))
	}
	switch {
	case !hasParams:
		d.Delete("DecodeParms")
	case len(keepParams) == 1:
		d.Set(raw.NameLiteral("DecodeParms"), keepParams[0])
	default:
		d.Set(raw.NameLiteral("DecodeParms"), raw.NewArray(keepParams...))
	}
}
