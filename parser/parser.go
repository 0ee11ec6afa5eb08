package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wudi/pdfbudget/filters"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/observability"
	"github.com/wudi/pdfbudget/pagetree"
	"github.com/wudi/pdfbudget/recovery"
	"github.com/wudi/pdfbudget/security"
	"github.com/wudi/pdfbudget/xref"
)

// Config controls document parsing (xref resolution + object loading).
// A nil Recovery is strict: the first syntax error fails the document.
type Config struct {
	Recovery recovery.Strategy
	XRef     xref.ResolverConfig
	Limits   security.Limits
	Cache    Cache
	Password string
	Logger   observability.Logger
}

// DocumentParser builds a raw.Document from the cross-reference data and the
// object loader. Every live object is loaded eagerly, so the returned
// document no longer needs the reader.
type DocumentParser struct {
	cfg     Config
	filters *filters.Pipeline
}

var _ raw.Parser = (*DocumentParser)(nil)

func NewDocumentParser(cfg Config) *DocumentParser {
	cfg.Limits = cfg.Limits.WithDefaults()
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	if cfg.XRef.Recovery == nil {
		cfg.XRef.Recovery = cfg.Recovery
	}
	if cfg.XRef.MaxXRefDepth == 0 {
		cfg.XRef.MaxXRefDepth = cfg.Limits.MaxXRefDepth
	}
	pipeline := filters.NewStandardPipeline(filters.Limits{
		MaxDecompressedSize: cfg.Limits.MaxDecompressedSize,
		MaxDecodeTime:       cfg.Limits.MaxDecodeTime,
	})
	if cfg.XRef.Filters == nil {
		cfg.XRef.Filters = pipeline
	}
	return &DocumentParser{cfg: cfg, filters: pipeline}
}

// SetPassword updates the password for decryption when parsing encrypted PDFs.
func (p *DocumentParser) SetPassword(pwd string) {
	p.cfg.Password = pwd
}

func (p *DocumentParser) Parse(ctx context.Context, r io.ReaderAt) (*raw.Document, error) {
	if p.cfg.Limits.MaxParseTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Limits.MaxParseTime)
		defer cancel()
	}
	resolver := xref.NewResolver(p.cfg.XRef)
	table, err := resolver.Resolve(ctx, r)
	if err != nil {
		return nil, malformed("cross-reference", err)
	}
	trailer := resolver.Trailer()
	if trailer == nil {
		return nil, malformed("trailer missing", nil)
	}

	builder := &ObjectLoaderBuilder{
		reader:      r,
		xrefTable:   table,
		limits:      p.cfg.Limits,
		cache:       p.cfg.Cache,
		recovery:    p.cfg.Recovery,
		filters:     p.filters,
		skipDecrypt: make(map[int]bool),
	}
	sec, err := p.selectSecurity(ctx, builder, trailer)
	if err != nil {
		return nil, malformed("encryption", err)
	}
	builder.security = sec
	loader, err := builder.Build()
	if err != nil {
		return nil, malformed("object loader", err)
	}

	doc := &raw.Document{
		Objects:   make(map[raw.ObjectRef]raw.Object),
		Version:   detectHeaderVersion(r),
		Encrypted: sec.IsEncrypted(),
		Repaired:  resolver.Repaired(),
	}
	for _, objNum := range table.Objects() {
		if objNum == 0 || builder.skipDecrypt[objNum] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gen := 0
		if _, g, found := table.Lookup(objNum); found {
			gen = g
		}
		ref := raw.ObjectRef{Num: objNum, Gen: gen}
		obj, err := loader.Load(ctx, ref)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !p.tolerate(ctx, err, objNum, gen) {
				return nil, malformed(fmt.Sprintf("object %d %d", objNum, gen), err)
			}
			continue
		}
		if isStructural(obj) {
			continue
		}
		doc.Objects[ref] = obj
	}

	doc.Trailer = cleanTrailer(trailer)
	rootRef, ok := doc.Trailer.Lookup("Root")
	if !ok {
		return nil, malformed("trailer has no /Root", nil)
	}
	root, ok := rootRef.(raw.RefObj)
	if !ok {
		return nil, malformed("/Root is not a reference", nil)
	}
	if _, ok := doc.Objects[root.R]; !ok {
		return nil, malformed(fmt.Sprintf("catalog %s not found", root.R), nil)
	}
	doc.Root = root.R

	dropped := NormalizeReferences(doc)

	doc.PagesRoot, doc.Pages, err = pagetree.Flatten(doc)
	if err != nil {
		return nil, malformed("page tree", err)
	}
	if catalog, ok := doc.ResolveDict(raw.RefObj{R: doc.Root}); ok {
		if v := raw.DictName(catalog, "Version"); v > doc.Version {
			doc.Version = v
		}
	}
	populateMetadata(doc)

	p.cfg.Logger.Debug("parsed document",
		observability.String("xref", table.Type()),
		observability.Int("objects", len(doc.Objects)),
		observability.Int("pages", len(doc.Pages)),
		observability.Int("dangling_refs", dropped),
		observability.Bool("encrypted", doc.Encrypted),
		observability.Bool("repaired", doc.Repaired),
	)
	return doc, nil
}

// tolerate asks the recovery strategy whether an unloadable object may be
// dropped.
func (p *DocumentParser) tolerate(ctx context.Context, err error, num, gen int) bool {
	if p.cfg.Recovery == nil {
		return false
	}
	loc := recovery.Location{ObjectNum: num, ObjectGen: gen, Component: "parser", ByteOffset: -1}
	return p.cfg.Recovery.OnError(ctx, err, loc) != recovery.ActionFail
}

// isStructural reports file-structure objects that never belong in the
// document graph.
func isStructural(obj raw.Object) bool {
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		return false
	}
	switch raw.DictName(st.Dict, "Type") {
	case "ObjStm", "XRef":
		return true
	}
	return false
}

// cleanTrailer keeps the entries that describe the document rather than the
// file layout it was read from.
func cleanTrailer(t *raw.DictObj) *raw.DictObj {
	out := raw.Dict()
	for _, key := range []string{"Root", "Info", "ID"} {
		if v, ok := t.Lookup(key); ok {
			out.Set(raw.NameLiteral(key), v)
		}
	}
	return out
}

func (p *DocumentParser) selectSecurity(ctx context.Context, b *ObjectLoaderBuilder, trailer *raw.DictObj) (security.Handler, error) {
	encObj, ok := trailer.Lookup("Encrypt")
	if !ok {
		return security.NoopHandler(), nil
	}
	var encDict *raw.DictObj
	switch v := encObj.(type) {
	case *raw.DictObj:
		encDict = v
	case raw.RefObj:
		plain := *b
		plain.security = security.NoopHandler()
		plain.cache = nil
		loader, err := plain.Build()
		if err != nil {
			return nil, err
		}
		obj, err := loader.Load(ctx, v.R)
		if err != nil {
			return nil, fmt.Errorf("load encryption dictionary: %w", err)
		}
		encDict, _ = obj.(*raw.DictObj)
		b.skipDecrypt[v.R.Num] = true
	}
	if encDict == nil {
		return nil, errors.New("/Encrypt is not a dictionary")
	}
	handler, err := (&security.HandlerBuilder{}).WithEncryptDict(encDict).WithTrailer(trailer).Build()
	if err != nil {
		return nil, err
	}
	if err := handler.Authenticate(p.cfg.Password); err != nil {
		return nil, err
	}
	return handler, nil
}

// NormalizeReferences enforces that every reference resolves: dangling
// references are removed from dictionaries and replaced by null in arrays.
// It returns the number of references dropped.
func NormalizeReferences(doc *raw.Document) int {
	dropped := 0
	var fix func(obj raw.Object)
	fix = func(obj raw.Object) {
		switch v := obj.(type) {
		case *raw.DictObj:
			for key, item := range v.KV {
				if ref, ok := item.(raw.RefObj); ok {
					if _, live := doc.Objects[ref.R]; !live {
						delete(v.KV, key)
						dropped++
					}
					continue
				}
				fix(item)
			}
		case *raw.ArrayObj:
			for i, item := range v.Items {
				if ref, ok := item.(raw.RefObj); ok {
					if _, live := doc.Objects[ref.R]; !live {
						v.Items[i] = raw.NullObj{}
						dropped++
					}
					continue
				}
				fix(item)
			}
		case *raw.StreamObj:
			fix(v.Dict)
		}
	}
	for _, obj := range doc.Objects {
		fix(obj)
	}
	if doc.Trailer != nil {
		fix(doc.Trailer)
	}
	return dropped
}

func populateMetadata(doc *raw.Document) {
	info, ok := doc.ResolveDict(mustGet(doc.Trailer, "Info"))
	if !ok {
		return
	}
	doc.Metadata = raw.DocumentMetadata{
		Title:    stringValue(info, "Title"),
		Author:   stringValue(info, "Author"),
		Creator:  stringValue(info, "Creator"),
		Producer: stringValue(info, "Producer"),
	}
}

func mustGet(d *raw.DictObj, key string) raw.Object {
	if v, ok := d.Lookup(key); ok {
		return v
	}
	return raw.NullObj{}
}

func stringValue(dict *raw.DictObj, key string) string {
	obj, ok := dict.Lookup(key)
	if !ok {
		return ""
	}
	str, ok := obj.(raw.StringObj)
	if !ok {
		return ""
	}
	return string(str.Value())
}

func detectHeaderVersion(r io.ReaderAt) string {
	buf := make([]byte, 1024)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	head := string(buf[:n])
	idx := strings.Index(head, "%PDF-")
	if idx < 0 {
		return ""
	}
	line := head[idx+5:]
	if end := strings.IndexAny(line, "\r\n \t%"); end >= 0 {
		line = line[:end]
	}
	return strings.TrimSpace(line)
}
