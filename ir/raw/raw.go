package raw

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Less orders references by object number, then generation.
func (r ObjectRef) Less(o ObjectRef) bool {
	if r.Num != o.Num {
		return r.Num < o.Num
	}
	return r.Gen < o.Gen
}

// Object is the base interface for all raw PDF objects.
type Object interface {
	Type() string
	IsIndirect() bool
}

// Dictionary represents a PDF dictionary object.
type Dictionary interface {
	Object
	Get(key Name) (Object, bool)
	Set(key Name, value Object)
	Keys() []Name
	Len() int
}

// Array represents a PDF array object.
type Array interface {
	Object
	Get(index int) (Object, bool)
	Len() int
	Append(obj Object)
}

// Stream represents a raw (undecoded) PDF stream.
type Stream interface {
	Object
	Dictionary() Dictionary
	RawData() []byte
	Length() int64
}

// Name represents a PDF name object.
type Name interface {
	Object
	Value() string
}

// String represents a PDF string (literal or hex).
type String interface {
	Object
	Value() []byte
	IsHex() bool
}

// Number represents a PDF numeric value.
type Number interface {
	Object
	Int() int64
	Float() float64
	IsInteger() bool
}

// Boolean represents a PDF boolean.
type Boolean interface {
	Object
	Value() bool
}

// Null represents the PDF null object.
type Null interface{ Object }

// Reference represents an indirect object reference.
type Reference interface {
	Object
	Ref() ObjectRef
}

// DocumentMetadata contains common PDF info fields.
type DocumentMetadata struct {
	Producer string
	Creator  string
	Title    string
	Author   string
}

// Document is the id-indexed arena of a parsed PDF. Every reference held by
// an object either resolves to an entry of Objects or has been replaced by
// null during parsing.
type Document struct {
	Objects   map[ObjectRef]Object
	Trailer   *DictObj
	Version   string // e.g., "1.7"
	Root      ObjectRef
	PagesRoot ObjectRef
	// Pages lists the leaf page objects in document order.
	Pages     []ObjectRef
	Metadata  DocumentMetadata
	Encrypted bool
	Repaired  bool
}

// Parser converts bytes into a raw.Document.
type Parser interface {
	Parse(ctx context.Context, r io.ReaderAt) (*Document, error)
}

// Get returns the object stored under ref.
func (d *Document) Get(ref ObjectRef) (Object, bool) {
	o, ok := d.Objects[ref]
	return o, ok
}

// Resolve follows references until a direct object is reached. Dangling
// references and reference cycles resolve to null.
func (d *Document) Resolve(obj Object) Object {
	for i := 0; i < 32; i++ {
		r, ok := obj.(RefObj)
		if !ok {
			return obj
		}
		next, ok := d.Objects[r.R]
		if !ok {
			return NullObj{}
		}
		obj = next
	}
	return NullObj{}
}

// ResolveDict resolves obj and returns it as a dictionary. Streams yield
// their stream dictionary.
func (d *Document) ResolveDict(obj Object) (*DictObj, bool) {
	switch v := d.Resolve(obj).(type) {
	case *DictObj:
		return v, true
	case *StreamObj:
		return v.Dict, v.Dict != nil
	}
	return nil, false
}

// SortedRefs returns every object reference in ascending order.
func (d *Document) SortedRefs() []ObjectRef {
	refs := make([]ObjectRef, 0, len(d.Objects))
	for ref := range d.Objects {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs
}

// MaxObjectNum is the highest object number in use.
func (d *Document) MaxObjectNum() int {
	max := 0
	for ref := range d.Objects {
		if ref.Num > max {
			max = ref.Num
		}
	}
	return max
}

// IntValue returns the integral value of a direct number.
func IntValue(obj Object) (int64, bool) {
	if n, ok := obj.(NumberObj); ok {
		return n.Int(), true
	}
	return 0, false
}

// NameValue returns the value of a direct name.
func NameValue(obj Object) (string, bool) {
	if n, ok := obj.(NameObj); ok {
		return n.Val, true
	}
	return "", false
}

// DictInt reads an integer entry from dict.
func DictInt(dict *DictObj, key string) (int64, bool) {
	v, ok := dict.Lookup(key)
	if !ok {
		return 0, false
	}
	return IntValue(v)
}

// DictName reads a name entry from dict.
func DictName(dict *DictObj, key string) string {
	v, ok := dict.Lookup(key)
	if !ok {
		return ""
	}
	n, _ := NameValue(v)
	return n
}
