// Package writer serializes a page subset of a raw.Document as a standalone
// PDF. Object ids are kept as in the source document; the catalog and page
// tree root are synthesised under their original ids.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/wudi/pdfbudget/ir/raw"
)

const DefaultVersion = "1.7"

type Config struct {
	// Version overrides the header version. Empty keeps the document's.
	Version string
	// Deterministic derives a missing file ID from the written objects
	// instead of leaving it out.
	Deterministic bool
}

// SerializationError reports an invariant violation while writing. Ref is
// the object being written or referenced when the violation was found.
type SerializationError struct {
	Ref    raw.ObjectRef
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	msg := "serialization error"
	if e.Ref.Num != 0 {
		msg += " at " + e.Ref.String()
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SerializationError) Unwrap() error { return e.Err }

func serializationErr(ref raw.ObjectRef, format string, args ...interface{}) error {
	return &SerializationError{Ref: ref, Reason: fmt.Sprintf(format, args...)}
}

type Writer interface {
	// Write emits the pages, in the given order, and everything they need.
	Write(ctx context.Context, doc *raw.Document, pages []raw.ObjectRef, out io.Writer) (int64, error)
	WritePlan(ctx context.Context, plan *Plan, out io.Writer) (int64, error)
}

// Interceptor observes every object as it is written.
type Interceptor interface {
	BeforeWrite(ctx context.Context, ref raw.ObjectRef, obj raw.Object) error
	AfterWrite(ctx context.Context, ref raw.ObjectRef, bytesWritten int64) error
}

type WriterBuilder struct {
	cfg          Config
	interceptors []Interceptor
}

func (b *WriterBuilder) WithConfig(cfg Config) *WriterBuilder { b.cfg = cfg; return b }

func (b *WriterBuilder) WithInterceptor(i Interceptor) *WriterBuilder {
	b.interceptors = append(b.interceptors, i)
	return b
}

func (b *WriterBuilder) Build() Writer { return &impl{cfg: b.cfg, interceptors: b.interceptors} }

// WritePages writes with the default configuration and returns the bytes.
func WritePages(ctx context.Context, doc *raw.Document, pages []raw.ObjectRef) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := (&WriterBuilder{}).Build().Write(ctx, doc, pages, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
