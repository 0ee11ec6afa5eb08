package observability

import (
	"context"
	"time"
)

type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type Field interface {
	Key() string
	Value() interface{}
}

type stringField struct{ key, val string }

func (f stringField) Key() string                    { return f.key }
func (f stringField) Value() interface{}             { return f.val }

type intField struct {
	key string
	val int
}

func (f intField) Key() string                       { return f.key }
func (f intField) Value() interface{}                { return f.val }

type int64Field struct {
	key string
	val int64
}

func (f int64Field) Key() string                     { return f.key }
func (f int64Field) Value() interface{}              { return f.val }

type errorField struct {
	key string
	err error
}

func (f errorField) Key() string                     { return f.key }
func (f errorField) Value() interface{}              { return f.err }

type anyField struct {
	key string
	val interface{}
}

func (f anyField) Key() string        { return f.key }
func (f anyField) Value() interface{} { return f.val }

func String(key, value string) Field                 { return stringField{key, value} }
func Int(key string, value int) Field                { return intField{key, value} }
func Int64(key string, value int64) Field            { return int64Field{key, value} }
func Error(key string, err error) Field              { return errorField{key, err} }
func Bool(key string, value bool) Field              { return anyField{key, value} }
func Float(key string, value float64) Field          { return anyField{key, value} }
func Duration(key string, value time.Duration) Field { return anyField{key, value} }
func Strings(key string, value []string) Field       { return anyField{key, value} }

type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}
func (NopLogger) With(...Field) Logger               { return NopLogger{} }

// Tracer provides distributed tracing hooks for library operations.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Span represents a tracing span.
type Span interface {
	SetTag(key string, value interface{})
	SetError(err error)
	Finish()
}

type nopTracer struct{}

func (nopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, nopSpan{}
}

// NopTracer returns a tracer that does nothing.
func NopTracer() Tracer { return nopTracer{} }

type nopSpan struct{}

func (nopSpan) SetTag(string, interface{}) {}
func (nopSpan) SetError(error)             {}
func (nopSpan) Finish()                    {}

// Standard field and span names emitted by the library.
const (
	MetricParseTime       = "pdf.parse.duration"
	MetricObjectCount     = "pdf.objects.count"
	MetricPageCount       = "pdf.pages.count"
	MetricRecompressTime  = "pdf.recompress.duration"
	MetricRecompressSaved = "pdf.recompress.saved_bytes"
	MetricPartitionGroups = "pdf.partition.groups"
	MetricWriteTime       = "pdf.write.duration"
	MetricOutputBytes     = "pdf.output.bytes"
)
