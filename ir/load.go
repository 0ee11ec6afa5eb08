// Package ir loads PDF bytes into the raw object model shared by the
// optimizer, the estimator and the writer.
package ir

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/observability"
	"github.com/wudi/pdfbudget/parser"
	"github.com/wudi/pdfbudget/recovery"
	"github.com/wudi/pdfbudget/security"
)

type Options struct {
	Password string
	// Strict fails on the first unreadable object. Otherwise such objects
	// are dropped and references to them become null.
	Strict bool
	Limits security.Limits
	Logger observability.Logger
}

type Loader struct {
	opts Options
}

func NewLoader(opts Options) *Loader {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	return &Loader{opts: opts}
}

// Load parses r. Every failure other than cancellation is reported as a
// *parser.MalformedDocumentError.
func (l *Loader) Load(ctx context.Context, r io.ReaderAt) (*raw.Document, error) {
	cfg := parser.Config{
		Password: l.opts.Password,
		Limits:   l.opts.Limits,
		Logger:   l.opts.Logger,
	}
	if l.opts.Strict {
		cfg.Recovery = recovery.NewStrictStrategy()
	} else {
		cfg.Recovery = recovery.NewLenientStrategy(l.opts.Logger)
	}
	doc, err := parser.NewDocumentParser(cfg).Parse(ctx, r)
	if err != nil {
		var malformed *parser.MalformedDocumentError
		if errors.As(err, &malformed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &parser.MalformedDocumentError{Reason: "parse", Err: err}
	}
	if len(doc.Pages) == 0 {
		return nil, &parser.MalformedDocumentError{Reason: "document has no pages"}
	}
	return doc, nil
}

func (l *Loader) LoadBytes(ctx context.Context, data []byte) (*raw.Document, error) {
	return l.Load(ctx, bytes.NewReader(data))
}
