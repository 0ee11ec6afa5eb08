// Package partition groups the pages of a document into consecutive runs
// whose estimated size fits a byte budget.
package partition

import (
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfbudget/estimate"
	"github.com/wudi/pdfbudget/ir/raw"
	"github.com/wudi/pdfbudget/observability"
)

var ErrInvalidBudget = errors.New("size budget must be positive")

// Group is one output file worth of pages.
type Group struct {
	Index int
	// First is the zero-based position of the group's first page in the
	// document.
	First    int
	Pages    []raw.ObjectRef
	Estimate int64
	// OverBudget is set on a single page whose own closure exceeds the
	// budget. Such a page is emitted alone.
	OverBudget bool
}

// Last is the zero-based position of the group's last page.
func (g Group) Last() int { return g.First + len(g.Pages) - 1 }

type Config struct {
	Budget int64
	Logger observability.Logger
}

type Partitioner struct {
	budget int64
	logger observability.Logger
}

func New(cfg Config) (*Partitioner, error) {
	if cfg.Budget <= 0 {
		return nil, ErrInvalidBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	return &Partitioner{budget: cfg.Budget, logger: cfg.Logger}, nil
}

// Partition walks pages once, in order. A page joins the open group when the
// group's estimate including the page stays within budget; otherwise the
// open group is closed and the page starts the next one. Closed groups are
// never revisited.
func (p *Partitioner) Partition(ctx context.Context, est *estimate.Estimator, pages []raw.ObjectRef) ([]Group, error) {
	var groups []Group
	open := est.NewGroup()
	first := 0

	closeOpen := func() {
		if open.Len() == 0 {
			return
		}
		g := Group{
			Index:    len(groups),
			First:    first,
			Pages:    open.Pages(),
			Estimate: open.Size(),
		}
		g.OverBudget = g.Estimate > p.budget
		if g.OverBudget {
			p.logger.Warn("page exceeds budget",
				observability.Int("page", first+1),
				observability.Int64("estimate", g.Estimate),
				observability.Int64("budget", p.budget),
			)
		}
		groups = append(groups, g)
	}

	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size, err := open.With(page)
		if err != nil {
			return nil, fmt.Errorf("estimate page %d: %w", i+1, err)
		}
		if open.Len() > 0 && size > p.budget {
			closeOpen()
			open = est.NewGroup()
			first = i
		}
		if err := open.Add(page); err != nil {
			return nil, fmt.Errorf("estimate page %d: %w", i+1, err)
		}
	}
	closeOpen()

	p.logger.Debug("partitioned document",
		observability.Int("pages", len(pages)),
		observability.Int("groups", len(groups)),
		observability.Int64("budget", p.budget),
	)
	return groups, nil
}

// Partition is a convenience wrapper building a Partitioner and an
// Estimator for doc.
func Partition(ctx context.Context, doc *raw.Document, budget int64) ([]Group, error) {
	p, err := New(Config{Budget: budget})
	if err != nil {
		return nil, err
	}
	est, err := estimate.New(doc)
	if err != nil {
		return nil, err
	}
	return p.Partition(ctx, est, doc.Pages)
}
