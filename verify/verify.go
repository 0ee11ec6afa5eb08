// Package verify re-opens written PDFs with an independent reader before
// they are committed to disk.
package verify

import (
	"bytes"
	"context"
	"fmt"

	pdflib "github.com/ledongthuc/pdf"
)

// Verifier checks that data is a readable PDF with the expected page count.
type Verifier struct{}

func New() *Verifier { return &Verifier{} }

// Verify opens data with github.com/ledongthuc/pdf and checks every page
// resolves.
func (v *Verifier) Verify(ctx context.Context, data []byte, wantPages int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("verify: reader panicked: %v", p)
		}
	}()
	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("verify: open: %w", err)
	}
	n := reader.NumPage()
	if n != wantPages {
		return fmt.Errorf("verify: %d pages, want %d", n, wantPages)
	}
	for i := 1; i <= n; i++ {
		if i%32 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if reader.Page(i).V.IsNull() {
			return fmt.Errorf("verify: page %d does not resolve", i)
		}
	}
	return nil
}
