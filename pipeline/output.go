package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wudi/pdfbudget/ir/raw"
)

// Stem is the input file name without directory and .pdf extension.
func Stem(input string) string {
	base := filepath.Base(input)
	if ext := filepath.Ext(base); strings.EqualFold(ext, ".pdf") {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// OutputName returns the file name of part n (one-based) out of total.
func OutputName(stem string, n, total int) string {
	if total <= 1 {
		return stem + ".pdf"
	}
	return fmt.Sprintf("%s_part%d.pdf", stem, n)
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	if aa == bb {
		return true
	}
	ai, err1 := os.Stat(aa)
	bi, err2 := os.Stat(bb)
	return err1 == nil && err2 == nil && os.SameFile(ai, bi)
}

// writeAtomic stores data under dir/name through a temporary file so a
// reader never sees a truncated output.
func writeAtomic(dir, name string, data []byte) (string, error) {
	final := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return final, nil
}

// largestObject is a writer.Interceptor remembering the biggest object of
// one output, so an over-budget page can name what makes it large.
type largestObject struct {
	ref   raw.ObjectRef
	bytes int64
}

func (l *largestObject) BeforeWrite(context.Context, raw.ObjectRef, raw.Object) error { return nil }

func (l *largestObject) AfterWrite(_ context.Context, ref raw.ObjectRef, n int64) error {
	if n > l.bytes {
		l.ref, l.bytes = ref, n
	}
	return nil
}
