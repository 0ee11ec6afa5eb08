package security

import "time"

// Limits bound the work spent on one input. A zero field takes the value
// from DefaultLimits.
type Limits struct {
	// MaxDecompressedSize caps the decoded size of a single stream.
	MaxDecompressedSize int64
	// MaxIndirectDepth caps array and dictionary nesting.
	MaxIndirectDepth int
	// MaxXRefDepth caps the number of /Prev sections followed.
	MaxXRefDepth int
	// MaxXObjectDepth caps form XObject nesting when collecting the images
	// a page draws.
	MaxXObjectDepth int
	// MaxArraySize and MaxDictSize cap the entries of one array or
	// dictionary.
	MaxArraySize int
	MaxDictSize  int
	// MaxStringLength and MaxStreamLength cap raw token sizes in bytes.
	MaxStringLength int64
	MaxStreamLength int64
	MaxDecodeTime   time.Duration
	MaxParseTime    time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxDecompressedSize: 256 << 20,
		MaxIndirectDepth:    100,
		MaxXRefDepth:        64,
		MaxXObjectDepth:     20,
		MaxArraySize:        1 << 20,
		MaxDictSize:         1 << 16,
		MaxStringLength:     16 << 20,
		MaxStreamLength:     512 << 20,
		MaxDecodeTime:       30 * time.Second,
		MaxParseTime:        5 * time.Minute,
	}
}

// WithDefaults returns l with every zero field replaced by its default.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDecompressedSize == 0 {
		l.MaxDecompressedSize = d.MaxDecompressedSize
	}
	if l.MaxIndirectDepth == 0 {
		l.MaxIndirectDepth = d.MaxIndirectDepth
	}
	if l.MaxXRefDepth == 0 {
		l.MaxXRefDepth = d.MaxXRefDepth
	}
	if l.MaxXObjectDepth == 0 {
		l.MaxXObjectDepth = d.MaxXObjectDepth
	}
	if l.MaxArraySize == 0 {
		l.MaxArraySize = d.MaxArraySize
	}
	if l.MaxDictSize == 0 {
		l.MaxDictSize = d.MaxDictSize
	}
	if l.MaxStringLength == 0 {
		l.MaxStringLength = d.MaxStringLength
	}
	if l.MaxStreamLength == 0 {
		l.MaxStreamLength = d.MaxStreamLength
	}
	if l.MaxDecodeTime == 0 {
		l.MaxDecodeTime = d.MaxDecodeTime
	}
	if l.MaxParseTime == 0 {
		l.MaxParseTime = d.MaxParseTime
	}
	return l
}
