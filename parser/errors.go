package parser

import "fmt"

// MalformedDocumentError reports input that cannot be read as a PDF: the
// trailer, the cross-reference data, or a referenced object is missing or
// unparseable.
type MalformedDocumentError struct {
	Reason string
	Err    error
}

func (e *MalformedDocumentError) Error() string {
	if e.Err == nil {
		return "malformed document: " + e.Reason
	}
	return fmt.Sprintf("malformed document: %s: %v", e.Reason, e.Err)
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedDocumentError{Reason: reason, Err: err}
}
