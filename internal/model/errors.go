package model

import "fmt"

// FormatError reports a malformed model file.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "model format: " + e.Reason
}

// UnsupportedArchitectureError reports an unrecognized architecture tag.
type UnsupportedArchitectureError struct {
	Name string
}

func (e *UnsupportedArchitectureError) Error() string {
	return fmt.Sprintf("unsupported architecture %q", e.Name)
}

// ShapeError reports an internal dimension mismatch discovered at load time.
type ShapeError struct {
	Tensor string
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Tensor != "" {
		return fmt.Sprintf("shape mismatch in %s: %s", e.Tensor, e.Reason)
	}
	return "shape mismatch: " + e.Reason
}
