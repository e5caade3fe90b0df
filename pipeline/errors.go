package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transfer failure.
type ErrorKind string

// Transfer failure kinds.
const (
	KindDownloadFailed   ErrorKind = "download_failed"
	KindSizeExceeded     ErrorKind = "size_exceeded"
	KindSizeMismatch     ErrorKind = "size_mismatch"
	KindChecksumMismatch ErrorKind = "checksum_mismatch"
	KindUploadFailed     ErrorKind = "upload_failed"
)

// TransferError is a typed transfer failure. Retryable marks failures worth
// redelivering: 5xx downloads, upload errors, and checksum or late size
// mismatches, which are treated as transient network hazards.
type TransferError struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

// Error implements error.
func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransferError) Unwrap() error {
	return e.Err
}

func newTransferError(kind ErrorKind, retryable bool, format string, args ...any) *TransferError {
	return &TransferError{Kind: kind, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err is a retryable transfer error.
func IsRetryable(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Retryable
}

// KindOf returns the transfer error kind, or "" for other errors.
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
