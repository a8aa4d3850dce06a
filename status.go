package zmsmq

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"runtime/debug"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// ScanStatus is the enum value that states how the scan ended.
type ScanStatus string

const (
	SCAN_SUCCESS            = ScanStatus("success")            // The protocol in question was positively identified and the scan encountered no errors
	SCAN_CONNECTION_REFUSED = ScanStatus("connection-refused") // TCP connection was actively rejected
	SCAN_CONNECTION_TIMEOUT = ScanStatus("connection-timeout") // No response to TCP connection request
	SCAN_CONNECTION_CLOSED  = ScanStatus("connection-closed")  // The TCP connection was unexpectedly closed
	SCAN_IO_TIMEOUT         = ScanStatus("io-timeout")         // Timed out waiting on data
	SCAN_PROTOCOL_ERROR     = ScanStatus("protocol-error")     // Received data incompatible with the target protocol
	SCAN_APPLICATION_ERROR  = ScanStatus("application-error")  // The application reported an error
	SCAN_BLOCKLISTED_TARGET = ScanStatus("blocklisted-target") // The target is in the blocklist and was never dialed
	SCAN_UNKNOWN_ERROR      = ScanStatus("unknown-error")      // Catch-all for unrecognized errors
)

// ScanError an error that also includes a ScanStatus.
type ScanError struct {
	Status ScanStatus
	Err    error
}

// Error is an implementation of the builtin.error interface -- just forward the wrapped error's Error() method
func (err *ScanError) Error() string {
	if err.Err == nil {
		return "<nil>"
	}
	return err.Err.Error()
}

// Unwrap returns the wrapped error.
func (err *ScanError) Unwrap() error {
	return err.Err
}

// Unpack returns the status, the given results and the wrapped error, in the
// order expected from Scanner.Scan.
func (err *ScanError) Unpack(results any) (ScanStatus, any, error) {
	return err.Status, results, err.Err
}

// NewScanError returns a ScanError with the given status and error.
func NewScanError(status ScanStatus, err error) *ScanError {
	return &ScanError{Status: status, Err: err}
}

// DetectScanError returns a ScanError that attempts to detect the status from the given error.
func DetectScanError(err error) *ScanError {
	return &ScanError{Status: TryGetScanStatus(err), Err: err}
}

// TryGetScanStatus attempts to get the ScanStatus enum value corresponding to the given error.
// Mostly supports network errors. A nil error is interpreted as SCAN_SUCCESS.
// An unrecognized error is interpreted as SCAN_UNKNOWN_ERROR.
func TryGetScanStatus(err error) ScanStatus {
	if err == nil {
		return SCAN_SUCCESS
	}
	var scanErr *ScanError
	if errors.As(err, &scanErr) {
		return scanErr.Status
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		// Presumably the caller did not call TryGetScanStatus if the EOF was expected
		return SCAN_CONNECTION_CLOSED
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return SCAN_CONNECTION_REFUSED
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return SCAN_CONNECTION_CLOSED
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTotalTimeout) {
		return SCAN_IO_TIMEOUT
	}
	if errors.Is(err, context.Canceled) {
		return SCAN_CONNECTION_CLOSED
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return SCAN_CONNECTION_TIMEOUT
		case "read", "write":
			return SCAN_IO_TIMEOUT
		default:
			log.Debugf("Failed to detect error from net.OpError %v, op = %s at %s", opErr, opErr.Op, string(debug.Stack()))
			return SCAN_UNKNOWN_ERROR
		}
	}
	log.Debugf("Failed to detect error from %v at %s", err, string(debug.Stack()))
	return SCAN_UNKNOWN_ERROR
}
