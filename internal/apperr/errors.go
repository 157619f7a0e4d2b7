// Package apperr defines the error kinds shared across the networking
// subsystem. Operations wrap these sentinels with fmt.Errorf("%w: ...") so
// callers can classify failures with errors.Is while the message keeps the
// offending identifier or address.
package apperr

import "errors"

// ErrDiscovery reports a discovery lifecycle violation, such as starting a
// service that is already running.
var ErrDiscovery = errors.New("discovery error")

// ErrMDNS reports a failure of the underlying mDNS machinery, including
// registration retry exhaustion.
var ErrMDNS = errors.New("mdns error")

// ErrNetwork reports a connect, read, write, flush, or timeout failure on a
// peer connection.
var ErrNetwork = errors.New("network error")

// ErrSerialization reports a JSON encode or decode failure of wire data.
var ErrSerialization = errors.New("serialization error")

// ErrIO reports a local filesystem failure during a file transfer.
var ErrIO = errors.New("i/o error")

// ErrFileNotFound reports a missing source file; the path is embedded in the
// message.
var ErrFileNotFound = errors.New("file not found")

// ErrTransferNotFound reports an unknown transfer id.
var ErrTransferNotFound = errors.New("transfer not found")

// ErrUserNotFound reports a peer id absent from the directory.
var ErrUserNotFound = errors.New("user not found")

// ErrFileTransfer reports a violated transfer precondition, such as a
// missing source path or peer address.
var ErrFileTransfer = errors.New("file transfer error")

// ErrInvalidOperation reports any other precondition violation.
var ErrInvalidOperation = errors.New("invalid operation")
