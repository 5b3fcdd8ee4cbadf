package multiplex

import "errors"

var ErrSessionShutdown = errors.New("session shutdown")
var ErrStreamsExhausted = errors.New("maximum number of streams reached")
var ErrStreamReset = errors.New("stream reset")
var ErrStreamClosed = errors.New("stream closed")
var ErrRemoteGoAway = errors.New("remote end is not accepting connections")
var ErrTimeout = errors.New("deadline exceeded")
var ErrKeepAliveTimeout = errors.New("keepalive timeout")

var errInvalidTransition = errors.New("invalid stream state transition")
var errWindowViolation = errors.New("peer exceeded receive window")
