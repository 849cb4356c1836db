package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrManagerDestroyed = errors.New("gateway: manager destroyed")
	ErrShardClosed      = errors.New("gateway: shard closed")
	ErrNotConnected     = errors.New("gateway: shard not connected")
)

// DisconnectError reports a socket that went away before or after the
// handshake. Resumable ones are retried by the shard itself; the others need
// a fresh identify through the manager's throttle.
type DisconnectError struct {
	Shard     int
	Code      int
	Resumable bool
	Err       error
}

func (e *DisconnectError) Error() string {
	kind := "non-resumable"
	if e.Resumable {
		kind = "resumable"
	}

	if e.Err != nil {
		return fmt.Sprintf("gateway: shard %d %s disconnect (%s): %v", e.Shard, kind, closeReason(e.Code), e.Err)
	}
	return fmt.Sprintf("gateway: shard %d %s disconnect (%s)", e.Shard, kind, closeReason(e.Code))
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// FatalGatewayError means the gateway refused the shard for good, for example
// a bad token or intents that are not enabled. No reconnect is attempted.
type FatalGatewayError struct {
	Shard  int
	Code   int
	Reason string
}

func (e *FatalGatewayError) Error() string {
	return fmt.Sprintf("gateway: shard %d closed with %d: %s", e.Shard, e.Code, e.Reason)
}

func IsFatal(err error) bool {
	var fatal *FatalGatewayError
	return errors.As(err, &fatal)
}
