// Package oberr defines the error taxonomy shared by the OneBot v11 and
// v12 adapters. The call dispatcher is the last local recovery point: it
// maps transport failures to NetworkError, passes adapter errors through
// unchanged, and raises everything to the caller.
package oberr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoLog marks events whose log output is suppressed (heartbeats and
// other chatty meta events). Event log accessors return it instead of a
// log line; dispatchers check with errors.Is and stay quiet.
var ErrNoLog = errors.New("onebot: event logging suppressed")

// NetworkError reports a transport failure: a failed or non-2xx HTTP
// request, an empty response body, or a timeout waiting for a WebSocket
// reply. Recoverable by caller retry.
type NetworkError struct {
	Msg string
	Err error // underlying transport error, may be nil
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("onebot: network error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("onebot: network error: %s", e.Msg)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ApiNotAvailable reports that no transport path exists to invoke an
// action for the bot: no live WebSocket and no configured API root.
type ApiNotAvailable struct{}

func (e *ApiNotAvailable) Error() string { return "onebot: api not available" }

// ActionFailed reports that the implementation accepted the action but
// replied with a failed status. Info carries the full result mapping as
// returned on the wire.
type ActionFailed struct {
	Info map[string]any
}

func (e *ActionFailed) Error() string {
	keys := make([]string, 0, len(e.Info))
	for k := range e.Info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Info[k]))
	}
	return "onebot: action failed: " + strings.Join(parts, ", ")
}

// Retcode returns the integer retcode from the result mapping, or 0 if
// absent. JSON numbers decode as float64; both forms are accepted.
func (e *ActionFailed) Retcode() int64 {
	switch v := e.Info["retcode"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// WebSocketClosed reports that the peer closed the WebSocket. Connection
// loops convert transport close errors into this type before logging and
// cleanup.
type WebSocketClosed struct {
	Code int
	Text string
}

func (e *WebSocketClosed) Error() string {
	return fmt.Sprintf("onebot: websocket closed (%d): %s", e.Code, e.Text)
}
