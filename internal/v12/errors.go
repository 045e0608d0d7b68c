package v12

import (
	"fmt"

	"github.com/onebot-go/adapter/internal/oberr"
)

// ActionMissingField reports a v12 action reply that violates the
// envelope shape: status, retcode, data and message are all mandatory.
type ActionMissingField struct {
	Info map[string]any
}

func (e *ActionMissingField) Error() string {
	return fmt.Sprintf("onebot v12: action reply missing required field: %v", e.Info)
}

// ActionFailedWithRetcode is the generic v12 action failure. Concrete
// failures wrap it; errors.As against this type matches them all.
type ActionFailedWithRetcode struct {
	oberr.ActionFailed
}

func (e *ActionFailedWithRetcode) Unwrap() error { return &e.ActionFailed }

// Retcode families, resolved by longest prefix over the zero-padded
// 5-digit retcode.

type RequestError struct{ *ActionFailedWithRetcode }
type BadRequest struct{ RequestError }
type UnsupportedAction struct{ RequestError }
type BadParam struct{ RequestError }
type UnsupportedParam struct{ RequestError }
type UnsupportedSegment struct{ RequestError }
type BadSegmentData struct{ RequestError }
type UnsupportedSegmentData struct{ RequestError }
type WhoAmI struct{ RequestError }
type UnknownSelf struct{ RequestError }

type HandlerError struct{ *ActionFailedWithRetcode }
type BadHandler struct{ HandlerError }
type InternalHandlerError struct{ HandlerError }

type ExecutionError struct{ *ActionFailedWithRetcode }
type DatabaseError struct{ ExecutionError }
type FileSystemError struct{ ExecutionError }
type NetworkActionError struct{ ExecutionError }
type PlatformError struct{ ExecutionError }
type LogicError struct{ ExecutionError }
type IAmTiredError struct{ ExecutionError }

type ExtendedError struct{ *ActionFailedWithRetcode }

func (e *RequestError) Unwrap() error   { return e.ActionFailedWithRetcode }
func (e *HandlerError) Unwrap() error   { return e.ActionFailedWithRetcode }
func (e *ExecutionError) Unwrap() error { return e.ActionFailedWithRetcode }
func (e *ExtendedError) Unwrap() error  { return e.ActionFailedWithRetcode }

// retcodePrefixes maps zero-padded retcode prefixes to failure
// constructors. Longer prefixes win.
var retcodePrefixes = map[string]func(*ActionFailedWithRetcode) error{
	"1":     func(b *ActionFailedWithRetcode) error { return &RequestError{b} },
	"10001": func(b *ActionFailedWithRetcode) error { return &BadRequest{RequestError{b}} },
	"10002": func(b *ActionFailedWithRetcode) error { return &UnsupportedAction{RequestError{b}} },
	"10003": func(b *ActionFailedWithRetcode) error { return &BadParam{RequestError{b}} },
	"10004": func(b *ActionFailedWithRetcode) error { return &UnsupportedParam{RequestError{b}} },
	"10005": func(b *ActionFailedWithRetcode) error { return &UnsupportedSegment{RequestError{b}} },
	"10006": func(b *ActionFailedWithRetcode) error { return &BadSegmentData{RequestError{b}} },
	"10007": func(b *ActionFailedWithRetcode) error { return &UnsupportedSegmentData{RequestError{b}} },
	"10101": func(b *ActionFailedWithRetcode) error { return &WhoAmI{RequestError{b}} },
	"10102": func(b *ActionFailedWithRetcode) error { return &UnknownSelf{RequestError{b}} },
	"2":     func(b *ActionFailedWithRetcode) error { return &HandlerError{b} },
	"20001": func(b *ActionFailedWithRetcode) error { return &BadHandler{HandlerError{b}} },
	"20002": func(b *ActionFailedWithRetcode) error { return &InternalHandlerError{HandlerError{b}} },
	"3":     func(b *ActionFailedWithRetcode) error { return &ExecutionError{b} },
	"31":    func(b *ActionFailedWithRetcode) error { return &DatabaseError{ExecutionError{b}} },
	"32":    func(b *ActionFailedWithRetcode) error { return &FileSystemError{ExecutionError{b}} },
	"33":    func(b *ActionFailedWithRetcode) error { return &NetworkActionError{ExecutionError{b}} },
	"34":    func(b *ActionFailedWithRetcode) error { return &PlatformError{ExecutionError{b}} },
	"35":    func(b *ActionFailedWithRetcode) error { return &LogicError{ExecutionError{b}} },
	"36":    func(b *ActionFailedWithRetcode) error { return &IAmTiredError{ExecutionError{b}} },
	"6":     func(b *ActionFailedWithRetcode) error { return &ExtendedError{b} },
	"7":     func(b *ActionFailedWithRetcode) error { return &ExtendedError{b} },
	"8":     func(b *ActionFailedWithRetcode) error { return &ExtendedError{b} },
	"9":     func(b *ActionFailedWithRetcode) error { return &ExtendedError{b} },
}

// NewActionFailed builds the most specific failure for a failed action
// reply. The retcode is zero-padded to five digits and matched by
// longest known prefix; retcodes of six or more digits always yield the
// generic failure.
func NewActionFailed(info map[string]any) error {
	base := &ActionFailedWithRetcode{oberr.ActionFailed{Info: info}}
	retcode := base.Retcode()
	if retcode < 0 || retcode >= 100000 {
		return base
	}
	code := fmt.Sprintf("%05d", retcode)
	for end := len(code); end > 0; end-- {
		if ctor, ok := retcodePrefixes[code[:end]]; ok {
			return ctor(base)
		}
	}
	return base
}

// CheckEnvelope validates the mandatory v12 reply shape.
func CheckEnvelope(result map[string]any) error {
	for _, field := range []string{"status", "retcode", "data", "message"} {
		if _, ok := result[field]; !ok {
			return &ActionMissingField{Info: result}
		}
	}
	return nil
}
