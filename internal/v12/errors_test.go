package v12

import (
	"errors"
	"testing"

	"github.com/onebot-go/adapter/internal/oberr"
)

func failed(retcode int64) map[string]any {
	return map[string]any{
		"status": "failed", "retcode": retcode, "data": "", "message": "bad",
	}
}

func TestRetcodeMapping(t *testing.T) {
	cases := []struct {
		retcode int64
		check   func(error) bool
		name    string
	}{
		{10001, func(e error) bool { var t *BadRequest; return errors.As(e, &t) }, "BadRequest"},
		{10002, func(e error) bool { var t *UnsupportedAction; return errors.As(e, &t) }, "UnsupportedAction"},
		{10003, func(e error) bool { var t *BadParam; return errors.As(e, &t) }, "BadParam"},
		{10007, func(e error) bool { var t *UnsupportedSegmentData; return errors.As(e, &t) }, "UnsupportedSegmentData"},
		{10099, func(e error) bool { var t *RequestError; return errors.As(e, &t) }, "RequestError fallback"},
		{20001, func(e error) bool { var t *BadHandler; return errors.As(e, &t) }, "BadHandler"},
		{20002, func(e error) bool { var t *InternalHandlerError; return errors.As(e, &t) }, "InternalHandlerError"},
		{20500, func(e error) bool { var t *HandlerError; return errors.As(e, &t) }, "HandlerError fallback"},
		{31002, func(e error) bool { var t *DatabaseError; return errors.As(e, &t) }, "DatabaseError"},
		{32001, func(e error) bool { var t *FileSystemError; return errors.As(e, &t) }, "FileSystemError"},
		{33001, func(e error) bool { var t *NetworkActionError; return errors.As(e, &t) }, "NetworkActionError"},
		{34001, func(e error) bool { var t *PlatformError; return errors.As(e, &t) }, "PlatformError"},
		{35001, func(e error) bool { var t *LogicError; return errors.As(e, &t) }, "LogicError"},
		{36000, func(e error) bool { var t *IAmTiredError; return errors.As(e, &t) }, "IAmTiredError"},
		{30001, func(e error) bool { var t *ExecutionError; return errors.As(e, &t) }, "ExecutionError fallback"},
		{60000, func(e error) bool { var t *ExtendedError; return errors.As(e, &t) }, "ExtendedError 6xxxx"},
		{99999, func(e error) bool { var t *ExtendedError; return errors.As(e, &t) }, "ExtendedError 9xxxx"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := NewActionFailed(failed(c.retcode))
			if !c.check(err) {
				t.Errorf("retcode %d mapped to %T", c.retcode, err)
			}
			// Every failure also matches the generic types.
			var withRetcode *ActionFailedWithRetcode
			if !errors.As(err, &withRetcode) {
				t.Errorf("retcode %d: not an ActionFailedWithRetcode", c.retcode)
			} else if withRetcode.Retcode() != c.retcode {
				t.Errorf("retcode = %d, want %d", withRetcode.Retcode(), c.retcode)
			}
			var generic *oberr.ActionFailed
			if !errors.As(err, &generic) {
				t.Errorf("retcode %d: not an ActionFailed", c.retcode)
			}
		})
	}
}

func TestRetcodeOutOfRangeIsGeneric(t *testing.T) {
	err := NewActionFailed(failed(100000))
	if _, ok := err.(*ActionFailedWithRetcode); !ok {
		t.Errorf("retcode 100000 mapped to %T, want generic", err)
	}
	err = NewActionFailed(failed(123456789))
	if _, ok := err.(*ActionFailedWithRetcode); !ok {
		t.Errorf("huge retcode mapped to %T, want generic", err)
	}
}

func TestCheckEnvelope(t *testing.T) {
	ok := map[string]any{"status": "ok", "retcode": 0, "data": nil, "message": ""}
	if err := CheckEnvelope(ok); err != nil {
		t.Errorf("valid envelope rejected: %v", err)
	}
	for _, missing := range []string{"status", "retcode", "data", "message"} {
		bad := map[string]any{}
		for k, v := range ok {
			if k != missing {
				bad[k] = v
			}
		}
		err := CheckEnvelope(bad)
		var mf *ActionMissingField
		if !errors.As(err, &mf) {
			t.Errorf("envelope without %s: err = %v", missing, err)
		}
	}
}
