package errcode

import (
	"errors"
	"io"
	"testing"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]error{
		"ok":              OK,
		"invalid_payload": InvalidPayload,
		"pool_exhausted":  PoolExhausted,
		"no_reply":        NoReply,
		"ec_error":        ECError,
		"suspended":       Suspended,
		"closed":          Closed,
		"not_started":     NotStarted,
		"invalid_config":  InvalidConfig,
		"busy":            Busy,
		"error":           Error,
	}
	for want, e := range cases {
		if e.Error() != want {
			t.Fatalf("code %q mismatch: got %q", want, e.Error())
		}
	}
}

func TestOf(t *testing.T) {
	if got := Of(nil); got != OK {
		t.Fatalf("Of(nil)=%q", got)
	}
	if got := Of(NoReply); got != NoReply {
		t.Fatalf("Of(code)=%q", got)
	}
	if got := Of(&E{C: PoolExhausted, Op: "write_async"}); got != PoolExhausted {
		t.Fatalf("Of(*E)=%q", got)
	}
	if got := Of(io.EOF); got != Error {
		t.Fatalf("Of(foreign)=%q", got)
	}
}

func TestEWrapsAndMatches(t *testing.T) {
	e := &E{C: ECError, Op: "parse", Msg: "status 0x01", Err: io.ErrUnexpectedEOF}
	if e.Error() != "parse: ec_error: status 0x01" {
		t.Fatalf("unexpected text %q", e.Error())
	}
	if !errors.Is(e, ECError) {
		t.Fatal("errors.Is should match the code")
	}
	if errors.Is(e, NoReply) {
		t.Fatal("errors.Is matched the wrong code")
	}
	if !errors.Is(e, io.ErrUnexpectedEOF) {
		t.Fatal("cause should unwrap")
	}
}
