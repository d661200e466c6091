package errorsx

import (
	"errors"
	"testing"
)

func TestWrapAndCodeOf(t *testing.T) {
	err := Wrap(assertErr{}, CodeTransportError)
	if CodeOf(err) != CodeTransportError {
		t.Fatalf("expected code %s, got %s", CodeTransportError, CodeOf(err))
	}
	if !HasCode(err, CodeTransportError) {
		t.Fatalf("expected HasCode true")
	}
}

func TestWrapPreservesExistingCode(t *testing.T) {
	first := Wrap(assertErr{}, CodeEncodingError)
	second := Wrap(first, CodeTransportError)
	if CodeOf(second) != CodeEncodingError {
		t.Fatalf("expected code preserved, got %s", CodeOf(second))
	}
}

func TestNewCarriesMessage(t *testing.T) {
	err := New(CodeStateError, "send before start")
	if CodeOf(err) != CodeStateError {
		t.Fatalf("expected code %s, got %s", CodeStateError, CodeOf(err))
	}
	want := "STATE_ERROR: send before start"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	err := Wrap(assertErr{}, CodeTransportError)
	var cause assertErr
	if !errors.As(err, &cause) {
		t.Fatalf("expected errors.As to reach the cause")
	}
	var se SessionError
	if !errors.As(err, &se) || se.Err == nil {
		t.Fatalf("expected wrapped cause, got %+v", se)
	}
}

func TestSoftCodes(t *testing.T) {
	if !Soft(CodeSDKNotAvailable) {
		t.Fatalf("expected SDK_NOT_AVAILABLE to be soft")
	}
	for _, c := range []Code{CodeTransportError, CodeStateError, CodeEncodingError} {
		if Soft(c) {
			t.Fatalf("expected %s to be hard", c)
		}
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
