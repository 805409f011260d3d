package msg

import (
	"testing"

	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/testutil/testlog"
	"github.com/google/uuid"
)

func TestCatalogNamesAndPushedTypes(t *testing.T) {
	testlog.Start(t)

	if TypeForward.String() != "FWD" || !TypeForward.Pushed() {
		t.Fatalf("FWD must be a named pushed type")
	}
	if TypeForwardRequest.Pushed() {
		t.Fatalf("FWD_REQ must not open server chains")
	}
	if Type(999).Known() || Type(999).String() != "UNKNOWN(999)" {
		t.Fatalf("unknown type rendering: %s", Type(999))
	}
	for typ := range catalog {
		if !typ.Known() {
			t.Fatalf("catalog entry %d not known", typ)
		}
	}
}

func TestNewFrameDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)

	keyID := uuid.New()
	in := ForwardRequest{Message: ChatMessageInput{ChatID: uuid.New(), Content: "c2lwaGVy", KeyID: &keyID}}
	f, err := NewFrame(9, TypeForwardRequest, in)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if TypeOf(f) != TypeForwardRequest || f.ChainID() != 9 || f.IsError() {
		t.Fatalf("header: %+v", f.Header)
	}
	var out ForwardRequest
	if err := Decode(f, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Message.Encrypted() || *out.Message.KeyID != keyID || out.Message.ChatID != in.Message.ChatID {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestErrorFrameIsFinalAndNamed(t *testing.T) {
	testlog.Start(t)

	f := ErrorFrame(5, NewError(CodeUnhandledType, "no chain for FWD"))
	if !f.IsError() || !f.IsFinal() || TypeOf(f) != TypeError {
		t.Fatalf("error frame flags: %+v", f.Header)
	}
	if f.Header.Flags&frame.FlagError == 0 {
		t.Fatalf("missing FlagError")
	}
	var out ErrorPayload
	if err := Decode(f, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != "UnhandledMessageType" || out.Code != CodeUnhandledType {
		t.Fatalf("payload: %+v", out)
	}
	if CodeName(77) != "Code77" {
		t.Fatalf("fallback code name: %s", CodeName(77))
	}
}
