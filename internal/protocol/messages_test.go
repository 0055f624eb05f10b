package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseSynthesisRequestSynthesize(t *testing.T) {
	req, err := ParseSynthesisRequest([]byte(`{"action":"synthesize","text":"hello there"}`))
	if err != nil {
		t.Fatalf("ParseSynthesisRequest() error = %v", err)
	}
	if req.Action != ActionSynthesize || req.Text != "hello there" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestParseSynthesisRequestCancel(t *testing.T) {
	req, err := ParseSynthesisRequest([]byte(`{"action":" Cancel ","text":"ignored"}`))
	if err != nil {
		t.Fatalf("ParseSynthesisRequest() error = %v", err)
	}
	if req.Action != ActionCancel || req.Text != "" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestParseSynthesisRequestRejectsUnknownAction(t *testing.T) {
	_, err := ParseSynthesisRequest([]byte(`{"action":"pause"}`))
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("error = %v, want ErrUnsupportedAction", err)
	}
	_, err = ParseSynthesisRequest([]byte(`{}`))
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("error = %v, want ErrUnsupportedAction", err)
	}
}

func TestParseSynthesisRequestRejectsMalformedJSON(t *testing.T) {
	_, err := ParseSynthesisRequest([]byte(`{"action":`))
	if err == nil || errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("error = %v, want decode error", err)
	}
}

func TestServerFramesEncoding(t *testing.T) {
	raw, err := json.Marshal(NewDone())
	if err != nil {
		t.Fatalf("Marshal(done) error = %v", err)
	}
	if string(raw) != `{"action":"done"}` {
		t.Fatalf("done frame = %s", raw)
	}

	raw, err = json.Marshal(NewErrorFrame("provider_failure", "cartesia", "quota exceeded", false))
	if err != nil {
		t.Fatalf("Marshal(error) error = %v", err)
	}
	want := `{"action":"error","code":"provider_failure","provider":"cartesia","retryable":false,"detail":"quota exceeded"}`
	if string(raw) != want {
		t.Fatalf("error frame = %s, want %s", raw, want)
	}
}
