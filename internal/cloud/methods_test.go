package cloud

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDispatchUnknownMethod(t *testing.T) {
	r := NewMethodRegistry()

	resp := r.dispatch([]byte(`{"name":"nope","requestId":"r-1"}`))
	if resp == nil {
		t.Fatal("no response for unknown method")
	}
	if resp.Status != methodStatusNotFound {
		t.Errorf("status = %d, want %d", resp.Status, methodStatusNotFound)
	}
	if resp.RequestID != "r-1" {
		t.Errorf("requestId = %q, want %q", resp.RequestID, "r-1")
	}
}

func TestDispatchHandlerError(t *testing.T) {
	r := NewMethodRegistry()
	r.Register("boom", func(json.RawMessage) (interface{}, error) {
		return nil, errors.New("kaput")
	})

	resp := r.dispatch([]byte(`{"name":"boom","requestId":"r-2"}`))
	if resp.Status != methodStatusError {
		t.Errorf("status = %d, want %d", resp.Status, methodStatusError)
	}
	if resp.RequestID != "r-2" {
		t.Errorf("requestId = %q", resp.RequestID)
	}
	if resp.Message != "kaput" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestDispatchHandlerPanic(t *testing.T) {
	r := NewMethodRegistry()
	r.Register("panicky", func(json.RawMessage) (interface{}, error) {
		panic("oh no")
	})

	resp := r.dispatch([]byte(`{"name":"panicky","requestId":"r-3"}`))
	if resp == nil {
		t.Fatal("panic swallowed the response")
	}
	if resp.Status != methodStatusError {
		t.Errorf("status = %d, want %d", resp.Status, methodStatusError)
	}
}

func TestDispatchSuccess(t *testing.T) {
	r := NewMethodRegistry()
	r.Register("add", func(body json.RawMessage) (interface{}, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, err
		}
		return map[string]int{"sum": in.A + in.B}, nil
	})

	resp := r.dispatch([]byte(`{"name":"add","requestId":"r-4","body":{"A":2,"B":3}}`))
	if resp.Status != methodStatusOK {
		t.Fatalf("status = %d: %s", resp.Status, resp.Message)
	}
	sum := resp.Payload.(map[string]int)["sum"]
	if sum != 5 {
		t.Errorf("sum = %d, want 5", sum)
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	r := NewMethodRegistry()

	if resp := r.dispatch([]byte(`not json`)); resp != nil {
		t.Errorf("malformed JSON produced a response: %+v", resp)
	}
	if resp := r.dispatch([]byte(`{"name":"x"}`)); resp != nil {
		t.Errorf("missing requestId produced a response: %+v", resp)
	}
}

func TestRegisterReplacesHandler(t *testing.T) {
	r := NewMethodRegistry()
	r.Register("m", func(json.RawMessage) (interface{}, error) { return "old", nil })
	r.Register("m", func(json.RawMessage) (interface{}, error) { return "new", nil })

	resp := r.dispatch([]byte(`{"name":"m","requestId":"r-5"}`))
	if resp.Payload != "new" {
		t.Errorf("payload = %v, want %q", resp.Payload, "new")
	}
}
