package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestClassifyVariants(t *testing.T) {
	seq := int64(0)
	ok := true

	cases := []struct {
		name string
		env  Envelope
		want EnvelopeKind
	}{
		{
			name: "request",
			env:  Envelope{ID: "r1", Type: "ping", Metadata: &Metadata{TimeoutMS: 30000}},
			want: KindRequest,
		},
		{
			name: "request auth only",
			env:  Envelope{ID: "r2", Type: "connect", Metadata: &Metadata{RequiresAuth: true}},
			want: KindRequest,
		},
		{
			name: "response",
			env:  Envelope{ID: "p1", Type: "ping", Metadata: &Metadata{RequestID: "r1", Success: &ok}},
			want: KindResponse,
		},
		{
			name: "stream",
			env:  Envelope{ID: "s1", Type: "chunk", RequestID: "r1", Sequence: &seq},
			want: KindStream,
		},
		{
			name: "event bare",
			env:  Envelope{ID: "e1", Type: "notice"},
			want: KindEvent,
		},
		{
			name: "event broadcast",
			env:  Envelope{ID: "e2", Type: "notice", Metadata: &Metadata{Broadcast: true}},
			want: KindEvent,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, err := tc.env.Classify()
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if kind != tc.want {
				t.Errorf("kind = %q, want %q", kind, tc.want)
			}
		})
	}
}

func TestClassifyMalformed(t *testing.T) {
	seq := int64(3)

	cases := []struct {
		name string
		env  Envelope
	}{
		{name: "missing id", env: Envelope{Type: "ping"}},
		{name: "missing type", env: Envelope{ID: "x"}},
		{name: "sequence without requestId", env: Envelope{ID: "x", Type: "chunk", Sequence: &seq}},
		{name: "requestId without sequence", env: Envelope{ID: "x", Type: "chunk", RequestID: "r1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.env.Classify(); !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("err = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

func TestClassifyRoundTrip(t *testing.T) {
	req := NewRequest("widgets.list", json.RawMessage(`{"limit":10}`), 30*time.Second)

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	env, kind, err := ClassifyRaw(data)
	if err != nil {
		t.Fatalf("ClassifyRaw: %v", err)
	}
	if kind != KindRequest {
		t.Errorf("kind = %q, want request", kind)
	}
	if env.Metadata.TimeoutMS != 30000 {
		t.Errorf("timeout = %d, want 30000", env.Metadata.TimeoutMS)
	}
}

func TestClassifyRawGarbage(t *testing.T) {
	if _, _, err := ClassifyRaw(json.RawMessage(`not json`)); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
}

func TestResponseAnswersRequest(t *testing.T) {
	req := NewRequest("auth", nil, time.Second)
	resp := NewResponse(req, json.RawMessage(`{}`), nil)

	kind, err := resp.Classify()
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if kind != KindResponse {
		t.Fatalf("kind = %q, want response", kind)
	}
	if resp.Metadata.RequestID != req.ID {
		t.Errorf("requestId = %q, want %q", resp.Metadata.RequestID, req.ID)
	}
	if resp.Metadata.Success == nil || !*resp.Metadata.Success {
		t.Error("success should be true")
	}
}

func TestResponseCarriesError(t *testing.T) {
	req := NewRequest("auth", nil, time.Second)
	resp := NewResponse(req, nil, ErrBackendAuthRejected)

	if resp.Metadata.Success == nil || *resp.Metadata.Success {
		t.Error("success should be false")
	}
	if resp.Metadata.Error == "" {
		t.Error("error detail missing")
	}
}

func TestStreamFinalExactlyOnce(t *testing.T) {
	parts := []*Envelope{
		NewStreamMessage("chunk", "r1", 0, false, nil),
		NewStreamMessage("chunk", "r1", 1, false, nil),
		NewStreamMessage("chunk", "r1", 2, true, nil),
	}

	finals := 0
	var prev int64 = -1
	for _, p := range parts {
		kind, err := p.Classify()
		if err != nil || kind != KindStream {
			t.Fatalf("kind = %q err = %v", kind, err)
		}
		if *p.Sequence <= prev {
			t.Errorf("sequence not increasing: %d after %d", *p.Sequence, prev)
		}
		prev = *p.Sequence
		if p.Final {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("final count = %d, want 1", finals)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestErrorCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{ErrAuthInvalid, CodeAuthInvalid},
		{ErrBackendUnavailable, CodeBackendUnavailable},
		{NewDomainError("Proxy.Wait", ErrRequestTimeout, "b1"), CodeRequestTimeout},
		{WrapOp("router", ErrNotAuthenticated), CodeNotAuthenticated},
		{errors.New("misc"), CodeUnknown},
		{nil, CodeUnknown},
	}

	for _, tc := range cases {
		if got := ErrorCodeOf(tc.err); got != tc.want {
			t.Errorf("ErrorCodeOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
