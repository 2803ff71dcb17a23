package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func TestClassification(t *testing.T) {
	cause := errors.New("boom")
	if IsPermanent(Transient(cause)) {
		t.Fatal("transient error classified permanent")
	}
	if !IsPermanent(Permanent(cause)) {
		t.Fatal("permanent error not classified")
	}
	if !errors.Is(Permanent(cause), cause) {
		t.Fatal("classification must keep the cause")
	}
	if IsPermanent(cause) || IsPermanent(context.DeadlineExceeded) {
		t.Fatal("unclassified errors default to transient")
	}
	if IsPermanent(nil) || Transient(nil) != nil || Permanent(nil) != nil {
		t.Fatal("nil handling")
	}
}

func TestFromStatus(t *testing.T) {
	cases := map[int]bool{
		http.StatusTooManyRequests:     false,
		http.StatusRequestTimeout:      false,
		http.StatusBadGateway:          false,
		http.StatusServiceUnavailable:  false,
		http.StatusBadRequest:          true,
		http.StatusUnprocessableEntity: true,
		http.StatusUnauthorized:        true,
	}
	for code, permanent := range cases {
		if got := IsPermanent(FromStatus(code, "")); got != permanent {
			t.Fatalf("status %d: expected permanent=%v", code, permanent)
		}
	}
}

func TestHTTPClientDecodesData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("access-token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"output_text":"namaste"}}`))
	}))
	defer srv.Close()

	var out struct {
		OutputText string `json:"output_text"`
	}
	c := HTTPClient{Token: "tok"}
	if err := c.PostJSON(context.Background(), srv.URL, map[string]string{"input_text": "hello"}, &out); err != nil {
		t.Fatalf("post: %v", err)
	}
	if out.OutputText != "namaste" {
		t.Fatalf("unexpected output %q", out.OutputText)
	}

	err := HTTPClient{}.PostJSON(context.Background(), srv.URL, map[string]string{}, &out)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent auth failure, got %v", err)
	}
}

func TestHTTPClientRateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var out map[string]any
	err := HTTPClient{}.PostJSON(context.Background(), srv.URL, nil, &out)
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestLimitThrottles(t *testing.T) {
	calls := 0
	b := Limit(Func{ID: "echo", Fn: func(_ context.Context, in protocol.Payload, _ Options) (protocol.Payload, error) {
		calls++
		return in, nil
	}}, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := b.Call(context.Background(), protocol.Payload{Text: "x"}, Options{}); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("expected throttling, finished in %s", elapsed)
	}
	if calls != 3 || b.Name() != "echo" {
		t.Fatalf("unexpected calls=%d name=%s", calls, b.Name())
	}

	if Limit(b, 0, 0) != b {
		t.Fatal("zero rate should not wrap")
	}
}
