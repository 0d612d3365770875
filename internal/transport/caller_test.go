package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fieldsync/fieldsync/internal/op"
)

func TestCall_HeadersAndBody(t *testing.T) {
	var gotMethod, gotPath, gotToken, gotMarker, gotContentType string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-CSRFToken")
		gotMarker = r.Header.Get("X-Requested-With")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, StaticToken("tok-123"), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	o := &op.Operation{
		ID:      "op-1",
		Method:  op.MethodCreate,
		Target:  "/api/sales/",
		Payload: []byte(`{"total":42}`),
	}
	if err := c.Call(context.Background(), o); err != nil {
		t.Fatalf("Call() failed: %v", err)
	}

	if gotMethod != "POST" {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/api/sales/" {
		t.Errorf("path = %s, want /api/sales/", gotPath)
	}
	if gotToken != "tok-123" {
		t.Errorf("X-CSRFToken = %q, want tok-123", gotToken)
	}
	if gotMarker != "fieldsync-agent" {
		t.Errorf("X-Requested-With = %q, want fieldsync-agent", gotMarker)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if string(gotBody) != `{"total":42}` {
		t.Errorf("body = %s, want payload as enqueued", gotBody)
	}
}

func TestCall_VerbMapping(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	cases := map[op.Method]string{
		op.MethodCreate: "POST",
		op.MethodUpdate: "PUT",
		op.MethodPatch:  "PATCH",
		op.MethodDelete: "DELETE",
	}
	for m, want := range cases {
		o := &op.Operation{ID: "op-x", Method: m, Target: "/api/things/1/"}
		if err := c.Call(context.Background(), o); err != nil {
			t.Fatalf("Call(%s) failed: %v", m, err)
		}
		if gotMethod != want {
			t.Errorf("Call(%s) used %s, want %s", m, gotMethod, want)
		}
	}
}

func TestCall_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	o := &op.Operation{ID: "op-2", Method: op.MethodDelete, Target: "/api/sales/9/"}
	if err := c.Call(context.Background(), o); err == nil {
		t.Error("Call() with 500 succeeded, want error")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	entry, err := c.Fetch(context.Background(), "/static/app.css")
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if entry.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", entry.Status)
	}
	if string(entry.Body) != "body{}" {
		t.Errorf("Body = %s, want css", entry.Body)
	}
	if entry.Header.Get("Content-Type") != "text/css" {
		t.Errorf("Content-Type = %q, want text/css", entry.Header.Get("Content-Type"))
	}
}

func TestFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("tok-456\n"), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	token, err := FileToken(path).Token(context.Background())
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if token != "tok-456" {
		t.Errorf("Token() = %q, want tok-456 (trimmed)", token)
	}
}
