package status

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeToken(t *testing.T, token string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReportPostsBearerTokenAndPayload(t *testing.T) {
	var gotAuth string
	var gotPayload payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotPayload); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
	}))
	defer srv.Close()

	logger := log.New(io.Discard, "", 0)
	r, err := New(logger, srv.URL, writeToken(t, "sekrit"))
	if err != nil {
		t.Fatal(err)
	}

	r.Report(context.Background(), BinaryStep("amd64"), Pending)

	if gotAuth != "Bearer sekrit" {
		t.Errorf("Authorization = %q, want Bearer sekrit", gotAuth)
	}
	if gotPayload.Step != "binary-amd64" || gotPayload.State != Pending {
		t.Errorf("payload = %+v, want binary-amd64/pending", gotPayload)
	}
}

func TestReportSwallowsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := log.New(io.Discard, "", 0)
	r, err := New(logger, srv.URL, writeToken(t, "sekrit"))
	if err != nil {
		t.Fatal(err)
	}

	// Must not panic or propagate anything; Report has no error return.
	r.Report(context.Background(), SourceStep(), Failure)
}

func TestDisabledReporterIsNoop(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	r, err := New(logger, "", "")
	if err != nil {
		t.Fatal(err)
	}
	r.Report(context.Background(), SourceStep(), Success)
}
