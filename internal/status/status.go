// Package status reports build progress to an external HTTP endpoint when
// BUILD_URL is configured, using a bearer token read from a local file.
// Reporting failures are logged and never propagated, matching this
// engine's policy that the external status protocol is best-effort.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// State is one of the three states a build step can report.
type State string

const (
	Pending State = "pending"
	Success State = "success"
	Failure State = "failure"
)

// Reporter posts {step, state} payloads to a configured endpoint. New
// with an empty buildURL returns a Reporter whose Report is a no-op;
// callers never need a nil check.
type Reporter struct {
	buildURL string
	client   *http.Client
	log      *log.Logger
}

// New constructs a Reporter. If buildURL is empty, reporting is disabled
// and Report becomes a no-op; this lets callers unconditionally invoke
// Report without checking whether BUILD_URL was set.
func New(logger *log.Logger, buildURL, tokenFilePath string) (*Reporter, error) {
	if buildURL == "" {
		return &Reporter{log: logger}, nil
	}

	token, err := os.ReadFile(tokenFilePath)
	if err != nil {
		return nil, fmt.Errorf("status: reading bearer token from %s: %w", tokenFilePath, err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: strings.TrimSpace(string(token)),
		TokenType:   "Bearer",
	})
	client := oauth2.NewClient(context.Background(), ts)
	client.Timeout = 10 * time.Second

	return &Reporter{buildURL: buildURL, client: client, log: logger}, nil
}

type payload struct {
	Step  string `json:"step"`
	State State  `json:"state"`
}

// Report posts step's state to the configured endpoint. Failures are
// logged and swallowed: the external status protocol must never abort a
// build.
func (r *Reporter) Report(ctx context.Context, step string, state State) {
	if r.buildURL == "" {
		return
	}

	body, err := json.Marshal(payload{Step: step, State: state})
	if err != nil {
		r.log.Printf("status: marshal %s/%s: %v", step, state, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.buildURL, bytes.NewReader(body))
	if err != nil {
		r.log.Printf("status: build request for %s/%s: %v", step, state, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Printf("status: reporting %s/%s: %v", step, state, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.log.Printf("status: reporting %s/%s: unexpected HTTP status %s", step, state, resp.Status)
	}
}

// SourceStep names the status step for a (commit, suite) source build.
func SourceStep() string { return "source" }

// BinaryStep names the status step for a (commit, suite, arch) binary
// build.
func BinaryStep(arch string) string { return "binary-" + arch }
