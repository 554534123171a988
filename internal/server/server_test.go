package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/corvohq/dagbench/internal/archive"
	"github.com/corvohq/dagbench/internal/logs"
	"github.com/corvohq/dagbench/internal/report"
	"github.com/corvohq/dagbench/internal/results"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testRun(id string, offset time.Duration, nodes, rate int, tps float64) results.Run {
	return results.Run{
		ID:                 id,
		SweepID:            "sweep-1",
		StartedAt:          base.Add(offset),
		FinishedAt:         base.Add(offset + time.Minute),
		Nodes:              nodes,
		Workers:            1,
		Collocate:          true,
		Rate:               rate,
		TxSize:             512,
		Duration:           30,
		Attack:             "unchanged",
		Repetition:         1,
		Success:            true,
		ConsensusTPS:       tps,
		ConsensusLatencyMs: 500,
		EndToEndTPS:        tps - 100,
		EndToEndLatencyMs:  900,
	}
}

func testServer(t *testing.T, withArchive bool, config Config) *Server {
	t.Helper()
	dir := t.TempDir()
	history, err := results.Open(filepath.Join(dir, "history"))
	if err != nil {
		t.Fatalf("results.Open: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	ctx := context.Background()
	for _, r := range []results.Run{
		testRun("r1", 0, 4, 1000, 100),
		testRun("r2", time.Minute, 4, 1000, 300),
		testRun("r3", 2*time.Minute, 10, 1000, 200),
	} {
		if err := history.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	failed := testRun("r4", 3*time.Minute, 4, 1000, 0)
	failed.Success, failed.Error = false, "collect: no primary logs"
	if err := history.Record(ctx, failed); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var arc *archive.Archive
	if withArchive {
		arc, err = archive.Open(archive.KindBolt, filepath.Join(dir, "archive"), archive.Options{NoSync: true})
		if err != nil {
			t.Fatalf("archive.Open: %v", err)
		}
		t.Cleanup(func() { arc.Close() })
		_, err = arc.PutRun("r1", []logs.File{
			{Name: "primary-0.log", Text: strings.Repeat("Committed B1 -> digest\n", 20)},
			{Name: "client-0-0.log", Text: "Start sending transactions\n"},
		})
		if err != nil {
			t.Fatalf("PutRun: %v", err)
		}
	}
	return New(history, arc, config)
}

func doRequest(srv *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, false, Config{})
	rr := doRequest(srv, "GET", "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestListRuns(t *testing.T) {
	srv := testServer(t, false, Config{})
	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"r4", "r3", "r2", "r1"}},
		{"?limit=2", []string{"r4", "r3"}},
		{"?nodes=10", []string{"r3"}},
		{"?nodes=4&rate=1000", []string{"r4", "r2", "r1"}},
		{"?rate=5", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := doRequest(srv, "GET", "/api/v1/runs"+tt.query, "")
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
			}
			var body struct {
				Runs []results.Run `json:"runs"`
			}
			decodeResponse(t, rr, &body)
			var got []string
			for _, r := range body.Runs {
				got = append(got, r.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("runs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListRunsBadQuery(t *testing.T) {
	srv := testServer(t, false, Config{})
	for _, q := range []string{"?limit=abc", "?nodes=-1", "?rate=1.5"} {
		if rr := doRequest(srv, "GET", "/api/v1/runs"+q, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", q, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestGetRun(t *testing.T) {
	srv := testServer(t, false, Config{})
	rr := doRequest(srv, "GET", "/api/v1/runs/r4", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var run results.Run
	decodeResponse(t, rr, &run)
	if run.Success || run.Error != "collect: no primary logs" {
		t.Errorf("run = %+v", run)
	}

	if rr := doRequest(srv, "GET", "/api/v1/runs/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestAggregate(t *testing.T) {
	srv := testServer(t, false, Config{})
	rr := doRequest(srv, "GET", "/api/v1/aggregate", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Aggregates []report.Aggregate `json:"aggregates"`
	}
	decodeResponse(t, rr, &body)
	if len(body.Aggregates) != 2 {
		t.Fatalf("aggregates = %+v", body.Aggregates)
	}
	a := body.Aggregates[0]
	if !strings.Contains(a.Config, "nodes=4") || a.Runs != 2 || a.ConsensusTPS.P90 != 300 {
		t.Errorf("first aggregate = %+v", a)
	}
}

func TestArchivedLogs(t *testing.T) {
	srv := testServer(t, true, Config{})

	rr := doRequest(srv, "GET", "/api/v1/runs/r1/logs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("manifest status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var m archive.Manifest
	decodeResponse(t, rr, &m)
	if m.RunID != "r1" || len(m.Files) != 2 {
		t.Errorf("manifest = %+v", m)
	}

	rr = doRequest(srv, "GET", "/api/v1/runs/r1/logs/primary-0.log", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("file status = %d", rr.Code)
	}
	if got := rr.Body.String(); got != strings.Repeat("Committed B1 -> digest\n", 20) {
		t.Errorf("file body = %q", got)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	for _, path := range []string{"/api/v1/runs/r2/logs", "/api/v1/runs/r1/logs/worker-0-0.log"} {
		if rr := doRequest(srv, "GET", path, ""); rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", path, rr.Code, http.StatusNotFound)
		}
	}
}

func TestArchiveDisabled(t *testing.T) {
	srv := testServer(t, false, Config{})
	rr := doRequest(srv, "GET", "/api/v1/runs/r1/logs", "")
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "ARCHIVE_DISABLED") {
		t.Errorf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
}

func signToken(t *testing.T, priv ed25519.PrivateKey, sub, scope string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestAuth(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	srv := testServer(t, false, Config{AuthPublicKey: pub})
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"valid", signToken(t, priv, "ops", "read", future), http.StatusOK},
		{"scope among others", signToken(t, priv, "ops", "write read", future), http.StatusOK},
		{"no read scope", signToken(t, priv, "ops", "write", future), http.StatusForbidden},
		{"expired", signToken(t, priv, "ops", "read", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"no subject", signToken(t, priv, "", "read", future), http.StatusUnauthorized},
		{"wrong key", signToken(t, otherPriv, "ops", "read", future), http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(srv, "GET", "/api/v1/runs", tt.token)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body: %s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}

	// Health and metrics stay open.
	for _, path := range []string{"/healthz", "/metrics"} {
		if rr := doRequest(srv, "GET", path, ""); rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", path, rr.Code, http.StatusOK)
		}
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParsePublicKey(base64.StdEncoding.EncodeToString(pub))
	if err != nil || !got.Equal(pub) {
		t.Errorf("ParsePublicKey = %v, %v", got, err)
	}
	if _, err := ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("short key accepted")
	}
	if _, err := ParsePublicKey("%%%"); err == nil {
		t.Error("invalid base64 accepted")
	}
}

func TestMetrics(t *testing.T) {
	srv := testServer(t, false, Config{})
	doRequest(srv, "GET", "/api/v1/runs/r1", "")
	doRequest(srv, "GET", "/api/v1/runs/r2", "")

	rr := doRequest(srv, "GET", "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`dagbench_history_up 1`,
		`dagbench_consensus_tps{attack="unchanged",collocate="True",faults="0",nodes="4",rate="1000",tx_size="512",workers="1"} 300`,
		`dagbench_consensus_tps{attack="unchanged",collocate="True",faults="0",nodes="10",rate="1000",tx_size="512",workers="1"} 200`,
		`dagbench_e2e_latency_ms{attack="unchanged",collocate="True",faults="0",nodes="4",rate="1000",tx_size="512",workers="1"} 900`,
		`dagbench_http_request_duration_seconds_count{method="GET",route="/api/v1/runs/{id}",status="200"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
