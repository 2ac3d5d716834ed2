package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/llmq/internal/api"
	"github.com/kalambet/llmq/internal/inference"
	"github.com/kalambet/llmq/internal/pipeline"
	"github.com/kalambet/llmq/internal/queue"
	"github.com/kalambet/llmq/internal/search"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

// fakeLLM serves OpenAI-style chat completions, answering each prompt with
// answer(prompt).
func fakeLLM(t *testing.T, answer func(prompt string) string) string {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req inference.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		mu.Lock()
		text := answer(req.Messages[0].Content)
		mu.Unlock()

		resp := map[string]any{
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       inference.Message{Role: "assistant", Content: text},
				"finish_reason": "stop",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// commandEnv points config at temp dirs and the given inference server.
func commandEnv(t *testing.T, llmURL string) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("LLMQ_STORAGE_DATA_DIR", t.TempDir())
	t.Setenv("LLMQ_QUEUE_BACKEND", "sqlite")
	t.Setenv("LLMQ_INFERENCE_BASE_URL", llmURL)
	t.Setenv("LLMQ_INFERENCE_DEFAULT_MODEL", "test-model")
	t.Setenv("LLMQ_QUEUE_POLL_INTERVAL", "20ms")
	t.Setenv("LLMQ_LOG_LEVEL", "error")
	t.Setenv("LLMQ_LOG_FILE", "")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	done := make(chan error, 1)
	go func() { done <- rootCmd.Execute() }()
	select {
	case err := <-done:
		return out.String(), err
	case <-time.After(30 * time.Second):
		t.Fatalf("llmq %v did not finish", args)
		return "", nil
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPositionalArgs_Usage(t *testing.T) {
	tests := [][]string{
		{"search", "only-a-query"},
		{"summarize", "vault"},
		{"analyze", "in.md"},
		{"analyze", "in.md", "out.csv", "model", "extra"},
	}
	for _, args := range tests {
		_, err := execute(t, args...)
		if err == nil || !strings.Contains(err.Error(), "arg(s)") {
			t.Errorf("llmq %v: err = %v, want an argument count error", args, err)
		}
	}
}

func TestIntArg(t *testing.T) {
	args := []string{"q", "root", "3", "", "deep", "-1"}

	tests := []struct {
		i       int
		want    int
		wantErr bool
	}{
		{2, 3, false},
		{3, 7, false}, // empty takes the default
		{4, 0, true},
		{5, 0, true},
		{9, 7, false}, // absent
	}
	for _, tt := range tests {
		got, err := intArg(args, tt.i, "n", 7)
		if (err != nil) != tt.wantErr {
			t.Errorf("intArg(%d) err = %v, wantErr %v", tt.i, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("intArg(%d) = %d, want %d", tt.i, got, tt.want)
		}
	}

	if got := stringArg(args, 9, "gpt-oss:20b"); got != "gpt-oss:20b" {
		t.Errorf("stringArg default = %q", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "hello"); result != "hello" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "hello"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPrintReport(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var empty bytes.Buffer
	printReport(&empty, search.Report{Query: "vlans", Explored: []string{""}}, "/vault")
	for _, want := range []string{"Total: 0 result(s) found", "No relevant results found. Try:", "Checking vault path: /vault"} {
		if !strings.Contains(empty.String(), want) {
			t.Errorf("empty report missing %q:\n%s", want, empty.String())
		}
	}

	var full bytes.Buffer
	printReport(&full, search.Report{
		Results: []search.Result{
			{Path: "Net/vlan.md", Title: "vlan.md", Relevance: 0.9, Excerpt: "tagged frames"},
			{Path: "ospf.md", Title: "ospf.md", Relevance: 0.45, Excerpt: "areas"},
		},
	}, "/vault")
	out := full.String()
	for _, want := range []string{"1. vlan.md", "Path: Net/vlan.md", "Relevance: 90%", `Excerpt: "tagged frames"`, "2. ospf.md", "Relevance: 45%"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "No relevant results") {
		t.Error("non-empty report printed the zero-results hint")
	}
}

type recordingEnqueuer struct {
	reqs []queue.Request
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, req queue.Request) (string, error) {
	r.reqs = append(r.reqs, req)
	return "id", nil
}

func TestSeedDemoJobs(t *testing.T) {
	var rec recordingEnqueuer
	if err := seedDemoJobs(ctx, &rec, "gpt-oss:20b"); err != nil {
		t.Fatalf("seedDemoJobs: %v", err)
	}

	if len(rec.reqs) != 3 {
		t.Fatalf("enqueued %d jobs, want 3", len(rec.reqs))
	}
	wantPriority := []int{1, 5, 5}
	for i, req := range rec.reqs {
		if req.Priority != wantPriority[i] {
			t.Errorf("job %d priority = %d, want %d", i, req.Priority, wantPriority[i])
		}
		if req.Model != "gpt-oss:20b" || req.Timeout != time.Minute {
			t.Errorf("job %d = %+v", i, req)
		}
	}
	if demoJobs[0].Model != "" {
		t.Error("seeding mutated the demo job table")
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /stats": `{"pending":2,"running":1,"completed":0,"failed":0,"total":3}`,
	})

	resp, err := ts.client().get(ctx, "/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var stats map[string]int
	if err := decodeJSON(resp, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["pending"] != 2 || stats["total"] != 3 {
		t.Errorf("stats = %v", stats)
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q", ts.requests[0].Auth)
	}

	noToken := ts.client()
	noToken.token = ""
	resp, err = noToken.get(ctx, "/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if ts.requests[1].Auth != "" {
		t.Errorf("auth without token = %q, want none", ts.requests[1].Auth)
	}
}

func TestSubmitRequestBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs": `{"id":"job-123","status":"pending"}`,
	})

	priority := 5
	resp, err := ts.client().post(ctx, "/jobs", api.SubmitRequest{
		Source:    "n8n",
		Prompt:    "Generate product taglines",
		Priority:  &priority,
		TimeoutMs: 60000,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["id"] != "job-123" {
		t.Errorf("id = %q", result["id"])
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["priority"] != float64(5) || body["timeout_ms"] != float64(60000) || body["source"] != "n8n" {
		t.Errorf("body = %v", body)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/jobs/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want a 404 error", err)
	}
}

func TestStatus_ServerStopped(t *testing.T) {
	commandEnv(t, "http://127.0.0.1:1")
	t.Setenv("LLMQ_SERVER_PORT", "1")

	if _, err := execute(t, "status"); err != nil {
		t.Errorf("status with nothing running: %v", err)
	}
}

func TestAnalyzeCommand(t *testing.T) {
	llm := fakeLLM(t, func(prompt string) string {
		if strings.Contains(prompt, "garbled") {
			return "I cannot answer in JSON."
		}
		return "```json\n" + `{"summary":"Router setup","category":"Networking","key_topics":["vlan","trunk"],` +
			`"entities":[],"sentiment":"neutral","actionable":true,"tags":["homelab"]}` + "\n```"
	})
	commandEnv(t, llm)

	dir := t.TempDir()
	md := filepath.Join(dir, "notes.md")
	out := filepath.Join(dir, "out", "notes.csv")
	writeFile(t, md, "Configure the trunk port.\n\n\n  garbled block  \n")

	if _, err := execute(t, "analyze", md, out); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("opening csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header plus 2", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(pipeline.Header, ",") {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][2] != "Router setup" || rows[1][4] != "vlan, trunk" || rows[1][7] != "yes" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][1] != "garbled block" || rows[2][2] != "Parse error" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestSummarizeCommand(t *testing.T) {
	llm := fakeLLM(t, func(prompt string) string {
		if strings.Contains(prompt, "summarizing a folder") {
			return "Folder overview."
		}
		return "Note digest."
	})
	commandEnv(t, llm)

	vaultDir := t.TempDir()
	writeFile(t, filepath.Join(vaultDir, "inbox.md"), "---\ntags: [todo]\n---\nBuy cables.")
	writeFile(t, filepath.Join(vaultDir, "Net", "vlan.md"), "Tagged frames carry a VLAN id.")
	outDir := filepath.Join(t.TempDir(), "out")

	if _, err := execute(t, "summarize", vaultDir, outDir, "1", "2", "3"); err != nil {
		t.Fatalf("summarize: %v", err)
	}

	note, err := os.ReadFile(filepath.Join(outDir, "inbox.md"))
	if err != nil {
		t.Fatalf("reading note: %v", err)
	}
	if !strings.Contains(string(note), "summary_1s: Note digest.") || !strings.Contains(string(note), "Buy cables.") {
		t.Errorf("note output:\n%s", note)
	}
	for _, p := range []string{"_root_summary.md", filepath.Join("Net", "_folder_summary.md")} {
		data, err := os.ReadFile(filepath.Join(outDir, p))
		if err != nil {
			t.Errorf("missing %s: %v", p, err)
			continue
		}
		if !strings.Contains(string(data), "Folder overview.") {
			t.Errorf("%s:\n%s", p, data)
		}
	}

	if _, err := execute(t, "summarize", vaultDir, outDir, "zero"); err == nil {
		t.Error("expected an error for a non-numeric sentence count")
	}
}

func TestSearchCommand(t *testing.T) {
	llm := fakeLLM(t, func(prompt string) string {
		if strings.Contains(prompt, "VLAN trunking") {
			return `{"relevant":true,"confidence":0.8,"reason":"about vlans","excerpt":"VLAN trunking"}`
		}
		return `{"relevant":false,"confidence":0.1,"reason":"unrelated"}`
	})
	commandEnv(t, llm)

	vaultDir := t.TempDir()
	writeFile(t, filepath.Join(vaultDir, "vlan.md"), "Notes on VLAN trunking between switches.")
	writeFile(t, filepath.Join(vaultDir, "cooking.md"), "Pasta recipes.")
	writeFile(t, filepath.Join(vaultDir, "Recipes", "bread.md"), "Sourdough.")

	out, err := execute(t, "--no-color", "search", "how do vlans work", vaultDir)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, want := range []string{"Total: 1 result(s) found", "Path: vlan.md", "Relevance: 80%"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "search", "q", filepath.Join(vaultDir, "missing")); err == nil {
		t.Error("expected an error for a missing vault")
	}
}
