package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/llmq/internal/queue/queuetest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSplitBlocks(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"whitespace only", "\n \n\t\n", nil},
		{"single", "one line", []string{"one line"}},
		{"paragraphs", "first\nstill first\n\nsecond", []string{"first\nstill first", "second"}},
		{"many blank lines", "a\n\n\n\n  b  ", []string{"a", "b"}},
		{"blank line with spaces", "a\n   \nb", []string{"a", "b"}},
		{"crlf", "a\r\n\r\nb\r\n", []string{"a", "b"}},
		{"list stays together", "- x\n- y\n\nprose", []string{"- x\n- y", "prose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitBlocks(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitBlocks(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	blocks := []Block{
		{Number: 1, OriginalText: "Meet Bob, then \"ship\"\nit", Summary: "s", Category: "Todo", Actionable: "yes"},
		{Number: 2, OriginalText: "plain"},
	}
	if err := WriteCSV(&buf, blocks); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if !reflect.DeepEqual(records[0], Header) {
		t.Errorf("header = %v", records[0])
	}
	if records[1][0] != "1" || records[1][1] != "Meet Bob, then \"ship\"\nit" || records[1][7] != "yes" {
		t.Errorf("row 1 = %q", records[1])
	}
	if records[2][0] != "2" || records[2][2] != "" {
		t.Errorf("row 2 = %q", records[2])
	}
}

func TestWriteCSVFile_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "nested", "notes.csv")
	if err := WriteCSVFile(path, []Block{{Number: 1, OriginalText: "only"}}); err != nil {
		t.Fatalf("WriteCSVFile: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if len(records) != 2 || records[1][1] != "only" {
		t.Errorf("records = %q", records)
	}
}

func TestField(t *testing.T) {
	m := map[string]any{
		"s":    "text",
		"yes":  true,
		"no":   false,
		"list": []any{"net", "tcp"},
		"num":  float64(3),
	}
	tests := map[string]string{
		"s":       "text",
		"yes":     "yes",
		"no":      "no",
		"list":    "net, tcp",
		"num":     "3",
		"missing": "",
	}
	for key, want := range tests {
		if got := field(m, key); got != want {
			t.Errorf("field(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestAnalyze(t *testing.T) {
	h := queuetest.Start(t, func(_ context.Context, prompt, _ string) (string, error) {
		switch {
		case strings.Contains(prompt, "\nmeeting notes\n"):
			return "```json\n{\"summary\":\"A meeting.\",\"category\":\"Meeting Notes\",\"key_topics\":[\"planning\",\"budget\"],\"entities\":\"Bob\",\"sentiment\":\"positive\",\"actionable\":true,\"tags\":\"work\"}\n```", nil
		case strings.Contains(prompt, "\ngarbled\n"):
			return "Sorry, I cannot help with that.", nil
		default:
			return "", errors.New("model crashed")
		}
	})
	a := New(h.Listener, Options{Model: "m", Logger: discard})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got, err := a.Analyze(ctx, []string{"meeting notes", "garbled", "doomed"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	want := []Block{
		{
			Number:       1,
			OriginalText: "meeting notes",
			Summary:      "A meeting.",
			Category:     "Meeting Notes",
			KeyTopics:    "planning, budget",
			Entities:     "Bob",
			Sentiment:    "positive",
			Actionable:   "yes",
			Tags:         "work",
		},
		{Number: 2, OriginalText: "garbled", Summary: "Parse error", Category: "Unknown", Sentiment: "neutral", Actionable: "no"},
		{Number: 3, OriginalText: "doomed", Summary: "Analysis failed", Category: "Error", Sentiment: "neutral", Actionable: "no"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Analyze =\n%+v\nwant\n%+v", got, want)
	}

	jobs, err := h.Queue.Jobs("", 10)
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	for _, j := range jobs {
		if j.Priority != Priority || j.Timeout != Timeout || j.Source != Source {
			t.Errorf("job %s: priority %d timeout %v source %q", j.Name, j.Priority, j.Timeout, j.Source)
		}
	}
}

func TestAnalyzeFile(t *testing.T) {
	h := queuetest.Start(t, func(context.Context, string, string) (string, error) {
		return `{"summary":"ok","category":"Ideas"}`, nil
	})
	a := New(h.Listener, Options{Model: "m", Logger: discard})

	dir := t.TempDir()
	md := filepath.Join(dir, "note.md")
	if err := os.WriteFile(md, []byte("# Title\n\nBody one.\n\nBody two.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.csv")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := a.AnalyzeFile(ctx, md, out)
	if err != nil {
		t.Fatalf("AnalyzeFile: %v", err)
	}
	if n != 3 {
		t.Errorf("blocks = %d, want 3", n)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading CSV: %v", err)
	}
	if len(records) != 4 || records[1][1] != "# Title" || records[3][1] != "Body two." || records[2][3] != "Ideas" {
		t.Errorf("records = %q", records)
	}
}

func TestAnalyzeFile_MissingInput(t *testing.T) {
	a := New(nil, Options{Logger: discard})
	if _, err := a.AnalyzeFile(context.Background(), filepath.Join(t.TempDir(), "nope.md"), "out.csv"); err == nil {
		t.Error("expected an error for a missing file")
	}
}
