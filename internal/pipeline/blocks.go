package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var blankLine = regexp.MustCompile(`\n\s*\n`)

// SplitBlocks splits markdown text into trimmed, non-empty blocks separated
// by one or more blank lines.
func SplitBlocks(content string) []string {
	var blocks []string
	for _, b := range blankLine.Split(content, -1) {
		if b = strings.TrimSpace(b); b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// ReadBlocks loads the markdown file at path and splits it into blocks.
func ReadBlocks(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return SplitBlocks(string(data)), nil
}

// Header is the CSV column order.
var Header = []string{
	"block_number",
	"original_text",
	"summary",
	"category",
	"key_topics",
	"entities",
	"sentiment",
	"actionable",
	"tags",
}

// Block is one analyzed markdown block.
type Block struct {
	Number       int
	OriginalText string
	Summary      string
	Category     string
	KeyTopics    string
	Entities     string
	Sentiment    string
	Actionable   string
	Tags         string
}

// Record returns the block's fields in Header order.
func (b Block) Record() []string {
	return []string{
		strconv.Itoa(b.Number),
		b.OriginalText,
		b.Summary,
		b.Category,
		b.KeyTopics,
		b.Entities,
		b.Sentiment,
		b.Actionable,
		b.Tags,
	}
}

// WriteCSV writes the header and one row per block.
func WriteCSV(w io.Writer, blocks []Block) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, b := range blocks {
		if err := cw.Write(b.Record()); err != nil {
			return fmt.Errorf("writing block %d: %w", b.Number, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes blocks to a CSV file at path, replacing it. Missing
// parent directories are created.
func WriteCSVFile(path string, blocks []Block) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, cerr)
		}
	}()
	return WriteCSV(f, blocks)
}
