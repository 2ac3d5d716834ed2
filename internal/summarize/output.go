package summarize

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/kalambet/llmq/internal/vault"
)

const (
	FolderSummaryFile = "_folder_summary.md"
	RootSummaryFile   = "_root_summary.md"
)

// SummaryKey is the front-matter key a note summary is written under,
// e.g. "summary_2s" for two-sentence summaries.
func SummaryKey(sentences int) string {
	return fmt.Sprintf("summary_%ds", sentences)
}

// WriteOutput mirrors the summarized tree into outDir. Every note is written
// with its front matter plus the summary key (empty when the note has no
// summary); non-markdown notes get a ".md" suffix. Every summarized folder
// gets a _folder_summary.md, the root a _root_summary.md.
func WriteOutput(root *vault.Node, outDir string, noteSentences int) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return writeFolder(root, outDir, SummaryKey(noteSentences))
}

func writeFolder(folder *vault.Node, outDir, key string) error {
	for _, c := range folder.Children {
		var err error
		if c.IsLeaf() {
			err = writeNote(c, outDir, key)
		} else {
			err = writeFolder(c, outDir, key)
		}
		if err != nil {
			return err
		}
	}

	summary, ok := folder.Summary()
	if !ok {
		return nil
	}

	name, header := FolderSummaryFile, "# Folder Summary: "+folder.Name
	if folder.IsRoot() {
		name, header = RootSummaryFile, "# Root Summary"
	}
	fm, err := vault.RenderFrontMatter(map[string]any{"summary": summary})
	if err != nil {
		return fmt.Errorf("rendering front matter for %s: %w", displayPath(folder), err)
	}
	return writeFile(filepath.Join(outDir, filepath.FromSlash(folder.RelPath), name), fm+header+"\n\n"+summary+"\n")
}

func writeNote(note *vault.Node, outDir, key string) error {
	summary, _ := note.Summary()

	meta := make(map[string]any, len(note.Meta)+1)
	maps.Copy(meta, note.Meta)
	meta[key] = summary

	fm, err := vault.RenderFrontMatter(meta)
	if err != nil {
		return fmt.Errorf("rendering front matter for %s: %w", note.RelPath, err)
	}

	rel := note.RelPath
	if ext := filepath.Ext(rel); ext != ".md" && ext != ".markdown" {
		rel += ".md"
	}
	return writeFile(filepath.Join(outDir, filepath.FromSlash(rel)), fm+note.Body+"\n")
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
