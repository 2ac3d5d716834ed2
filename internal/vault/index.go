// Package vault indexes a directory tree of notes (an Obsidian-style vault)
// and materializes it for the summarizer and the search agent.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Kind tells notes from folders.
type Kind string

const (
	KindNote   Kind = "note"
	KindFolder Kind = "folder"
)

// ErrNotDir is returned when the vault root is not a directory.
var ErrNotDir = errors.New("vault root is not a directory")

var documentExts = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
	".pdf":      true,
	".html":     true,
	".htm":      true,
}

// IsDocument reports whether name has an extension the vault treats as a note.
func IsDocument(name string) bool {
	return documentExts[strings.ToLower(filepath.Ext(name))]
}

// Entry is one indexed note or folder. RelPath always uses forward slashes
// and is "" for the root.
type Entry struct {
	Name    string
	RelPath string
	AbsPath string
	Kind    Kind
}

// Title is the entry name without its document extension.
func (e Entry) Title() string {
	if e.Kind == KindFolder {
		return e.Name
	}
	return strings.TrimSuffix(e.Name, filepath.Ext(e.Name))
}

// Depth is the number of path segments in RelPath.
func (e Entry) Depth() int {
	if e.RelPath == "" {
		return 0
	}
	return strings.Count(e.RelPath, "/") + 1
}

// Index is a read-only snapshot of a vault built by one recursive scan.
// It is safe for concurrent readers.
type Index struct {
	Root string

	files       map[string]Entry
	notesByName map[string][]Entry
	children    map[string][]Entry
}

// BuildIndex scans root. Hidden entries (leading ".") are skipped and only
// document files become notes.
func BuildIndex(root string) (*Index, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("reading vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", root, ErrNotDir)
	}

	ix := &Index{
		Root:        abs,
		files:       make(map[string]Entry),
		notesByName: make(map[string][]Entry),
		children:    make(map[string][]Entry),
	}
	if err := ix.scan(abs, ""); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) scan(dir, rel string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, de := range entries {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		e := Entry{
			Name:    name,
			RelPath: path.Join(rel, name),
			AbsPath: filepath.Join(dir, name),
		}
		switch {
		case de.IsDir():
			e.Kind = KindFolder
			ix.add(rel, e)
			if err := ix.scan(e.AbsPath, e.RelPath); err != nil {
				return err
			}
		case de.Type().IsRegular() && IsDocument(name):
			e.Kind = KindNote
			ix.add(rel, e)
			ix.notesByName[name] = append(ix.notesByName[name], e)
		}
	}
	return nil
}

func (ix *Index) add(parent string, e Entry) {
	ix.files[e.RelPath] = e
	ix.children[parent] = append(ix.children[parent], e)
}

// Len is the number of indexed notes and folders.
func (ix *Index) Len() int {
	return len(ix.files)
}

// Lookup returns the entry at relPath.
func (ix *Index) Lookup(relPath string) (Entry, bool) {
	e, ok := ix.files[relPath]
	return e, ok
}

// Children returns the direct children of the folder at relPath ("" for the
// root) in directory order. The returned slice must not be modified.
func (ix *Index) Children(relPath string) []Entry {
	return ix.children[relPath]
}

// NotesByName returns every note whose file name is name.
func (ix *Index) NotesByName(name string) []Entry {
	return ix.notesByName[name]
}

// ResolveLink finds the note a wiki link like [[My Note]] points to. ".md"
// is appended when the link has no document extension. With several
// candidates the deepest path wins, then the lexically smallest.
func (ix *Index) ResolveLink(link string) (Entry, bool) {
	name := strings.TrimSpace(link)
	if i := strings.IndexAny(name, "|#"); i >= 0 {
		name = name[:i]
	}
	if !IsDocument(name) {
		name += ".md"
	}

	matches := ix.notesByName[path.Base(name)]
	if len(matches) == 0 {
		return Entry{}, false
	}

	candidates := append([]Entry(nil), matches...)
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := candidates[i].Depth(), candidates[j].Depth()
		if di != dj {
			return di > dj
		}
		return candidates[i].RelPath < candidates[j].RelPath
	})
	return candidates[0], true
}

// ReadNote loads the text of a note entry.
func (ix *Index) ReadNote(e Entry) (string, error) {
	if e.Kind != KindNote {
		return "", fmt.Errorf("%s is not a note", e.RelPath)
	}
	return LoadText(e.AbsPath)
}
