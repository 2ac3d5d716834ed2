package vault

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// RootName is the display name of the vault root folder.
const RootName = "root"

// Node is a materialized note (leaf) or folder (branch). A node's summary
// starts unset and can be set once.
type Node struct {
	Kind     Kind
	Name     string
	RelPath  string
	AbsPath  string
	Content  string         // raw file text, notes only
	Body     string         // Content without front matter
	Meta     map[string]any // parsed front matter
	Children []*Node

	summary    string
	summarized bool
}

// IsLeaf reports whether n is a note.
func (n *Node) IsLeaf() bool {
	return n.Kind == KindNote
}

// IsRoot reports whether n is the vault root.
func (n *Node) IsRoot() bool {
	return n.Kind == KindFolder && n.RelPath == ""
}

// Summary returns the node's summary and whether it was set.
func (n *Node) Summary() (string, bool) {
	return n.summary, n.summarized
}

// SetSummary sets the summary once. Later calls are ignored and return false.
func (n *Node) SetSummary(s string) bool {
	if n.summarized {
		return false
	}
	n.summary, n.summarized = s, true
	return true
}

// Leaves returns every note under n in depth-first directory order.
func (n *Node) Leaves() []*Node {
	if n.IsLeaf() {
		return []*Node{n}
	}
	var out []*Node
	for _, c := range n.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}

// Folders returns every folder under n, n included, in post-order.
func (n *Node) Folders() []*Node {
	if n.IsLeaf() {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		out = append(out, c.Folders()...)
	}
	return append(out, n)
}

// BuildTree materializes the index into a tree rooted at the vault root.
// Notes that cannot be read are logged and left out.
func BuildTree(ix *Index) *Node {
	root := &Node{Kind: KindFolder, Name: RootName, AbsPath: ix.Root}
	ix.fill(root)
	return root
}

func (ix *Index) fill(folder *Node) {
	for _, e := range ix.Children(folder.RelPath) {
		if e.Kind == KindFolder {
			child := &Node{Kind: KindFolder, Name: e.Name, RelPath: e.RelPath, AbsPath: e.AbsPath}
			ix.fill(child)
			folder.Children = append(folder.Children, child)
			continue
		}

		text, err := LoadText(e.AbsPath)
		if err != nil {
			slog.Warn("skipping unreadable note", "path", e.RelPath, "error", err)
			continue
		}
		note := &Node{Kind: KindNote, Name: e.Name, RelPath: e.RelPath, AbsPath: e.AbsPath, Content: text}
		if isMarkdown(e.Name) {
			note.Meta, note.Body = ParseFrontMatter(text)
		} else {
			note.Meta, note.Body = map[string]any{}, strings.TrimSpace(text)
		}
		folder.Children = append(folder.Children, note)
	}
}

func isMarkdown(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".markdown"
}
