package summarize

import (
	"fmt"
	"strings"

	"github.com/kalambet/llmq/internal/vault"
)

func notePrompt(content string, sentences int) string {
	return fmt.Sprintf(`You are summarizing an Obsidian note. Write EXACTLY %d sentences. Use the provided language. Avoid filler or hype words; focus on concise, specific details.

Note content:
"""
%s
"""

Respond with plain text only, %d sentences.`, sentences, content, sentences)
}

func folderPrompt(name string, childSummaries []string, sentences int) string {
	var b strings.Builder
	for _, s := range childSummaries {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return fmt.Sprintf(`You are summarizing a folder in an Obsidian vault.
Folder name: %s
Write %d sentences that summarize the key ideas.
Use ONLY the child summaries below (do not hallucinate). Avoid filler or hype words; keep it concise but include specific details.

Child summaries:
%s
Respond with plain text only, %d sentences.`, name, sentences, b.String(), sentences)
}

// childSummaries lists the summarized children of folder as
// "name: summary" for notes and "name (folder): summary" for folders.
func childSummaries(folder *vault.Node) []string {
	var parts []string
	for _, c := range folder.Children {
		s, ok := c.Summary()
		if !ok || s == "" {
			continue
		}
		if c.IsLeaf() {
			parts = append(parts, c.Name+": "+s)
		} else {
			parts = append(parts, c.Name+" (folder): "+s)
		}
	}
	return parts
}
