package search

import (
	"fmt"
	"strings"
)

const maxContentChars = 1000

func notePrompt(title, content, query string) string {
	shown := content
	if len(shown) > maxContentChars {
		shown = truncateUTF8(shown, maxContentChars) + "\n... [truncated]"
	}

	return fmt.Sprintf(`You are evaluating whether a note is relevant to a user's search query.

USER QUERY: %q

NOTE TITLE: %q
NOTE CONTENT (first %d chars):
"""
%s
"""

EVALUATION RULES:
1. The note TITLE is very important - if it contains keywords related to the query, the note is likely relevant.
2. Be inclusive: mark relevant=true if the note could plausibly relate to the query.
3. Consider keywords and related concepts (e.g., "networking" relates to "network", "security", "systems").
4. If the title is relevant, mark relevant=true even if the content is sparse.

Respond with JSON only, no markdown:
{
  "relevant": true|false,
  "confidence": 0.0-1.0,
  "reason": "1-2 sentences explaining your judgment, mentioning key matching terms",
  "excerpt": "if relevant, a short quote (1-3 sentences) from the note that answers or relates to the query; if content is sparse, use the title; null if not relevant"
}`, query, title, min(maxContentChars, len(content)), shown)
}

func folderPrompt(folder string, subfolders []string, query string) string {
	var list strings.Builder
	for i, name := range subfolders {
		if i > 0 {
			list.WriteString("\n")
		}
		list.WriteString("  - ")
		list.WriteString(name)
	}

	return fmt.Sprintf(`You are deciding which subfolders to explore to answer a search query.

USER QUERY: %q

CURRENT FOLDER: %q
AVAILABLE SUBFOLDERS:
%s

Your job: identify which subfolders likely contain information relevant to the query.

Be VERY INCLUSIVE: suggest exploring a subfolder if it could plausibly contain relevant information.
- "Professor" queries should explore course/research folders (course titles, module names, assignment folders).
- "Networking" queries should explore any course or project related to networks, systems, or technical topics.
- When in doubt, suggest exploring - it's better to explore and find nothing than to miss relevant content.

Respond with JSON only:
{
  "relevant": true|false,
  "confidence": 0.0-1.0,
  "reason": "brief explanation of your decision",
  "suggestedExplore": ["subfolder1", "subfolder2"] - list of subfolder names to explore for relevant info, or [] if unlikely to help
}`, query, folder, list.String())
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
