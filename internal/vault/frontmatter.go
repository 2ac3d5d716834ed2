package vault

import (
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// ParseFrontMatter splits a leading "---" fenced YAML block from content.
// A block that fails to parse (or is not a mapping) yields empty metadata;
// the body is still separated from it. Content without a terminated block
// is all body.
func ParseFrontMatter(content string) (meta map[string]any, body string) {
	meta = map[string]any{}

	text := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(text, fence+"\n") {
		return meta, strings.TrimSpace(text)
	}

	rest := text[len(fence)+1:]
	var raw string
	switch {
	case strings.HasPrefix(rest, fence+"\n") || rest == fence:
		// empty block
		raw, rest = "", strings.TrimPrefix(strings.TrimPrefix(rest, fence), "\n")
	default:
		end := strings.Index(rest, "\n"+fence+"\n")
		if end == -1 {
			if !strings.HasSuffix(rest, "\n"+fence) {
				return meta, strings.TrimSpace(text)
			}
			end = len(rest) - len(fence) - 1
			raw, rest = rest[:end], ""
		} else {
			raw, rest = rest[:end], rest[end+len(fence)+2:]
		}
	}

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(raw), &parsed); err == nil && parsed != nil {
		meta = parsed
	}
	return meta, strings.TrimSpace(rest)
}

// RenderFrontMatter renders meta as a fenced YAML block followed by a blank
// line. Empty metadata renders as "".
func RenderFrontMatter(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	out, err := yaml.Marshal(meta)
	if err != nil {
		return "", err
	}
	return fence + "\n" + string(out) + fence + "\n\n", nil
}
