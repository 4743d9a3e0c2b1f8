package engine

import (
	"path"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	maxDerivedTags    = 12
	maxKeywordTags    = 6
	minKeywordTagSize = 3
)

// fileMarkerFields are result fields whose presence marks the entry as
// file-like, making it discoverable through file synonyms in later
// plans.
var fileMarkerFields = []string{"file_url", "filename", "file_path", "path"}

// keywordFields are result fields mined for descriptive tags.
var keywordFields = []string{"filename", "title", "subject"}

// DeriveTags computes the tags stored with a memory entry: the tokens
// of the key and the producing tool, file markers when the result
// carries a file, and keywords from its descriptive fields.
// Deterministic, so re-running an action writes the same tags.
func DeriveTags(toolName, key, valueJSON string) []string {
	seen := map[string]bool{}
	var tags []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] || len(tags) >= maxDerivedTags {
			return
		}
		seen[t] = true
		tags = append(tags, t)
	}
	addTokens := func(s string) {
		for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return r == '_' || r == '-' || r == '.'
		}) {
			add(tok)
		}
	}

	addTokens(key)
	addTokens(toolName)

	if format, fileish := sniffFileResult(valueJSON); fileish {
		add("file")
		add("document")
		add(format)
	}

	for _, kw := range resultKeywords(valueJSON) {
		add(kw)
	}

	return tags
}

// resultKeywords extracts up to a handful of descriptive tokens from the
// result's filename, title or subject field.
func resultKeywords(valueJSON string) []string {
	if strings.TrimSpace(valueJSON) == "" || !gjson.Valid(valueJSON) {
		return nil
	}

	var out []string
	for _, field := range keywordFields {
		v := gjson.Get(valueJSON, field)
		if !v.Exists() || v.Type != gjson.String {
			continue
		}
		for _, tok := range strings.FieldsFunc(strings.ToLower(v.String()), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			if len(tok) < minKeywordTagSize {
				continue
			}
			out = append(out, tok)
			if len(out) >= maxKeywordTags {
				return out
			}
		}
	}
	return out
}

// sniffFileResult reports whether the result JSON describes a produced
// file and, when it does, the file's format.
func sniffFileResult(valueJSON string) (format string, fileish bool) {
	if strings.TrimSpace(valueJSON) == "" || !gjson.Valid(valueJSON) {
		return "", false
	}

	var name string
	for _, field := range fileMarkerFields {
		if v := gjson.Get(valueJSON, field); v.Exists() && v.Type == gjson.String {
			fileish = true
			if name == "" {
				name = v.String()
			}
		}
	}
	if !fileish {
		return "", false
	}

	if v := gjson.Get(valueJSON, "format"); v.Exists() && v.Type == gjson.String {
		format = strings.ToLower(strings.TrimSpace(v.String()))
	}
	if format == "" && name != "" {
		format = strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	}
	return format, true
}
