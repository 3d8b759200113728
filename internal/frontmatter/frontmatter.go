// Package frontmatter parses and serializes the YAML frontmatter block
// embedded in a Task's markdown content (§3.1). This is in-scope domain
// logic, distinct from the out-of-scope markdown renderer in internal/render.
package frontmatter

import (
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Document is a parsed markdown document: a YAML frontmatter map (possibly
// empty) plus the remaining body text.
type Document struct {
	Meta map[string]interface{}
	Body string
}

// Parse splits content on a leading `---\n...\n---` block. Content with no
// frontmatter delimiter returns an empty Meta and the content unchanged.
func Parse(content string) (Document, error) {
	trimmed := strings.TrimLeft(content, "﻿ \t")
	if !strings.HasPrefix(trimmed, delimiter) {
		return Document{Meta: map[string]interface{}{}, Body: content}, nil
	}
	rest := trimmed[len(delimiter):]
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+delimiter)
	if end == -1 {
		return Document{Meta: map[string]interface{}{}, Body: content}, nil
	}
	rawYAML := rest[:end]
	body := rest[end+len("\n"+delimiter):]
	body = strings.TrimPrefix(body, "\n")

	meta := map[string]interface{}{}
	if strings.TrimSpace(rawYAML) != "" {
		if err := yaml.Unmarshal([]byte(rawYAML), &meta); err != nil {
			return Document{}, err
		}
	}
	return Document{Meta: meta, Body: body}, nil
}

// Serialize re-assembles a Document into markdown content. An empty Meta
// produces the body alone, with no empty frontmatter block.
func Serialize(doc Document) (string, error) {
	if len(doc.Meta) == 0 {
		return doc.Body, nil
	}
	raw, err := yaml.Marshal(doc.Meta)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(delimiter)
	b.WriteString("\n")
	b.Write(raw)
	b.WriteString(delimiter)
	b.WriteString("\n")
	b.WriteString(doc.Body)
	return b.String(), nil
}
