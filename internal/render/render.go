// Package render implements the one pure markdown-rendering boundary the
// orchestrator owns internally: turning a task's markdown content into the
// plain-text body embedded in working_set.md. Everything else about
// markdown (UI colorization, comment rendering) stays out of scope.
package render

import (
	"bytes"
	"strings"

	"github.com/swarmguard/agx/internal/frontmatter"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Plain strips frontmatter from content, renders the remaining markdown to
// an AST, and walks it collecting visible text, yielding a plain-text body
// suitable for embedding in a generated document. It is a pure function of
// its input.
func Plain(content string) (string, error) {
	doc, err := frontmatter.Parse(content)
	if err != nil {
		return "", err
	}

	md := goldmark.New()
	src := []byte(doc.Body)
	root := md.Parser().Parse(text.NewReader(src))

	var out bytes.Buffer
	err = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.Kind() {
			case ast.KindParagraph, ast.KindHeading, ast.KindListItem, ast.KindBlockquote:
				out.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindText:
			t := n.(*ast.Text)
			out.Write(t.Segment.Value(src))
		case ast.KindString:
			s := n.(*ast.String)
			out.Write(s.Value)
		case ast.KindCodeSpan, ast.KindCodeBlock, ast.KindFencedCodeBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}

	lines := strings.Split(out.String(), "\n")
	trimmed := make([]string, 0, len(lines))
	for _, l := range lines {
		trimmed = append(trimmed, strings.TrimRight(l, " \t"))
	}
	return strings.TrimSpace(strings.Join(trimmed, "\n")), nil
}
