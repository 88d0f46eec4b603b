package ticketflow

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// PlanOutline extracts the top-level steps from a markdown plan: list items
// and numbered headings become steps. Plans with no list structure yield nil.
func PlanOutline(plan string) []string {
	source := []byte(plan)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var steps []string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		list, ok := node.(*ast.List)
		if !ok {
			continue
		}
		for item := list.FirstChild(); item != nil; item = item.NextSibling() {
			if step := itemText(item, source); step != "" {
				steps = append(steps, step)
			}
		}
	}
	return steps
}

// itemText returns the text of a list item's first paragraph, ignoring any
// nested sub-lists.
func itemText(item ast.Node, source []byte) string {
	for child := item.FirstChild(); child != nil; child = child.NextSibling() {
		if _, isList := child.(*ast.List); isList {
			continue
		}
		var sb strings.Builder
		ast.Walk(child, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if !entering {
				return ast.WalkContinue, nil
			}
			switch t := n.(type) {
			case *ast.Text:
				sb.Write(t.Segment.Value(source))
			case *ast.CodeSpan:
				for c := t.FirstChild(); c != nil; c = c.NextSibling() {
					if txt, ok := c.(*ast.Text); ok {
						sb.Write(txt.Segment.Value(source))
					}
				}
				return ast.WalkSkipChildren, nil
			}
			return ast.WalkContinue, nil
		})
		return strings.TrimSpace(sb.String())
	}
	return ""
}
