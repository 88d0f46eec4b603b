// Package prompt assembles the agent's instructions from category-specific
// templates, with simple token substitution and two optional sections.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.md
var defaultTemplates embed.FS

// Context carries everything a template can reference.
type Context struct {
	Title        string
	Description  string
	ProjectName  string
	Stack        string // Human-readable detected stack, e.g. "Go (chi)"
	TestCommand  string
	BuildCommand string
	Plan         string
	ContextFiles string // Concatenated resolved context-file contents
	Attachments  string // Rendered attachment descriptions
}

// Renderer loads templates from a directory, falling back to the built-in
// defaults when a category file is absent.
type Renderer struct {
	dir string // Optional override directory; "" means built-ins only
}

// NewRenderer creates a renderer. dir may be empty.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir}
}

// Render produces the final prompt for a work category.
//
// Conditional blocks are resolved first: a block wrapped in
// {{#CONTEXT_FILES}}...{{/CONTEXT_FILES}} (or the ATTACHMENTS pair) is kept
// with its markers stripped when the corresponding field is non-empty, and
// removed entirely otherwise. Token substitution is plain string
// replacement applied afterwards, and the result is trimmed.
func (r *Renderer) Render(category string, ctx Context) (string, error) {
	tmpl, err := r.load(category)
	if err != nil {
		return "", err
	}

	tmpl = resolveBlock(tmpl, "CONTEXT_FILES", ctx.ContextFiles != "")
	tmpl = resolveBlock(tmpl, "ATTACHMENTS", ctx.Attachments != "")

	replacer := strings.NewReplacer(
		"{{TICKET_TITLE}}", ctx.Title,
		"{{TICKET_DESCRIPTION}}", ctx.Description,
		"{{PROJECT_NAME}}", ctx.ProjectName,
		"{{DETECTED_STACK}}", ctx.Stack,
		"{{TEST_COMMAND}}", ctx.TestCommand,
		"{{BUILD_COMMAND}}", ctx.BuildCommand,
		"{{PLAN}}", ctx.Plan,
		"{{CONTEXT_FILES}}", ctx.ContextFiles,
		"{{ATTACHMENTS}}", ctx.Attachments,
	)

	return strings.TrimSpace(replacer.Replace(tmpl)), nil
}

// load reads the category template from the override directory, else from
// the embedded defaults.
func (r *Renderer) load(category string) (string, error) {
	if r.dir != "" {
		path := filepath.Join(r.dir, category+".md")
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}

	data, err := defaultTemplates.ReadFile("templates/" + category + ".md")
	if err != nil {
		return "", fmt.Errorf("no template for category %q: %w", category, err)
	}
	return string(data), nil
}

// resolveBlock handles one conditional section. When present, the wrapping
// markers are stripped and the inner content kept verbatim; when absent the
// whole block goes, markers included. Unmatched markers are left alone.
func resolveBlock(tmpl, name string, present bool) string {
	openTag := "{{#" + name + "}}"
	closeTag := "{{/" + name + "}}"

	for {
		start := strings.Index(tmpl, openTag)
		if start < 0 {
			return tmpl
		}
		rest := tmpl[start+len(openTag):]
		end := strings.Index(rest, closeTag)
		if end < 0 {
			return tmpl
		}

		if present {
			tmpl = tmpl[:start] + rest[:end] + rest[end+len(closeTag):]
		} else {
			tmpl = tmpl[:start] + rest[end+len(closeTag):]
		}
	}
}
