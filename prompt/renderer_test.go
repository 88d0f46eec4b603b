package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderSubstitutesTokens(t *testing.T) {
	r := NewRenderer("")
	out, err := r.Render("feature", Context{
		Title:       "Add dark mode",
		Description: "Users want a dark theme.",
		ProjectName: "webapp",
		Stack:       "TypeScript (next)",
		TestCommand: "pnpm test",
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"Add dark mode", "Users want a dark theme.", "webapp", "TypeScript (next)", "pnpm test"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered prompt missing %q", want)
		}
	}
	if strings.Contains(out, "{{") {
		t.Errorf("unresolved tokens remain:\n%s", out)
	}
}

func TestRenderDropsEmptyConditionalBlocks(t *testing.T) {
	r := NewRenderer("")
	out, err := r.Render("feature", Context{Title: "T", Description: "D", ProjectName: "P"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "Relevant project files") {
		t.Error("context files section should be removed when empty")
	}
	if strings.Contains(out, "Attachments") {
		t.Error("attachments section should be removed when empty")
	}
}

func TestRenderKeepsPopulatedConditionalBlocks(t *testing.T) {
	r := NewRenderer("")
	out, err := r.Render("feature", Context{
		Title:        "T",
		ContextFiles: "--- main.go ---\npackage main",
		Attachments:  "- mock.png (designs/mock.png)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "--- main.go ---") {
		t.Error("context files content missing")
	}
	if !strings.Contains(out, "mock.png") {
		t.Error("attachment content missing")
	}
	if strings.Contains(out, "{{#") || strings.Contains(out, "{{/") {
		t.Error("block markers should be stripped")
	}
}

func TestRenderExecuteIncludesPlan(t *testing.T) {
	r := NewRenderer("")
	out, err := r.Render("execute", Context{Title: "T", Plan: "1. First step\n2. Second step"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1. First step") {
		t.Error("plan missing from execute prompt")
	}
}

func TestRenderUnknownCategory(t *testing.T) {
	r := NewRenderer("")
	if _, err := r.Render("nonsense", Context{}); err == nil {
		t.Error("unknown category should be an error")
	}
}

func TestRenderAllEmbeddedCategories(t *testing.T) {
	r := NewRenderer("")
	for _, category := range []string{"feature", "bugfix", "refactor", "chore", "research", "execute"} {
		if _, err := r.Render(category, Context{Title: "T"}); err != nil {
			t.Errorf("category %s: %v", category, err)
		}
	}
}

func TestRenderOverrideDirectoryWins(t *testing.T) {
	dir := t.TempDir()
	custom := "Custom template for {{TICKET_TITLE}}"
	if err := os.WriteFile(filepath.Join(dir, "feature.md"), []byte(custom), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRenderer(dir)
	out, err := r.Render("feature", Context{Title: "X"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Custom template for X" {
		t.Errorf("override not used, got %q", out)
	}

	// Categories absent from the override dir still use the built-ins.
	if _, err := r.Render("bugfix", Context{Title: "X"}); err != nil {
		t.Errorf("built-in fallback failed: %v", err)
	}
}

func TestRenderIsIdempotentOnTokenlessInput(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "feature.md"), []byte("No tokens here."), 0644); err != nil {
		t.Fatal(err)
	}
	r := NewRenderer(dir)
	first, err := r.Render("feature", Context{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Render("feature", Context{})
	if err != nil {
		t.Fatal(err)
	}
	if first != second || first != "No tokens here." {
		t.Errorf("render not stable: %q vs %q", first, second)
	}
}

func TestResolveBlockUnmatchedMarkerLeftAlone(t *testing.T) {
	in := "before {{#CONTEXT_FILES}} dangling"
	if got := resolveBlock(in, "CONTEXT_FILES", true); got != in {
		t.Errorf("unmatched open marker should be untouched, got %q", got)
	}
}
