// Package stack inspects a repository checkout and infers its language,
// framework, and default test/build/lint commands. Everything here is best
// effort: detection feeds prompts and defaults, never correctness.
package stack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Stack describes what was detected in a repository.
type Stack struct {
	Language     string `json:"language"`
	Framework    string `json:"framework,omitempty"`
	TestCommand  string `json:"testCommand,omitempty"`
	BuildCommand string `json:"buildCommand,omitempty"`
	LintCommand  string `json:"lintCommand,omitempty"`
}

// String renders the stack for prompt embedding, e.g. "TypeScript (next)".
func (s Stack) String() string {
	if s.Language == "" {
		return "unknown"
	}
	if s.Framework != "" {
		return s.Language + " (" + s.Framework + ")"
	}
	return s.Language
}

// Detect inspects the repository root and returns its best guess. An
// unrecognized repository yields a zero-valued Stack, never an error.
func Detect(root string) Stack {
	switch {
	case exists(root, "go.mod"):
		return detectGo(root)
	case exists(root, "package.json"):
		return detectNode(root)
	case exists(root, "Cargo.toml"):
		return Stack{Language: "Rust", TestCommand: "cargo test", BuildCommand: "cargo build", LintCommand: "cargo clippy"}
	case exists(root, "pyproject.toml") || exists(root, "requirements.txt") || exists(root, "setup.py"):
		return detectPython(root)
	case exists(root, "Gemfile"):
		return Stack{Language: "Ruby", Framework: detectRails(root), TestCommand: "bundle exec rake test", BuildCommand: "bundle install"}
	case exists(root, "mix.exs"):
		return Stack{Language: "Elixir", TestCommand: "mix test", BuildCommand: "mix compile"}
	case exists(root, "pom.xml"):
		return Stack{Language: "Java", TestCommand: "mvn test", BuildCommand: "mvn package"}
	case exists(root, "build.gradle") || exists(root, "build.gradle.kts"):
		return Stack{Language: "Java", TestCommand: "./gradlew test", BuildCommand: "./gradlew build"}
	default:
		return Stack{}
	}
}

func detectGo(root string) Stack {
	s := Stack{
		Language:     "Go",
		TestCommand:  "go test ./...",
		BuildCommand: "go build ./...",
		LintCommand:  "go vet ./...",
	}

	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return s
	}
	mod := string(data)
	for _, fw := range []struct{ marker, name string }{
		{"github.com/gin-gonic/gin", "gin"},
		{"github.com/go-chi/chi", "chi"},
		{"github.com/labstack/echo", "echo"},
		{"github.com/gofiber/fiber", "fiber"},
		{"github.com/charmbracelet/bubbletea", "bubbletea"},
		{"github.com/spf13/cobra", "cobra"},
	} {
		if strings.Contains(mod, fw.marker) {
			s.Framework = fw.name
			break
		}
	}
	return s
}

// packageJSON is the subset of package.json detection reads.
type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func detectNode(root string) Stack {
	s := Stack{Language: "JavaScript"}

	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return s
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return s
	}

	if exists(root, "tsconfig.json") || hasDep(pkg, "typescript") {
		s.Language = "TypeScript"
	}

	for _, fw := range []string{"next", "react", "vue", "svelte", "express", "fastify", "nest"} {
		if hasDep(pkg, fw) {
			s.Framework = fw
			break
		}
	}

	runner := "npm run"
	switch {
	case exists(root, "pnpm-lock.yaml"):
		runner = "pnpm"
	case exists(root, "yarn.lock"):
		runner = "yarn"
	case exists(root, "bun.lockb"):
		runner = "bun run"
	}

	if _, ok := pkg.Scripts["test"]; ok {
		s.TestCommand = runner + " test"
	}
	if _, ok := pkg.Scripts["build"]; ok {
		s.BuildCommand = runner + " build"
	}
	if _, ok := pkg.Scripts["lint"]; ok {
		s.LintCommand = runner + " lint"
	}
	return s
}

func detectPython(root string) Stack {
	s := Stack{Language: "Python", TestCommand: "pytest"}
	if data, err := os.ReadFile(filepath.Join(root, "pyproject.toml")); err == nil {
		content := string(data)
		if strings.Contains(content, "django") {
			s.Framework = "django"
			s.TestCommand = "python manage.py test"
		} else if strings.Contains(content, "fastapi") {
			s.Framework = "fastapi"
		} else if strings.Contains(content, "flask") {
			s.Framework = "flask"
		}
		if strings.Contains(content, "ruff") {
			s.LintCommand = "ruff check ."
		}
	}
	return s
}

func detectRails(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "Gemfile"))
	if err == nil && strings.Contains(string(data), "rails") {
		return "rails"
	}
	return ""
}

func hasDep(pkg packageJSON, name string) bool {
	if _, ok := pkg.Dependencies[name]; ok {
		return true
	}
	_, ok := pkg.DevDependencies[name]
	return ok
}

func exists(root, name string) bool {
	_, err := os.Stat(filepath.Join(root, name))
	return err == nil
}
