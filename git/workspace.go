// Package git provides version-control operations for the ticket pipeline,
// using worktrees to give every ticket an isolated checkout on its own
// branch.
package git

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Worktrees with porcelain lock reporting need at least this git version.
const (
	minGitMajor = 2
	minGitMinor = 20
)

// ErrGitTooOld is returned by CheckVersion when the installed git cannot
// provide workspace isolation.
var ErrGitTooOld = errors.New("git too old")

// Manager handles workspace operations for one repository.
type Manager struct {
	repoRoot      string // Main repository root
	workspaceRoot string // Directory holding per-ticket workspaces
	defaultBranch string // e.g. main
}

// NewManager creates a workspace manager for a repository.
func NewManager(repoRoot, workspaceRoot, defaultBranch string) *Manager {
	return &Manager{
		repoRoot:      repoRoot,
		workspaceRoot: workspaceRoot,
		defaultBranch: defaultBranch,
	}
}

// Workspace describes one ticket workspace.
type Workspace struct {
	Path     string // Absolute path to the checkout
	Branch   string // Branch name
	TicketID string // Recovered from the directory naming convention, may be empty
	Locked   bool
}

// CheckVersion fails fast when the installed git is below the minimum
// required for worktree-based isolation.
func (m *Manager) CheckVersion() error {
	out, err := m.runOutput(m.repoRoot, "--version")
	if err != nil {
		return fmt.Errorf("git not available: %w", err)
	}
	major, minor, err := parseGitVersion(string(out))
	if err != nil {
		return err
	}
	if major < minGitMajor || (major == minGitMajor && minor < minGitMinor) {
		return fmt.Errorf("%w: found %d.%d, need >= %d.%d for worktree isolation; upgrade git (https://git-scm.com/downloads)",
			ErrGitTooOld, major, minor, minGitMajor, minGitMinor)
	}
	return nil
}

// parseGitVersion extracts major.minor from "git version 2.39.2" style output.
func parseGitVersion(out string) (int, int, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	version := fields[len(fields)-1]
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unrecognized git version output: %q", out)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized git version output: %q", out)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized git version output: %q", out)
	}
	return major, minor, nil
}

// Create makes an isolated workspace for a ticket, checked out on a fresh
// branch based on baseBranch. The path is deterministic from the ticket id;
// if it already exists (for example from a prior crashed run) it is reused
// as-is, so Create is idempotent.
func (m *Manager) Create(ticketID, slug, baseBranch, branchPrefix string) (string, string, error) {
	branch := BranchName(branchPrefix, ticketID, slug)
	path, err := filepath.Abs(m.WorkspacePath(ticketID, slug))
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return path, branch, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", "", fmt.Errorf("failed to create workspace root: %w", err)
	}

	args := []string{"worktree", "add"}
	if m.branchExists(branch) {
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path, baseBranch)
	}

	if out, err := m.runCombined(m.repoRoot, args...); err != nil {
		return "", "", fmt.Errorf("failed to create workspace: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return path, branch, nil
}

// WorkspacePath returns the deterministic workspace directory for a ticket.
func (m *Manager) WorkspacePath(ticketID, slug string) string {
	return filepath.Join(m.workspaceRoot, workspaceDirName(ticketID, slug))
}

// Remove force-removes a workspace.
func (m *Manager) Remove(path string) error {
	if _, err := m.runCombined(m.repoRoot, "worktree", "remove", "--force", path); err != nil {
		// Fall back to manual removal plus prune
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove workspace: %w", rmErr)
		}
		_, _ = m.runCombined(m.repoRoot, "worktree", "prune")
	}
	return nil
}

// List enumerates all ticket workspaces for the repository. The main
// checkout itself is excluded.
func (m *Manager) List() ([]Workspace, error) {
	out, err := m.runOutput(m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	absRoot, err := filepath.Abs(m.workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return parseWorkspaceList(string(out), absRoot), nil
}

// parseWorkspaceList parses `git worktree list --porcelain` output, keeping
// only entries under workspaceRoot and recovering ticket ids from the
// directory naming convention.
func parseWorkspaceList(out, workspaceRoot string) []Workspace {
	var workspaces []Workspace
	var current *Workspace

	flush := func() {
		if current == nil {
			return
		}
		if strings.HasPrefix(current.Path, workspaceRoot+string(filepath.Separator)) {
			current.TicketID = ticketIDFromDir(filepath.Base(current.Path))
			workspaces = append(workspaces, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Workspace{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case (line == "locked" || strings.HasPrefix(line, "locked ")) && current != nil:
			current.Locked = true
		}
	}
	flush()

	return workspaces
}

// ChangeStatus classifies one changed file.
type ChangeStatus string

const (
	ChangeAdded    ChangeStatus = "added"
	ChangeModified ChangeStatus = "modified"
	ChangeDeleted  ChangeStatus = "deleted"
	ChangeRenamed  ChangeStatus = "renamed"
)

// FileChange is one file's change relative to the merge-base.
type FileChange struct {
	Path    string       `json:"path"`
	Status  ChangeStatus `json:"status"`
	OldPath string       `json:"oldPath,omitempty"` // For renames
}

// ChangeSummary aggregates a workspace's changes relative to the merge-base
// with the default branch.
type ChangeSummary struct {
	Insertions int          `json:"insertions"`
	Deletions  int          `json:"deletions"`
	Files      []FileChange `json:"files"`
}

// ChangeSummary computes the diff between the workspace HEAD and its
// merge-base with the default branch.
func (m *Manager) ChangeSummary(workspacePath string) (*ChangeSummary, error) {
	// Three-dot diff uses the merge-base as the left side.
	numstat, err := m.runOutput(workspacePath, "diff", "--numstat", m.defaultBranch+"...HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to diff workspace: %w", err)
	}
	nameStatus, err := m.runOutput(workspacePath, "diff", "--name-status", m.defaultBranch+"...HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to diff workspace: %w", err)
	}

	summary := &ChangeSummary{}
	summary.Insertions, summary.Deletions = parseNumstat(string(numstat))
	summary.Files = parseNameStatus(string(nameStatus))
	return summary, nil
}

// parseNumstat sums insertions and deletions from `git diff --numstat`
// output. Binary files report "-" and are skipped.
func parseNumstat(out string) (insertions, deletions int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if add, err := strconv.Atoi(fields[0]); err == nil {
			insertions += add
		}
		if del, err := strconv.Atoi(fields[1]); err == nil {
			deletions += del
		}
	}
	return insertions, deletions
}

// parseNameStatus parses `git diff --name-status` output into file changes.
func parseNameStatus(out string) []FileChange {
	var files []FileChange
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\n"), "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		status := fields[0]
		switch {
		case status == "A":
			files = append(files, FileChange{Path: fields[1], Status: ChangeAdded})
		case status == "M":
			files = append(files, FileChange{Path: fields[1], Status: ChangeModified})
		case status == "D":
			files = append(files, FileChange{Path: fields[1], Status: ChangeDeleted})
		case strings.HasPrefix(status, "R") && len(fields) >= 3:
			files = append(files, FileChange{Path: fields[2], Status: ChangeRenamed, OldPath: fields[1]})
		default:
			files = append(files, FileChange{Path: fields[len(fields)-1], Status: ChangeModified})
		}
	}
	return files
}

// MergeBranch checks out the default branch in the main repository and
// merges the ticket branch into it with a merge commit. This is the only
// operation that touches the default branch.
func (m *Manager) MergeBranch(branch, defaultBranch string) error {
	if out, err := m.runCombined(m.repoRoot, "checkout", defaultBranch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w: %s", defaultBranch, err, strings.TrimSpace(string(out)))
	}
	if out, err := m.runCombined(m.repoRoot, "merge", "--no-ff", branch); err != nil {
		return fmt.Errorf("failed to merge %s: %w: %s", branch, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HeadCommit returns the workspace's current commit hash.
func (m *Manager) HeadCommit(workspacePath string) (string, error) {
	out, err := m.runOutput(workspacePath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Prune removes stale worktree bookkeeping left by crashed runs.
func (m *Manager) Prune() error {
	_, err := m.runCombined(m.repoRoot, "worktree", "prune")
	return err
}

// branchExists checks for a local branch.
func (m *Manager) branchExists(branch string) bool {
	_, err := m.runCombined(m.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// runOutput runs a git command and returns stdout.
func (m *Manager) runOutput(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// runCombined runs a git command and returns combined output.
func (m *Manager) runCombined(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
