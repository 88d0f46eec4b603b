package ticketflow

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"ticketflow/board"
)

// CreateProject registers a repository checkout as a project. The detected
// stack seeds the test, build, and lint commands; explicit settings win
// later via UpdateProjectSettings.
func (o *Orchestrator) CreateProject(name, repoPath string) (*board.Project, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repo path: %w", err)
	}

	detected := o.detect(abs)
	p := &board.Project{
		ID:            uuid.NewString(),
		Name:          name,
		RepoPath:      abs,
		DefaultBranch: o.cfg.DefaultBranch,
		WorkspaceRoot: filepath.Join(abs, o.cfg.WorkspaceDir),
		Settings: board.Settings{
			TestCommand:  detected.TestCommand,
			BuildCommand: detected.BuildCommand,
			LintCommand:  detected.LintCommand,
		},
	}
	if err := o.store.CreateProject(p); err != nil {
		return nil, err
	}
	o.logger.Info("project created", "project_id", p.ID, "name", name, "stack", detected.String())
	return p, nil
}

// CreateTicket adds a ticket to a project's backlog. An empty category falls
// back to the project default, then to feature.
func (o *Orchestrator) CreateTicket(projectID, title, description string, category board.Category) (*board.Ticket, error) {
	if title == "" {
		return nil, fmt.Errorf("ticket title must not be empty")
	}
	p, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	if category == "" {
		category = p.Settings.DefaultCategory
	}
	if category == "" {
		category = board.CategoryFeature
	}

	t := &board.Ticket{
		ID:          uuid.NewString(),
		ProjectID:   p.ID,
		Title:       title,
		Description: description,
		Status:      board.StatusBacklog,
		Category:    category,
	}
	if err := o.store.CreateTicket(t); err != nil {
		return nil, err
	}
	o.logger.Info("ticket created", "ticket_id", t.ID, "title", title, "category", category)
	return t, nil
}

// DeleteTicket removes a ticket and its workspace. Running tickets must be
// cancelled first. Jobs are kept for audit.
func (o *Orchestrator) DeleteTicket(ticketID string) error {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.Status.Running() || t.Status == board.StatusQueued {
		return fmt.Errorf("ticket %s is %s, cancel it before deleting", ticketID, t.Status)
	}
	if t.WorkspacePath != "" {
		if err := o.ws.Remove(t.WorkspacePath); err != nil {
			o.logger.Warn("removing workspace", "ticket_id", ticketID, "error", err)
		}
	}
	return o.store.DeleteTicket(ticketID)
}
