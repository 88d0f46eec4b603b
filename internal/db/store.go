package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ticketflow/board"
)

// Store implements board.Store backed by SQLite.
type Store struct {
	db *DB
}

// NewStore creates a new SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var _ board.Store = (*Store)(nil)

// --- Project Operations ---

// CreateProject registers a new project.
func (s *Store) CreateProject(p *board.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()

	settings, _ := json.Marshal(p.Settings)
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, repo_path, default_branch, workspace_root, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.RepoPath, p.DefaultBranch, p.WorkspaceRoot, string(settings), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*board.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, repo_path, default_branch, workspace_root, settings, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

// ListProjects returns all registered projects.
func (s *Store) ListProjects() ([]board.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, repo_path, default_branch, workspace_root, settings, created_at, updated_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []board.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProjectSettings replaces a project's settings.
func (s *Store) UpdateProjectSettings(id string, settings board.Settings) error {
	data, _ := json.Marshal(settings)
	res, err := s.db.Exec(`UPDATE projects SET settings = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update project settings: %w", err)
	}
	return requireRow(res, "project", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*board.Project, error) {
	var p board.Project
	var settings sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &p.DefaultBranch, &p.WorkspaceRoot,
		&settings, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("project not found")
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	if settings.Valid && settings.String != "" {
		_ = json.Unmarshal([]byte(settings.String), &p.Settings)
	}
	return &p, nil
}

// --- Ticket Operations ---

// CreateTicket creates a new ticket.
func (s *Store) CreateTicket(t *board.Ticket) error {
	if t.Status == "" {
		t.Status = board.StatusBacklog
	}
	if t.Category == "" {
		t.Category = board.CategoryFeature
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()

	metadata, _ := json.Marshal(t.Metadata)
	_, err := s.db.Exec(`
		INSERT INTO tickets (id, project_id, title, description, status, category,
			plan, branch, workspace_path, metadata, error_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Category,
		t.Plan, t.Branch, t.WorkspacePath, string(metadata), t.ErrorSummary, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}

	for _, a := range t.Attachments {
		if err := s.addAttachment(t.ID, a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addAttachment(ticketID string, a board.Attachment) error {
	_, err := s.db.Exec(`INSERT INTO attachments (ticket_id, name, path, description) VALUES (?, ?, ?, ?)`,
		ticketID, a.Name, a.Path, a.Description)
	if err != nil {
		return fmt.Errorf("failed to add attachment: %w", err)
	}
	return nil
}

// GetTicket retrieves a ticket by ID, including its attachments.
func (s *Store) GetTicket(id string) (*board.Ticket, error) {
	row := s.db.QueryRow(ticketSelect+` WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadAttachments(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTickets returns all tickets for a project.
func (s *Store) ListTickets(projectID string) ([]board.Ticket, error) {
	rows, err := s.db.Query(ticketSelect+` WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()
	return collectTickets(rows)
}

// ListTicketsByStatus returns all tickets currently in any of the given
// statuses, across projects.
func (s *Store) ListTicketsByStatus(statuses ...board.Status) ([]board.Ticket, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.Query(ticketSelect+` WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets by status: %w", err)
	}
	defer rows.Close()
	return collectTickets(rows)
}

// UpdateTicketStatus transitions a ticket to a new status.
func (s *Store) UpdateTicketStatus(id string, status board.Status) error {
	res, err := s.db.Exec(`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update ticket status: %w", err)
	}
	return requireRow(res, "ticket", id)
}

// SetTicketPlan stores the generated plan text.
func (s *Store) SetTicketPlan(id, plan string) error {
	res, err := s.db.Exec(`UPDATE tickets SET plan = ?, updated_at = ? WHERE id = ?`,
		plan, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set ticket plan: %w", err)
	}
	return requireRow(res, "ticket", id)
}

// SetTicketWorkspace records the branch and workspace path once execution
// starts. Stable for the ticket's lifetime after first assignment.
func (s *Store) SetTicketWorkspace(id, branch, workspacePath string) error {
	res, err := s.db.Exec(`UPDATE tickets SET branch = ?, workspace_path = ?, updated_at = ? WHERE id = ?`,
		branch, workspacePath, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set ticket workspace: %w", err)
	}
	return requireRow(res, "ticket", id)
}

// SetTicketMetadata replaces the ticket's execution metadata.
func (s *Store) SetTicketMetadata(id string, m board.Metadata) error {
	data, _ := json.Marshal(m)
	res, err := s.db.Exec(`UPDATE tickets SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set ticket metadata: %w", err)
	}
	return requireRow(res, "ticket", id)
}

// SetTicketError records a human-readable failure summary.
func (s *Store) SetTicketError(id, summary string) error {
	res, err := s.db.Exec(`UPDATE tickets SET error_summary = ?, updated_at = ? WHERE id = ?`,
		summary, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set ticket error: %w", err)
	}
	return requireRow(res, "ticket", id)
}

// DeleteTicket removes a ticket and its attachments. Jobs are retained,
// orphaned, for audit.
func (s *Store) DeleteTicket(id string) error {
	_, err := s.db.Exec(`DELETE FROM tickets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ticket: %w", err)
	}
	return nil
}

const ticketSelect = `
	SELECT id, project_id, title, description, status, category,
		plan, branch, workspace_path, metadata, error_summary, created_at, updated_at
	FROM tickets`

func scanTicket(row rowScanner) (*board.Ticket, error) {
	var t board.Ticket
	var plan, branch, wsPath, metadata, errSummary, description sql.NullString
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &t.Category,
		&plan, &branch, &wsPath, &metadata, &errSummary, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ticket not found")
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	t.Description = description.String
	t.Plan = plan.String
	t.Branch = branch.String
	t.WorkspacePath = wsPath.String
	t.ErrorSummary = errSummary.String
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &t.Metadata)
	}
	return &t, nil
}

func collectTickets(rows *sql.Rows) ([]board.Ticket, error) {
	var tickets []board.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

func (s *Store) loadAttachments(t *board.Ticket) error {
	rows, err := s.db.Query(`SELECT name, path, description FROM attachments WHERE ticket_id = ? ORDER BY id`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a board.Attachment
		var desc sql.NullString
		if err := rows.Scan(&a.Name, &a.Path, &desc); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.Description = desc.String
		t.Attachments = append(t.Attachments, a)
	}
	return rows.Err()
}

// --- Job Operations ---

// CreateJob records a new execution job.
func (s *Store) CreateJob(j *board.ExecutionJob) error {
	if j.Status == "" {
		j.Status = board.JobPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, ticket_id, phase, status, log_path, retry_count,
			worker_id, started_at, ended_at, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.TicketID, j.Phase, j.Status, j.LogPath, j.RetryCount,
		j.WorkerID, nullTime(j.StartedAt), nullTime(j.EndedAt), j.ExitCode, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id string) (*board.ExecutionJob, error) {
	row := s.db.QueryRow(jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns all jobs for a ticket, oldest first.
func (s *Store) ListJobs(ticketID string) ([]board.ExecutionJob, error) {
	rows, err := s.db.Query(jobSelect+` WHERE ticket_id = ? ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []board.ExecutionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateJob persists the job's current state. Retry counters only ever
// increase; the store does not enforce this, the orchestrator does.
func (s *Store) UpdateJob(j *board.ExecutionJob) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, log_path = ?, retry_count = ?, worker_id = ?,
			started_at = ?, ended_at = ?, exit_code = ?
		WHERE id = ?
	`, j.Status, j.LogPath, j.RetryCount, j.WorkerID,
		nullTime(j.StartedAt), nullTime(j.EndedAt), j.ExitCode, j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return requireRow(res, "job", j.ID)
}

const jobSelect = `
	SELECT id, ticket_id, phase, status, log_path, retry_count,
		worker_id, started_at, ended_at, exit_code, created_at
	FROM jobs`

func scanJob(row rowScanner) (*board.ExecutionJob, error) {
	var j board.ExecutionJob
	var logPath, workerID sql.NullString
	var started, ended sql.NullTime
	if err := row.Scan(&j.ID, &j.TicketID, &j.Phase, &j.Status, &logPath, &j.RetryCount,
		&workerID, &started, &ended, &j.ExitCode, &j.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job not found")
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.LogPath = logPath.String
	j.WorkerID = workerID.String
	j.StartedAt = started.Time
	j.EndedAt = ended.Time
	return &j, nil
}

// --- Analytics Operations ---

// RecordEvent appends one analytics event.
func (s *Store) RecordEvent(e *board.AnalyticsEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO analytics_events (id, project_id, ticket_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, nullable(e.ProjectID), nullable(e.TicketID), e.Type, nullable(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents returns all recorded events for a ticket, oldest first.
func (s *Store) ListEvents(ticketID string) ([]board.AnalyticsEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, ticket_id, event_type, payload, created_at
		FROM analytics_events WHERE ticket_id = ? ORDER BY created_at, id
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []board.AnalyticsEvent
	for rows.Next() {
		var e board.AnalyticsEvent
		var projectID, ticketID, payload sql.NullString
		if err := rows.Scan(&e.ID, &projectID, &ticketID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.ProjectID = projectID.String
		e.TicketID = ticketID.String
		e.Payload = payload.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- helpers ---

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
