// Package board defines the data model for the ticket pipeline: projects,
// tickets, execution jobs, and the persistent store contract the
// orchestrator depends on.
package board

import (
	"time"
)

// Status represents the lifecycle stage of a ticket.
type Status string

const (
	StatusBacklog    Status = "backlog"     // Created, no work scheduled yet
	StatusPlanning   Status = "planning"    // Plan agent is running
	StatusPlanReview Status = "plan_review" // Plan ready, waiting for human approval
	StatusQueued     Status = "queued"      // Execute job queued, waiting for capacity
	StatusInProgress Status = "in_progress" // Execute agent is working
	StatusTesting    Status = "testing"     // Test command is running
	StatusCompleted  Status = "completed"   // Work finished and committed
	StatusFailed     Status = "failed"      // Terminal failure (includes cancellation)
	StatusMerged     Status = "merged"      // Branch merged into the default branch
)

// Terminal reports whether no further automatic transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusMerged
}

// Running reports whether s means a worker should be actively driving the
// ticket. Tickets found in a running status at startup with no live worker
// are the crash-recovery case.
func (s Status) Running() bool {
	return s == StatusPlanning || s == StatusInProgress || s == StatusTesting
}

// Category classifies the kind of work a ticket asks for. The category
// selects the prompt template and decides whether a code-writing execute
// phase follows the plan.
type Category string

const (
	CategoryFeature  Category = "feature"
	CategoryBugfix   Category = "bugfix"
	CategoryRefactor Category = "refactor"
	CategoryChore    Category = "chore"
	CategoryResearch Category = "research" // Plan-only: the deliverable is the analysis
)

// WritesCode reports whether tickets of this category get an execute phase.
func (c Category) WritesCode() bool {
	return c != CategoryResearch
}

// Phase identifies which stage of a ticket an execution job drives.
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
	PhaseFix     Phase = "fix"
)

// JobStatus is the lifecycle of an ExecutionJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Settings holds per-project configuration. Zero values fall back to the
// orchestrator defaults.
type Settings struct {
	MaxParallelJobs      int      `json:"maxParallelJobs"`
	DefaultCategory      Category `json:"defaultCategory,omitempty"`
	AutoExecuteAfterPlan bool     `json:"autoExecuteAfterPlan"`
	TestCommand          string   `json:"testCommand,omitempty"`
	BuildCommand         string   `json:"buildCommand,omitempty"`
	LintCommand          string   `json:"lintCommand,omitempty"`
	ContextGlobs         []string `json:"contextGlobs,omitempty"`
	AgentBinary          string   `json:"agentBinary,omitempty"`
}

// Project is a registered repository tickets are worked against.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RepoPath      string    `json:"repoPath"`      // Absolute path to the checkout
	DefaultBranch string    `json:"defaultBranch"` // e.g. main
	WorkspaceRoot string    `json:"workspaceRoot"` // Where per-ticket workspaces live
	Settings      Settings  `json:"settings"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Attachment is a file attached to a ticket, referenced in prompts.
type Attachment struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Metadata carries free-form execution results on a ticket.
type Metadata struct {
	TokensUsed   int      `json:"tokensUsed,omitempty"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	TestsPassed  *bool    `json:"testsPassed,omitempty"`
	LintPassed   *bool    `json:"lintPassed,omitempty"`
	RetryCount   int      `json:"retryCount"`
	CommitID     string   `json:"commitId,omitempty"`
	PlanSteps    int      `json:"planSteps,omitempty"`
}

// Ticket is one unit of work driven through the pipeline.
type Ticket struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"projectId"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        Status       `json:"status"`
	Category      Category     `json:"category"`
	Plan          string       `json:"plan,omitempty"`
	Branch        string       `json:"branch,omitempty"`
	WorkspacePath string       `json:"workspacePath,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	Metadata      Metadata     `json:"metadata"`
	ErrorSummary  string       `json:"errorSummary,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// ExecutionJob is one scheduled unit of agent work for a ticket. Jobs are
// never deleted; they remain for audit and analytics even after their ticket
// is gone.
type ExecutionJob struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticketId"`
	Phase      Phase     `json:"phase"`
	Status     JobStatus `json:"status"`
	LogPath    string    `json:"logPath"`
	RetryCount int       `json:"retryCount"`
	WorkerID   string    `json:"workerId,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	ExitCode   int       `json:"exitCode"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Active reports whether the job still occupies the ticket's single active
// slot.
func (j JobStatus) Active() bool {
	return j == JobPending || j == JobRunning
}

// AnalyticsEvent is one recorded lifecycle event, kept so observers can
// reconstruct a ticket's history from the event stream alone.
type AnalyticsEvent struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId,omitempty"`
	TicketID  string    `json:"ticketId,omitempty"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload,omitempty"` // JSON
	CreatedAt time.Time `json:"createdAt"`
}
