package board

// Store is the persistence contract the orchestrator relies on.
//
// Implementations must be read-after-write consistent within the process.
// Status and metadata updates are last-writer-wins; the orchestrator
// guarantees a single writer per ticket (at most one active job), so no
// optimistic-concurrency check is required. Job records are append-mostly:
// retry counters only ever increase.
type Store interface {
	// Projects
	CreateProject(p *Project) error
	GetProject(id string) (*Project, error)
	ListProjects() ([]Project, error)
	UpdateProjectSettings(id string, s Settings) error

	// Tickets
	CreateTicket(t *Ticket) error
	GetTicket(id string) (*Ticket, error)
	ListTickets(projectID string) ([]Ticket, error)
	ListTicketsByStatus(statuses ...Status) ([]Ticket, error)
	UpdateTicketStatus(id string, status Status) error
	SetTicketPlan(id, plan string) error
	SetTicketWorkspace(id, branch, workspacePath string) error
	SetTicketMetadata(id string, m Metadata) error
	SetTicketError(id, summary string) error
	DeleteTicket(id string) error

	// Jobs
	CreateJob(j *ExecutionJob) error
	GetJob(id string) (*ExecutionJob, error)
	ListJobs(ticketID string) ([]ExecutionJob, error)
	UpdateJob(j *ExecutionJob) error

	// Analytics
	RecordEvent(e *AnalyticsEvent) error
	ListEvents(ticketID string) ([]AnalyticsEvent, error)
}
