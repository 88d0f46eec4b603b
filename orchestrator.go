package ticketflow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticketflow/agent"
	"ticketflow/board"
	"ticketflow/git"
	"ticketflow/prompt"
	"ticketflow/stack"
	"ticketflow/tail"
)

// defaultProjectParallel caps concurrent jobs per project when the project
// settings leave MaxParallelJobs at zero.
const defaultProjectParallel = 2

// AgentRunner is the subprocess surface the orchestrator drives. Satisfied
// by *agent.Runner; tests substitute a fake.
type AgentRunner interface {
	Run(ctx context.Context, trackingID string, opts agent.RunOptions) (*agent.RunResult, error)
	Cancel(trackingID string)
}

// WorkspaceManager is the git surface the orchestrator drives. Satisfied by
// *git.Manager.
type WorkspaceManager interface {
	Create(ticketID, slug, baseBranch, branchPrefix string) (path, branch string, err error)
	Remove(path string) error
	ChangeSummary(workspacePath string) (*git.ChangeSummary, error)
	HeadCommit(workspacePath string) (string, error)
	MergeBranch(branch, defaultBranch string) error
}

// Orchestrator schedules ticket jobs against bounded concurrency and drives
// each admitted job through its plan or execute pipeline.
type Orchestrator struct {
	cfg      Config
	store    board.Store
	runner   AgentRunner
	ws       WorkspaceManager
	tailer   *tail.Tailer
	renderer *prompt.Renderer
	bus      *Bus
	logger   *slog.Logger

	// Seams for tests.
	detect     func(root string) stack.Stack
	runCommand func(ctx context.Context, dir, command string) ([]byte, error)

	mu     sync.Mutex
	queue  []queueItem
	active map[string]*activeJob // keyed by ticket id

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// queueItem is one job waiting for admission. Ordering in the queue is FIFO;
// an item blocked only by its project cap is skipped over, not requeued, so
// it keeps its position.
type queueItem struct {
	ticketID  string
	projectID string
	jobID     string
	phase     board.Phase
}

// activeJob tracks one admitted job. jobID is updated in place when the
// worker rolls into a fix attempt, so cancellation always targets the
// currently running process.
type activeJob struct {
	jobID     string
	projectID string
	cancel    context.CancelFunc
}

// New wires an orchestrator from its components.
func New(cfg Config, store board.Store, runner AgentRunner, ws WorkspaceManager, tailer *tail.Tailer, renderer *prompt.Renderer, bus *Bus, logger *slog.Logger) *Orchestrator {
	if bus == nil {
		bus = NewBus()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		ws:       ws,
		tailer:   tailer,
		renderer: renderer,
		bus:      bus,
		logger:   logger,
		detect:   stack.Detect,
		runCommand: func(ctx context.Context, dir, command string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = dir
			return cmd.CombinedOutput()
		},
		active: make(map[string]*activeJob),
		kick:   make(chan struct{}, 1),
	}
}

// Bus exposes the event bus for subscribers.
func (o *Orchestrator) Bus() *Bus { return o.bus }

// Store exposes the backing store for read-side callers.
func (o *Orchestrator) Store() board.Store { return o.store }

// Start recovers state left over from a previous process and begins the
// scheduling loop. It returns once the loop goroutine is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.recover(); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.loop(ctx)
	return nil
}

// Stop halts scheduling, cancels running agents, and waits for workers to
// drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.tailer.StopAll()
}

// recover handles tickets left mid-flight by a crash: no worker survives a
// process restart, so anything in a running status is forced to failed
// rather than silently resumed. Queued tickets keep their place and are
// re-enqueued.
func (o *Orchestrator) recover() error {
	stranded, err := o.store.ListTicketsByStatus(board.StatusPlanning, board.StatusInProgress, board.StatusTesting)
	if err != nil {
		return err
	}
	for _, t := range stranded {
		o.logger.Warn("recovering stranded ticket", "ticket_id", t.ID, "status", t.Status)
		o.failActiveJobs(t.ID, -1)
		if err := o.store.SetTicketError(t.ID, "orchestrator restarted while the ticket was running"); err != nil {
			return err
		}
		if err := o.setStatus(&t, board.StatusFailed); err != nil {
			return err
		}
	}

	// Queued tickets have an execute job waiting; backlog tickets may have a
	// plan job enqueued by a previous process.
	queued, err := o.store.ListTicketsByStatus(board.StatusQueued, board.StatusBacklog)
	if err != nil {
		return err
	}
	for _, t := range queued {
		jobs, err := o.store.ListJobs(t.ID)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.Status == board.JobPending {
				o.enqueue(queueItem{ticketID: t.ID, projectID: t.ProjectID, jobID: j.ID, phase: j.Phase})
				break
			}
		}
	}
	return nil
}

// failActiveJobs marks any pending or running jobs of a ticket failed.
func (o *Orchestrator) failActiveJobs(ticketID string, exitCode int) {
	jobs, err := o.store.ListJobs(ticketID)
	if err != nil {
		o.logger.Warn("listing jobs for recovery", "ticket_id", ticketID, "error", err)
		return
	}
	for _, j := range jobs {
		if !j.Status.Active() {
			continue
		}
		j.Status = board.JobFailed
		j.ExitCode = exitCode
		j.EndedAt = time.Now()
		if err := o.store.UpdateJob(&j); err != nil {
			o.logger.Warn("failing stale job", "job_id", j.ID, "error", err)
		}
	}
}

// loop wakes on a fixed tick or an explicit kick and admits queued jobs.
func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TickInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.kick:
		}
		o.schedule(ctx)
	}
}

// wake nudges the loop without waiting for the next tick.
func (o *Orchestrator) wake() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// schedule admits queued jobs in FIFO order, subject to the global cap and
// each project's cap. A job blocked only by its project cap is skipped, not
// requeued: later jobs from other projects may still be admitted this pass.
func (o *Orchestrator) schedule(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var remaining []queueItem
	for i, item := range o.queue {
		if len(o.active) >= o.cfg.GlobalMaxJobs {
			remaining = append(remaining, o.queue[i:]...)
			break
		}
		// At most one active job per ticket: an item for a ticket that is
		// already being worked stays queued in place.
		if _, busy := o.active[item.ticketID]; busy {
			remaining = append(remaining, item)
			continue
		}
		if o.projectActiveLocked(item.projectID) >= o.projectCap(item.projectID) {
			remaining = append(remaining, item)
			continue
		}

		workerCtx, cancel := context.WithCancel(ctx)
		o.active[item.ticketID] = &activeJob{jobID: item.jobID, projectID: item.projectID, cancel: cancel}
		o.wg.Add(1)
		go o.runJob(workerCtx, item)
	}
	o.queue = remaining
}

func (o *Orchestrator) projectActiveLocked(projectID string) int {
	n := 0
	for _, a := range o.active {
		if a.projectID == projectID {
			n++
		}
	}
	return n
}

func (o *Orchestrator) projectCap(projectID string) int {
	p, err := o.store.GetProject(projectID)
	if err != nil || p.Settings.MaxParallelJobs <= 0 {
		return defaultProjectParallel
	}
	return p.Settings.MaxParallelJobs
}

func (o *Orchestrator) enqueue(item queueItem) {
	o.mu.Lock()
	o.queue = append(o.queue, item)
	o.mu.Unlock()
	o.wake()
}

// release frees the ticket's active slot and lets the scheduler fill it.
func (o *Orchestrator) release(ticketID string) {
	o.mu.Lock()
	a := o.active[ticketID]
	delete(o.active, ticketID)
	o.mu.Unlock()
	if a != nil {
		a.cancel()
		o.bus.ForgetJob(a.jobID)
	}
	o.wake()
}

// EnqueuePlan schedules the planning phase for a backlog ticket.
func (o *Orchestrator) EnqueuePlan(ticketID string) error {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.Status != board.StatusBacklog && t.Status != board.StatusFailed {
		return fmt.Errorf("ticket %s is %s, expected backlog", ticketID, t.Status)
	}
	if err := o.requireNoOpenJob(t.ID); err != nil {
		return err
	}

	job, err := o.createJob(t, board.PhasePlan)
	if err != nil {
		return err
	}
	o.enqueue(queueItem{ticketID: t.ID, projectID: t.ProjectID, jobID: job.ID, phase: board.PhasePlan})
	return nil
}

// ApprovePlan moves a reviewed plan into the execute queue. Edited plan text
// may be supplied; empty keeps the stored plan.
func (o *Orchestrator) ApprovePlan(ticketID, editedPlan string) error {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.Status != board.StatusPlanReview {
		return fmt.Errorf("ticket %s is %s, expected plan_review", ticketID, t.Status)
	}
	if editedPlan != "" {
		if err := o.store.SetTicketPlan(ticketID, editedPlan); err != nil {
			return err
		}
		t.Plan = editedPlan
	}
	return o.enqueueExecute(t)
}

// requireNoOpenJob enforces at most one pending or running job per ticket.
func (o *Orchestrator) requireNoOpenJob(ticketID string) error {
	jobs, err := o.store.ListJobs(ticketID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status.Active() {
			return fmt.Errorf("ticket %s already has a %s job in flight", ticketID, j.Phase)
		}
	}
	return nil
}

// enqueueExecute creates the execute job and parks the ticket in queued.
func (o *Orchestrator) enqueueExecute(t *board.Ticket) error {
	if t.Plan == "" {
		return fmt.Errorf("ticket %s has no plan to execute", t.ID)
	}
	if err := o.requireNoOpenJob(t.ID); err != nil {
		return err
	}
	job, err := o.createJob(t, board.PhaseExecute)
	if err != nil {
		return err
	}
	if err := o.setStatus(t, board.StatusQueued); err != nil {
		return err
	}
	o.enqueue(queueItem{ticketID: t.ID, projectID: t.ProjectID, jobID: job.ID, phase: board.PhaseExecute})
	return nil
}

// Cancel stops work on a ticket. Queued tickets are pulled from the queue;
// running tickets get their agent terminated. Cancelling a ticket that is
// already terminal or unknown to the scheduler is a no-op.
func (o *Orchestrator) Cancel(ticketID string) error {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	o.mu.Lock()
	for i, item := range o.queue {
		if item.ticketID != ticketID {
			continue
		}
		o.queue = append(o.queue[:i], o.queue[i+1:]...)
		o.mu.Unlock()

		o.failActiveJobs(ticketID, -1)
		if err := o.store.SetTicketError(ticketID, "cancelled by user"); err != nil {
			return err
		}
		return o.setStatus(t, board.StatusFailed)
	}

	a := o.active[ticketID]
	o.mu.Unlock()
	if a == nil {
		return nil
	}

	// Terminate the agent and stop the worker; the worker observes its
	// context and records the failed state itself.
	o.runner.Cancel(a.jobID)
	a.cancel()
	return nil
}

// Merge merges a completed ticket's branch into the project default branch.
func (o *Orchestrator) Merge(ticketID string) error {
	t, err := o.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t.Status != board.StatusCompleted {
		return fmt.Errorf("ticket %s is %s, only completed tickets can be merged", ticketID, t.Status)
	}
	if t.Branch == "" {
		return fmt.Errorf("ticket %s has no branch", ticketID)
	}

	p, err := o.store.GetProject(t.ProjectID)
	if err != nil {
		return err
	}
	branch := p.DefaultBranch
	if branch == "" {
		branch = o.cfg.DefaultBranch
	}
	if err := o.ws.MergeBranch(t.Branch, branch); err != nil {
		return fmt.Errorf("merging %s: %w", t.Branch, err)
	}
	return o.setStatus(t, board.StatusMerged)
}

func (o *Orchestrator) createJob(t *board.Ticket, phase board.Phase) (*board.ExecutionJob, error) {
	job := &board.ExecutionJob{
		ID:       uuid.NewString(),
		TicketID: t.ID,
		Phase:    phase,
		Status:   board.JobPending,
	}
	// Log path is keyed by the job id so reruns never interleave files.
	job.LogPath = o.logPath(t.ID, job.ID)
	if err := o.store.CreateJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) logPath(ticketID, jobID string) string {
	return filepath.Join(o.cfg.LogDir, ticketID, jobID+".log")
}

// runJob is the worker entry point for an admitted queue item.
func (o *Orchestrator) runJob(ctx context.Context, item queueItem) {
	defer o.wg.Done()
	defer o.release(item.ticketID)

	t, err := o.store.GetTicket(item.ticketID)
	if err != nil {
		o.logger.Error("loading ticket for job", "ticket_id", item.ticketID, "error", err)
		return
	}
	p, err := o.store.GetProject(t.ProjectID)
	if err != nil {
		o.failActiveJobs(t.ID, -1)
		o.failTicket(t, nil, fmt.Sprintf("loading project: %v", err))
		return
	}
	job, err := o.store.GetJob(item.jobID)
	if err != nil {
		o.failActiveJobs(t.ID, -1)
		o.failTicket(t, nil, fmt.Sprintf("loading job: %v", err))
		return
	}

	switch item.phase {
	case board.PhasePlan:
		o.runPlan(ctx, t, p, job)
	case board.PhaseExecute:
		o.runExecute(ctx, t, p, job)
	default:
		o.failTicket(t, job, fmt.Sprintf("unknown job phase %q", item.phase))
	}
}

// runPlan drives the planning phase: one agent invocation producing a plan.
// Agent failures here are never retried.
func (o *Orchestrator) runPlan(ctx context.Context, t *board.Ticket, p *board.Project, job *board.ExecutionJob) {
	if err := o.startJob(t, job, board.StatusPlanning); err != nil {
		o.logger.Error("starting plan job", "job_id", job.ID, "error", err)
		return
	}
	o.bus.PublishProgress(t.ID, job.ID, 5)

	promptText, err := o.buildPrompt(t, p, string(t.Category), "")
	if err != nil {
		o.failTicket(t, job, fmt.Sprintf("rendering prompt: %v", err))
		return
	}

	result, err := o.invokeAgent(ctx, t, p, job, promptText, p.RepoPath)
	if err != nil {
		o.finishCancelledOrFail(ctx, t, job, err)
		return
	}
	if ctx.Err() != nil {
		o.finishCancelled(t, job)
		return
	}
	o.bus.PublishProgress(t.ID, job.ID, 25)

	if result.ExitCode != 0 {
		o.failJob(job, result.ExitCode)
		o.failTicket(t, nil, fmt.Sprintf("plan agent exited with code %d: %s", result.ExitCode, excerpt(result.Output, o.cfg.FailureExcerptBytes)))
		return
	}

	plan := agent.ExtractPlan(result.Output)
	if plan.Text == "" {
		o.failJob(job, 0)
		o.failTicket(t, nil, "agent produced no plan")
		return
	}
	if err := o.store.SetTicketPlan(t.ID, plan.Text); err != nil {
		o.failJob(job, 0)
		o.failTicket(t, nil, fmt.Sprintf("saving plan: %v", err))
		return
	}
	t.Plan = plan.Text

	t.Metadata.PlanSteps = len(PlanOutline(plan.Text))
	t.Metadata.TokensUsed += agent.ExtractUsage(result.Output)
	if err := o.store.SetTicketMetadata(t.ID, t.Metadata); err != nil {
		o.logger.Warn("saving plan metadata", "ticket_id", t.ID, "error", err)
	}

	o.completeJob(job, 0)
	o.bus.PublishProgress(t.ID, job.ID, 30)

	switch {
	case !t.Category.WritesCode():
		// Research tickets deliver the plan itself.
		o.bus.PublishProgress(t.ID, job.ID, 100)
		o.setStatusLogged(t, board.StatusCompleted)
	case p.Settings.AutoExecuteAfterPlan:
		if err := o.enqueueExecute(t); err != nil {
			o.failTicket(t, nil, fmt.Sprintf("auto-queueing execution: %v", err))
		}
	default:
		o.setStatusLogged(t, board.StatusPlanReview)
	}
}

// runExecute drives the execute phase: workspace setup, then up to
// MaxRetries+1 agent invocations with a test run after each. Only failing
// tests trigger a retry; an agent that exits non-zero fails the ticket
// immediately.
func (o *Orchestrator) runExecute(ctx context.Context, t *board.Ticket, p *board.Project, job *board.ExecutionJob) {
	if err := o.ensureWorkspace(t, p); err != nil {
		o.failTicket(t, job, fmt.Sprintf("preparing workspace: %v", err))
		return
	}

	if err := o.startJob(t, job, board.StatusInProgress); err != nil {
		o.logger.Error("starting execute job", "job_id", job.ID, "error", err)
		return
	}
	o.bus.PublishProgress(t.ID, job.ID, 30)

	testCmd := o.testCommand(p)
	promptText, err := o.buildPrompt(t, p, "execute", "")
	if err != nil {
		o.failTicket(t, job, fmt.Sprintf("rendering prompt: %v", err))
		return
	}

	var lastFailure string
	for attempt := 0; ; attempt++ {
		result, err := o.invokeAgent(ctx, t, p, job, promptText, t.WorkspacePath)
		if err != nil {
			o.finishCancelledOrFail(ctx, t, job, err)
			return
		}
		if ctx.Err() != nil {
			o.finishCancelled(t, job)
			return
		}
		if result.ExitCode != 0 {
			o.failJob(job, result.ExitCode)
			o.failTicket(t, nil, fmt.Sprintf("agent exited with code %d: %s", result.ExitCode, excerpt(result.Output, o.cfg.FailureExcerptBytes)))
			return
		}
		t.Metadata.TokensUsed += agent.ExtractUsage(result.Output)
		o.bus.PublishProgress(t.ID, job.ID, 70)

		if testCmd == "" {
			break
		}
		o.setStatusLogged(t, board.StatusTesting)
		o.bus.PublishProgress(t.ID, job.ID, 80)

		out, testErr := o.runCommand(ctx, t.WorkspacePath, testCmd)
		if testErr == nil {
			passed := true
			t.Metadata.TestsPassed = &passed
			break
		}
		if ctx.Err() != nil {
			o.finishCancelled(t, job)
			return
		}
		lastFailure = excerpt(out, o.cfg.FailureExcerptBytes)

		if attempt >= o.cfg.MaxRetries {
			failed := false
			t.Metadata.TestsPassed = &failed
			t.Metadata.RetryCount = attempt
			if err := o.store.SetTicketMetadata(t.ID, t.Metadata); err != nil {
				o.logger.Warn("saving metadata", "ticket_id", t.ID, "error", err)
			}
			o.failJob(job, 0)
			o.failTicket(t, nil, fmt.Sprintf("tests still failing after %d fix attempts: %s", attempt, lastFailure))
			return
		}

		// Roll into a fix attempt: a fresh job so logs and audit stay
		// separate, same active slot so no re-admission happens.
		t.Metadata.RetryCount = attempt + 1
		if err := o.store.SetTicketMetadata(t.ID, t.Metadata); err != nil {
			o.logger.Warn("saving metadata", "ticket_id", t.ID, "error", err)
		}
		o.completeJob(job, 0)

		job, err = o.createJob(t, board.PhaseFix)
		if err != nil {
			o.failTicket(t, nil, fmt.Sprintf("creating fix job: %v", err))
			return
		}
		job.RetryCount = attempt + 1
		o.retarget(t.ID, job.ID)
		if err := o.startJob(t, job, board.StatusInProgress); err != nil {
			o.logger.Error("starting fix job", "job_id", job.ID, "error", err)
			return
		}

		promptText, err = o.buildPrompt(t, p, "execute", lastFailure)
		if err != nil {
			o.failTicket(t, job, fmt.Sprintf("rendering fix prompt: %v", err))
			return
		}
	}

	o.finishExecute(ctx, t, p, job)
}

// finishExecute records results after tests pass: an optional lint run
// (recorded, never blocking), the change summary, and the head commit.
func (o *Orchestrator) finishExecute(ctx context.Context, t *board.Ticket, p *board.Project, job *board.ExecutionJob) {
	if lintCmd := p.Settings.LintCommand; lintCmd != "" {
		_, lintErr := o.runCommand(ctx, t.WorkspacePath, lintCmd)
		lintPassed := lintErr == nil
		t.Metadata.LintPassed = &lintPassed
	}

	if summary, err := o.ws.ChangeSummary(t.WorkspacePath); err != nil {
		o.logger.Warn("computing change summary", "ticket_id", t.ID, "error", err)
	} else {
		t.Metadata.FilesChanged = t.Metadata.FilesChanged[:0]
		for _, fc := range summary.Files {
			t.Metadata.FilesChanged = append(t.Metadata.FilesChanged, fc.Path)
		}
	}
	if commit, err := o.ws.HeadCommit(t.WorkspacePath); err != nil {
		o.logger.Warn("reading head commit", "ticket_id", t.ID, "error", err)
	} else {
		t.Metadata.CommitID = commit
	}
	if err := o.store.SetTicketMetadata(t.ID, t.Metadata); err != nil {
		o.logger.Warn("saving metadata", "ticket_id", t.ID, "error", err)
	}

	o.completeJob(job, 0)
	o.bus.PublishProgress(t.ID, job.ID, 100)
	o.setStatusLogged(t, board.StatusCompleted)
	o.bus.Publish(Event{Type: EventJobCompleted, TicketID: t.ID, JobID: job.ID})
}

// invokeAgent runs one agent process with the job's log tailed into the
// event stream.
func (o *Orchestrator) invokeAgent(ctx context.Context, t *board.Ticket, p *board.Project, job *board.ExecutionJob, promptText, dir string) (*agent.RunResult, error) {
	jobID, ticketID := job.ID, t.ID
	if err := o.tailer.Watch(jobID, job.LogPath, func(line string) {
		o.bus.Publish(Event{Type: EventJobLogLine, TicketID: ticketID, JobID: jobID, Line: line})
	}); err != nil {
		o.logger.Warn("watching job log", "job_id", jobID, "error", err)
	} else {
		defer o.tailer.Stop(jobID)
	}

	binary := o.cfg.AgentBinary
	if p.Settings.AgentBinary != "" {
		binary = p.Settings.AgentBinary
	}
	return o.runner.Run(ctx, jobID, agent.RunOptions{
		Prompt:         promptText,
		Dir:            dir,
		LogPath:        job.LogPath,
		Binary:         binary,
		MaxTurns:       o.cfg.MaxTurns,
		PermissionMode: o.cfg.PermissionMode,
	})
}

// buildPrompt assembles the prompt for a category template. failure, when
// non-empty, is appended as test output the agent must address.
func (o *Orchestrator) buildPrompt(t *board.Ticket, p *board.Project, category, failure string) (string, error) {
	detected := o.detect(p.RepoPath)

	ctx := prompt.Context{
		Title:        t.Title,
		Description:  t.Description,
		ProjectName:  p.Name,
		Stack:        detected.String(),
		TestCommand:  o.testCommand(p),
		BuildCommand: p.Settings.BuildCommand,
		Plan:         t.Plan,
		ContextFiles: o.contextFiles(p),
		Attachments:  renderAttachments(t.Attachments),
	}
	if ctx.BuildCommand == "" {
		ctx.BuildCommand = detected.BuildCommand
	}

	text, err := o.renderer.Render(category, ctx)
	if err != nil {
		return "", err
	}
	if failure != "" {
		text += "\n\nThe previous attempt left the test suite failing. Test output:\n\n```\n" + failure + "\n```\n\nFix the failures without breaking passing tests."
	}
	return text, nil
}

// testCommand resolves the project's test command, falling back to stack
// detection.
func (o *Orchestrator) testCommand(p *board.Project) string {
	if p.Settings.TestCommand != "" {
		return p.Settings.TestCommand
	}
	return o.detect(p.RepoPath).TestCommand
}

// contextFiles reads the project's context globs into one prompt section.
func (o *Orchestrator) contextFiles(p *board.Project) string {
	var sb strings.Builder
	for _, glob := range p.Settings.ContextGlobs {
		matches, err := filepath.Glob(filepath.Join(p.RepoPath, glob))
		if err != nil {
			continue
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			rel, relErr := filepath.Rel(p.RepoPath, path)
			if relErr != nil {
				rel = path
			}
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", rel, bytes.TrimSpace(data))
		}
	}
	return strings.TrimSpace(sb.String())
}

func renderAttachments(atts []board.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, a := range atts {
		if a.Description != "" {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", a.Name, a.Path, a.Description)
		} else {
			fmt.Fprintf(&sb, "- %s (%s)\n", a.Name, a.Path)
		}
	}
	return strings.TrimSpace(sb.String())
}

// ensureWorkspace creates the ticket's worktree on first execution and
// reuses it on retries and re-runs.
func (o *Orchestrator) ensureWorkspace(t *board.Ticket, p *board.Project) error {
	if t.WorkspacePath != "" {
		if _, err := os.Stat(t.WorkspacePath); err == nil {
			return nil
		}
	}

	base := p.DefaultBranch
	if base == "" {
		base = o.cfg.DefaultBranch
	}
	path, branch, err := o.ws.Create(t.ID, git.Slugify(t.Title), base, o.cfg.BranchPrefix)
	if err != nil {
		return err
	}
	if err := o.store.SetTicketWorkspace(t.ID, branch, path); err != nil {
		return err
	}
	t.Branch = branch
	t.WorkspacePath = path
	return nil
}

// retarget points the ticket's active slot at a new job id so Cancel kills
// the right process.
func (o *Orchestrator) retarget(ticketID, jobID string) {
	o.mu.Lock()
	if a := o.active[ticketID]; a != nil {
		a.jobID = jobID
	}
	o.mu.Unlock()
}

// startJob flips a job to running and the ticket into the matching status.
func (o *Orchestrator) startJob(t *board.Ticket, job *board.ExecutionJob, status board.Status) error {
	job.Status = board.JobRunning
	job.StartedAt = time.Now()
	if err := o.store.UpdateJob(job); err != nil {
		return err
	}
	return o.setStatus(t, status)
}

func (o *Orchestrator) completeJob(job *board.ExecutionJob, exitCode int) {
	job.Status = board.JobCompleted
	job.ExitCode = exitCode
	job.EndedAt = time.Now()
	if err := o.store.UpdateJob(job); err != nil {
		o.logger.Warn("completing job", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) failJob(job *board.ExecutionJob, exitCode int) {
	job.Status = board.JobFailed
	job.ExitCode = exitCode
	job.EndedAt = time.Now()
	if err := o.store.UpdateJob(job); err != nil {
		o.logger.Warn("failing job", "job_id", job.ID, "error", err)
	}
}

// finishCancelledOrFail distinguishes a user cancellation (worker context
// cancelled) from a genuine spawn or I/O failure.
func (o *Orchestrator) finishCancelledOrFail(ctx context.Context, t *board.Ticket, job *board.ExecutionJob, err error) {
	if ctx.Err() != nil {
		o.finishCancelled(t, job)
		return
	}
	o.failTicket(t, job, fmt.Sprintf("running agent: %v", err))
}

func (o *Orchestrator) finishCancelled(t *board.Ticket, job *board.ExecutionJob) {
	o.failJob(job, -1)
	if err := o.store.SetTicketError(t.ID, "cancelled by user"); err != nil {
		o.logger.Warn("recording cancellation", "ticket_id", t.ID, "error", err)
	}
	o.setStatusLogged(t, board.StatusFailed)
}

// failTicket records a terminal failure. job may be nil when it was already
// finalized.
func (o *Orchestrator) failTicket(t *board.Ticket, job *board.ExecutionJob, summary string) {
	if job != nil {
		o.failJob(job, job.ExitCode)
	}
	if err := o.store.SetTicketError(t.ID, summary); err != nil {
		o.logger.Warn("recording ticket error", "ticket_id", t.ID, "error", err)
	}
	o.setStatusLogged(t, board.StatusFailed)
	o.bus.Publish(Event{Type: EventJobFailed, TicketID: t.ID, Error: summary})
}

func (o *Orchestrator) setStatusLogged(t *board.Ticket, status board.Status) {
	if err := o.setStatus(t, status); err != nil {
		o.logger.Error("updating ticket status", "ticket_id", t.ID, "status", status, "error", err)
	}
}

// setStatus persists a status transition, records the analytics event, and
// notifies subscribers.
func (o *Orchestrator) setStatus(t *board.Ticket, status board.Status) error {
	if err := o.store.UpdateTicketStatus(t.ID, status); err != nil {
		return err
	}
	from := t.Status
	t.Status = status

	ev := &board.AnalyticsEvent{
		ID:        uuid.NewString(),
		ProjectID: t.ProjectID,
		TicketID:  t.ID,
		Type:      "status_changed",
		Payload:   fmt.Sprintf(`{"from":%q,"to":%q}`, from, status),
	}
	if err := o.store.RecordEvent(ev); err != nil {
		o.logger.Warn("recording analytics event", "ticket_id", t.ID, "error", err)
	}

	o.bus.Publish(Event{Type: EventTicketStatus, TicketID: t.ID, Status: status})
	o.logger.Info("ticket status changed", "ticket_id", t.ID, "from", from, "to", status)
	return nil
}

// excerpt returns the last max bytes of out, starting at a line boundary
// when one falls inside the window.
func excerpt(out []byte, max int) string {
	if len(out) > max {
		out = out[len(out)-max:]
		if idx := bytes.IndexByte(out, '\n'); idx >= 0 && idx < len(out)-1 {
			out = out[idx+1:]
		}
	}
	return strings.TrimSpace(string(out))
}
