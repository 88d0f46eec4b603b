package ticketflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"ticketflow/agent"
	"ticketflow/board"
	"ticketflow/git"
	"ticketflow/prompt"
	"ticketflow/stack"
	"ticketflow/tail"
)

// --- Test Helpers ---

// memStore is an in-memory board.Store.
type memStore struct {
	mu       sync.Mutex
	projects map[string]*board.Project
	tickets  map[string]*board.Ticket
	jobs     map[string]*board.ExecutionJob
	jobOrder []string
	events   []board.AnalyticsEvent
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*board.Project),
		tickets:  make(map[string]*board.Ticket),
		jobs:     make(map[string]*board.ExecutionJob),
	}
}

func (m *memStore) CreateProject(p *board.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *memStore) GetProject(id string) (*board.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListProjects() ([]board.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []board.Project
	for _, p := range m.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (m *memStore) UpdateProjectSettings(id string, s board.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[id]; ok {
		p.Settings = s
	}
	return nil
}

func (m *memStore) CreateTicket(t *board.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *memStore) GetTicket(id string) (*board.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListTickets(projectID string) ([]board.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []board.Ticket
	for _, t := range m.tickets {
		if projectID == "" || t.ProjectID == projectID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) ListTicketsByStatus(statuses ...board.Status) ([]board.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []board.Ticket
	for _, t := range m.tickets {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, *t)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) UpdateTicketStatus(id string, status board.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return fmt.Errorf("ticket %s not found", id)
	}
	t.Status = status
	return nil
}

func (m *memStore) SetTicketPlan(id, plan string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tickets[id]; ok {
		t.Plan = plan
	}
	return nil
}

func (m *memStore) SetTicketWorkspace(id, branch, workspacePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tickets[id]; ok {
		t.Branch = branch
		t.WorkspacePath = workspacePath
	}
	return nil
}

func (m *memStore) SetTicketMetadata(id string, md board.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tickets[id]; ok {
		t.Metadata = md
	}
	return nil
}

func (m *memStore) SetTicketError(id, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tickets[id]; ok {
		t.ErrorSummary = summary
	}
	return nil
}

func (m *memStore) DeleteTicket(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tickets, id)
	return nil
}

func (m *memStore) CreateJob(j *board.ExecutionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	m.jobOrder = append(m.jobOrder, j.ID)
	return nil
}

func (m *memStore) GetJob(id string) (*board.ExecutionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ListJobs(ticketID string) ([]board.ExecutionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []board.ExecutionJob
	for _, id := range m.jobOrder {
		if j := m.jobs[id]; j != nil && j.TicketID == ticketID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) UpdateJob(j *board.ExecutionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) RecordEvent(e *board.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memStore) ListEvents(ticketID string) ([]board.AnalyticsEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []board.AnalyticsEvent
	for _, e := range m.events {
		if e.TicketID == ticketID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeRunner records agent invocations and lets tests script the outcomes.
type fakeRunner struct {
	mu        sync.Mutex
	runs      []agent.RunOptions
	cancelled []string
	handler   func(ctx context.Context, trackingID string, opts agent.RunOptions) (*agent.RunResult, error)
}

func planOutput(plan string) []byte {
	return []byte(fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":%q}]}}`+"\n", plan))
}

func newFakeRunner() *fakeRunner {
	r := &fakeRunner{}
	r.handler = func(ctx context.Context, trackingID string, opts agent.RunOptions) (*agent.RunResult, error) {
		return &agent.RunResult{Output: planOutput("1. Do the work")}, nil
	}
	return r
}

func (r *fakeRunner) Run(ctx context.Context, trackingID string, opts agent.RunOptions) (*agent.RunResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, opts)
	handler := r.handler
	r.mu.Unlock()
	return handler(ctx, trackingID, opts)
}

func (r *fakeRunner) Cancel(trackingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, trackingID)
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// fakeWorkspaces is a no-git WorkspaceManager.
type fakeWorkspaces struct {
	mu        sync.Mutex
	created   []string
	removed   []string
	merged    []string
	createErr error
}

func (w *fakeWorkspaces) Create(ticketID, slug, baseBranch, branchPrefix string) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return "", "", w.createErr
	}
	w.created = append(w.created, ticketID)
	return "/tmp/ws/" + ticketID, branchPrefix + ticketID + "-" + slug, nil
}

func (w *fakeWorkspaces) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, path)
	return nil
}

func (w *fakeWorkspaces) ChangeSummary(workspacePath string) (*git.ChangeSummary, error) {
	return &git.ChangeSummary{Files: []git.FileChange{{Path: "main.go", Status: git.ChangeModified}}}, nil
}

func (w *fakeWorkspaces) HeadCommit(workspacePath string) (string, error) {
	return "abc1234", nil
}

func (w *fakeWorkspaces) MergeBranch(branch, defaultBranch string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.merged = append(w.merged, branch)
	return nil
}

type testFixture struct {
	orch   *Orchestrator
	store  *memStore
	runner *fakeRunner
	ws     *fakeWorkspaces
}

func newFixture(t *testing.T, mutate func(*Config)) *testFixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TickInterval = Duration(5 * time.Millisecond)
	cfg.LogDir = t.TempDir()
	cfg.MaxRetries = 2
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	runner := newFakeRunner()
	ws := &fakeWorkspaces{}

	orch := New(cfg, store, runner, ws, tail.NewWithInterval(logger, 5*time.Millisecond), prompt.NewRenderer(""), NewBus(), logger)
	orch.detect = func(root string) stack.Stack { return stack.Stack{Language: "Go"} }
	orch.runCommand = func(ctx context.Context, dir, command string) ([]byte, error) {
		return nil, nil
	}

	t.Cleanup(orch.Stop)
	return &testFixture{orch: orch, store: store, runner: runner, ws: ws}
}

func (f *testFixture) addProject(t *testing.T, settings board.Settings) *board.Project {
	t.Helper()
	p := &board.Project{ID: "proj-1", Name: "demo", RepoPath: "/tmp/demo", DefaultBranch: "main", Settings: settings}
	if err := f.store.CreateProject(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func (f *testFixture) addTicket(t *testing.T, id string, status board.Status, category board.Category) *board.Ticket {
	t.Helper()
	tk := &board.Ticket{
		ID:        id,
		ProjectID: "proj-1",
		Title:     "Add widget support",
		Status:    status,
		Category:  category,
	}
	if err := f.store.CreateTicket(tk); err != nil {
		t.Fatal(err)
	}
	return tk
}

func waitForStatus(t *testing.T, store *memStore, ticketID string, want board.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tk, err := store.GetTicket(ticketID)
		if err == nil && tk.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tk, _ := store.GetTicket(ticketID)
	t.Fatalf("ticket %s never reached %s, stuck at %s (error: %q)", ticketID, want, tk.Status, tk.ErrorSummary)
}

func start(t *testing.T, orch *Orchestrator) {
	t.Helper()
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// --- Tests ---

func TestPlanLandsInReviewWithoutAutoExecute(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{AutoExecuteAfterPlan: false})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatalf("EnqueuePlan: %v", err)
	}
	waitForStatus(t, f.store, "t1", board.StatusPlanReview)

	tk, _ := f.store.GetTicket("t1")
	if tk.Plan == "" {
		t.Error("plan was not saved")
	}
	if got := f.runner.runCount(); got != 1 {
		t.Errorf("agent invoked %d times, want 1", got)
	}
}

func TestPlanAutoExecutesThroughToCompleted(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{AutoExecuteAfterPlan: true, TestCommand: "run-tests"})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatalf("EnqueuePlan: %v", err)
	}
	waitForStatus(t, f.store, "t1", board.StatusCompleted)

	tk, _ := f.store.GetTicket("t1")
	if tk.Metadata.TestsPassed == nil || !*tk.Metadata.TestsPassed {
		t.Error("tests should be recorded as passed")
	}
	if tk.Metadata.CommitID != "abc1234" {
		t.Errorf("commit id = %q, want abc1234", tk.Metadata.CommitID)
	}
	if len(tk.Metadata.FilesChanged) != 1 || tk.Metadata.FilesChanged[0] != "main.go" {
		t.Errorf("files changed = %v", tk.Metadata.FilesChanged)
	}
	// Plan invocation plus one execute invocation.
	if got := f.runner.runCount(); got != 2 {
		t.Errorf("agent invoked %d times, want 2", got)
	}
}

func TestResearchTicketCompletesAfterPlan(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{AutoExecuteAfterPlan: true})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryResearch)
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatalf("EnqueuePlan: %v", err)
	}
	waitForStatus(t, f.store, "t1", board.StatusCompleted)

	if got := f.runner.runCount(); got != 1 {
		t.Errorf("research ticket ran the agent %d times, want 1 (plan only)", got)
	}
	f.ws.mu.Lock()
	created := len(f.ws.created)
	f.ws.mu.Unlock()
	if created != 0 {
		t.Error("research ticket should not get a workspace")
	}
}

func TestAgentFailureDuringPlanIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	f.runner.handler = func(ctx context.Context, id string, opts agent.RunOptions) (*agent.RunResult, error) {
		return &agent.RunResult{ExitCode: 2, Output: []byte("boom")}, nil
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatalf("EnqueuePlan: %v", err)
	}
	waitForStatus(t, f.store, "t1", board.StatusFailed)

	if got := f.runner.runCount(); got != 1 {
		t.Errorf("agent invoked %d times, want 1: non-zero exits are never retried", got)
	}
	tk, _ := f.store.GetTicket("t1")
	if tk.ErrorSummary == "" {
		t.Error("failure should record an error summary")
	}
}

func TestRetryExhaustionWithFailingTests(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxRetries = 2 })
	f.addProject(t, board.Settings{AutoExecuteAfterPlan: true, TestCommand: "run-tests"})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	f.orch.runCommand = func(ctx context.Context, dir, command string) ([]byte, error) {
		return []byte("FAIL: TestWidget"), errors.New("exit status 1")
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatalf("EnqueuePlan: %v", err)
	}
	waitForStatus(t, f.store, "t1", board.StatusFailed)

	// One plan invocation, then maxRetries+1 = 3 execute/fix invocations.
	if got := f.runner.runCount(); got != 4 {
		t.Errorf("agent invoked %d times, want 4", got)
	}
	tk, _ := f.store.GetTicket("t1")
	if tk.Metadata.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", tk.Metadata.RetryCount)
	}
	if tk.Metadata.TestsPassed == nil || *tk.Metadata.TestsPassed {
		t.Error("tests should be recorded as failed")
	}

	jobs, _ := f.store.ListJobs("t1")
	var fixes int
	for _, j := range jobs {
		if j.Phase == board.PhaseFix {
			fixes++
		}
	}
	if fixes != 2 {
		t.Errorf("fix jobs = %d, want 2", fixes)
	}
}

func TestFixPromptCarriesTestOutput(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxRetries = 1 })
	f.addProject(t, board.Settings{AutoExecuteAfterPlan: true, TestCommand: "run-tests"})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)

	var calls int
	var mu sync.Mutex
	f.orch.runCommand = func(ctx context.Context, dir, command string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return []byte("FAIL: TestWidget wanted 3 got 4"), errors.New("exit status 1")
		}
		return []byte("ok"), nil
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatalf("EnqueuePlan: %v", err)
	}
	waitForStatus(t, f.store, "t1", board.StatusCompleted)

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	if len(f.runner.runs) != 3 {
		t.Fatalf("agent invoked %d times, want 3 (plan, execute, fix)", len(f.runner.runs))
	}
	fixPrompt := f.runner.runs[2].Prompt
	if !containsString(fixPrompt, "FAIL: TestWidget wanted 3 got 4") {
		t.Error("fix prompt should include the failing test output")
	}

	tk, _ := f.store.GetTicket("t1")
	if tk.Metadata.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", tk.Metadata.RetryCount)
	}
}

func TestPerProjectCapHoldsSecondTicket(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.GlobalMaxJobs = 4 })
	f.addProject(t, board.Settings{MaxParallelJobs: 1})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	f.addTicket(t, "t2", board.StatusBacklog, board.CategoryFeature)

	release := make(chan struct{})
	f.runner.handler = func(ctx context.Context, id string, opts agent.RunOptions) (*agent.RunResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &agent.RunResult{Output: planOutput("1. Step")}, nil
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.EnqueuePlan("t2"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.store, "t1", board.StatusPlanning)

	// Give the scheduler several ticks; t2 must stay unadmitted.
	time.Sleep(50 * time.Millisecond)
	tk, _ := f.store.GetTicket("t2")
	if tk.Status != board.StatusBacklog {
		t.Fatalf("second ticket should be held by the project cap, got %s", tk.Status)
	}
	if got := f.runner.runCount(); got != 1 {
		t.Fatalf("one agent should be running, got %d", got)
	}

	close(release)
	waitForStatus(t, f.store, "t2", board.StatusPlanReview)
}

func TestGlobalCapBoundsConcurrency(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.GlobalMaxJobs = 2 })
	f.addProject(t, board.Settings{MaxParallelJobs: 10})
	for i := 0; i < 5; i++ {
		f.addTicket(t, fmt.Sprintf("t%d", i), board.StatusBacklog, board.CategoryFeature)
	}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	f.runner.handler = func(ctx context.Context, id string, opts agent.RunOptions) (*agent.RunResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &agent.RunResult{Output: planOutput("1. Step")}, nil
	}
	start(t, f.orch)

	for i := 0; i < 5; i++ {
		if err := f.orch.EnqueuePlan(fmt.Sprintf("t%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		waitForStatus(t, f.store, fmt.Sprintf("t%d", i), board.StatusPlanReview)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeded global cap 2", peak)
	}
}

func TestSecondEnqueueForTicketWithJobInFlightRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryResearch)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	f.runner.handler = func(ctx context.Context, id string, opts agent.RunOptions) (*agent.RunResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &agent.RunResult{Output: planOutput("1. Step")}, nil
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.EnqueuePlan("t1"); err == nil {
		t.Fatal("enqueueing a ticket that already has a job in flight should fail")
	}

	// Give the scheduler several ticks to admit anything extra.
	time.Sleep(50 * time.Millisecond)
	close(release)
	waitForStatus(t, f.store, "t1", board.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("concurrent agent invocations for one ticket = %d, want 1", peak)
	}
	if got := f.runner.runCount(); got != 1 {
		t.Errorf("agent invocations = %d, want 1", got)
	}
}

func TestSchedulerAdmitsOneJobPerTicket(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	tk := f.addTicket(t, "t1", board.StatusBacklog, board.CategoryResearch)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	f.runner.handler = func(ctx context.Context, id string, opts agent.RunOptions) (*agent.RunResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &agent.RunResult{Output: planOutput("1. Step")}, nil
	}
	start(t, f.orch)

	// Force two queue items for the same ticket past the enqueue guard; the
	// scheduler itself must refuse to run them concurrently.
	job1, err := f.orch.createJob(tk, board.PhasePlan)
	if err != nil {
		t.Fatal(err)
	}
	job2, err := f.orch.createJob(tk, board.PhasePlan)
	if err != nil {
		t.Fatal(err)
	}
	f.orch.enqueue(queueItem{ticketID: "t1", projectID: "proj-1", jobID: job1.ID, phase: board.PhasePlan})
	f.orch.enqueue(queueItem{ticketID: "t1", projectID: "proj-1", jobID: job2.ID, phase: board.PhasePlan})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if inFlight != 1 {
		mu.Unlock()
		t.Fatalf("agents running for one ticket = %d, want 1", inFlight)
	}
	mu.Unlock()

	close(release)
	waitForStatus(t, f.store, "t1", board.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrent agent invocations for one ticket = %d, want 1", peak)
	}
}

func TestWorkspaceFailureNeverShowsInProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	f.ws.createErr = fmt.Errorf("worktree add failed")

	if err := f.store.SetTicketPlan("t1", "1. Do the work"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateTicketStatus("t1", board.StatusPlanReview); err != nil {
		t.Fatal(err)
	}
	start(t, f.orch)

	if err := f.orch.ApprovePlan("t1", ""); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.store, "t1", board.StatusFailed)

	tk, _ := f.store.GetTicket("t1")
	if !containsString(tk.ErrorSummary, "preparing workspace") {
		t.Errorf("error summary = %q, want workspace failure", tk.ErrorSummary)
	}
	events, _ := f.store.ListEvents("t1")
	for _, ev := range events {
		if containsString(ev.Payload, `"to":"in_progress"`) {
			t.Error("ticket reached in_progress despite workspace setup failing")
		}
	}
}

func TestProjectLoadFailureFinalizesPendingJob(t *testing.T) {
	f := newFixture(t, nil)
	tk := &board.Ticket{ID: "t1", ProjectID: "missing", Title: "Orphan", Status: board.StatusBacklog, Category: board.CategoryFeature}
	if err := f.store.CreateTicket(tk); err != nil {
		t.Fatal(err)
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.store, "t1", board.StatusFailed)

	jobs, err := f.store.ListJobs("t1")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %d (err %v), want 1", len(jobs), err)
	}
	if jobs[0].Status != board.JobFailed || jobs[0].ExitCode != -1 {
		t.Errorf("job left %s exit=%d, want failed exit=-1", jobs[0].Status, jobs[0].ExitCode)
	}
}

func TestCancelRunningTicket(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)

	started := make(chan struct{})
	f.runner.handler = func(ctx context.Context, id string, opts agent.RunOptions) (*agent.RunResult, error) {
		close(started)
		<-ctx.Done()
		return &agent.RunResult{ExitCode: -1}, nil
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := f.orch.Cancel("t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForStatus(t, f.store, "t1", board.StatusFailed)

	tk, _ := f.store.GetTicket("t1")
	if tk.ErrorSummary != "cancelled by user" {
		t.Errorf("error summary = %q, want cancellation message", tk.ErrorSummary)
	}

	f.runner.mu.Lock()
	cancelled := len(f.runner.cancelled)
	f.runner.mu.Unlock()
	if cancelled != 1 {
		t.Errorf("runner cancelled %d processes, want 1", cancelled)
	}

	// Cancelling again is a no-op.
	if err := f.orch.Cancel("t1"); err != nil {
		t.Errorf("second Cancel should be a no-op, got %v", err)
	}
}

func TestCancelQueuedTicket(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.GlobalMaxJobs = 1 })
	f.addProject(t, board.Settings{})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	f.addTicket(t, "t2", board.StatusBacklog, board.CategoryFeature)

	release := make(chan struct{})
	defer close(release)
	f.runner.handler = func(ctx context.Context, id string, opts agent.RunOptions) (*agent.RunResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &agent.RunResult{Output: planOutput("1. Step")}, nil
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.EnqueuePlan("t2"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.store, "t1", board.StatusPlanning)

	if err := f.orch.Cancel("t2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForStatus(t, f.store, "t2", board.StatusFailed)

	jobs, _ := f.store.ListJobs("t2")
	if len(jobs) != 1 || jobs[0].Status != board.JobFailed || jobs[0].ExitCode != -1 {
		t.Errorf("queued job should be failed with exit -1, got %+v", jobs)
	}
	if got := f.runner.runCount(); got != 1 {
		t.Errorf("cancelled queued ticket must never reach the agent, runs = %d", got)
	}
}

func TestCrashRecoveryFailsStrandedTickets(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	f.addTicket(t, "t1", board.StatusInProgress, board.CategoryFeature)
	f.addTicket(t, "t2", board.StatusTesting, board.CategoryFeature)
	f.addTicket(t, "t3", board.StatusCompleted, board.CategoryFeature)

	job := &board.ExecutionJob{ID: "j1", TicketID: "t1", Phase: board.PhaseExecute, Status: board.JobRunning}
	if err := f.store.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	start(t, f.orch)

	for _, id := range []string{"t1", "t2"} {
		tk, _ := f.store.GetTicket(id)
		if tk.Status != board.StatusFailed {
			t.Errorf("ticket %s = %s, want failed after restart", id, tk.Status)
		}
		if tk.ErrorSummary == "" {
			t.Errorf("ticket %s should carry a recovery error summary", id)
		}
	}

	tk, _ := f.store.GetTicket("t3")
	if tk.Status != board.StatusCompleted {
		t.Errorf("completed ticket must not be touched by recovery, got %s", tk.Status)
	}

	recovered, _ := f.store.GetJob("j1")
	if recovered.Status != board.JobFailed {
		t.Errorf("stranded job = %s, want failed", recovered.Status)
	}
}

func TestCrashRecoveryRequeuesQueuedTickets(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{TestCommand: "run-tests"})
	tk := f.addTicket(t, "t1", board.StatusQueued, board.CategoryFeature)
	tk.Plan = "1. Finish the widget"
	if err := f.store.SetTicketPlan("t1", tk.Plan); err != nil {
		t.Fatal(err)
	}
	job := &board.ExecutionJob{ID: "j1", TicketID: "t1", Phase: board.PhaseExecute, Status: board.JobPending}
	if err := f.store.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	start(t, f.orch)
	waitForStatus(t, f.store, "t1", board.StatusCompleted)

	if got := f.runner.runCount(); got != 1 {
		t.Errorf("requeued execute job should run once, got %d", got)
	}
}

func TestApprovePlanQueuesExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{TestCommand: "run-tests"})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.store, "t1", board.StatusPlanReview)

	if err := f.orch.ApprovePlan("t1", "1. Revised step"); err != nil {
		t.Fatalf("ApprovePlan: %v", err)
	}
	waitForStatus(t, f.store, "t1", board.StatusCompleted)

	tk, _ := f.store.GetTicket("t1")
	if tk.Plan != "1. Revised step" {
		t.Errorf("edited plan not stored, got %q", tk.Plan)
	}

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	if !containsString(f.runner.runs[1].Prompt, "1. Revised step") {
		t.Error("execute prompt should carry the edited plan")
	}
}

func TestApprovePlanRejectsWrongStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)

	if err := f.orch.ApprovePlan("t1", ""); err == nil {
		t.Error("approving a backlog ticket should fail")
	}
}

func TestWorkspaceReusedAcrossRetries(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxRetries = 2 })
	f.addProject(t, board.Settings{AutoExecuteAfterPlan: true, TestCommand: "run-tests"})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	f.orch.runCommand = func(ctx context.Context, dir, command string) ([]byte, error) {
		return []byte("FAIL"), errors.New("exit status 1")
	}
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.store, "t1", board.StatusFailed)

	f.ws.mu.Lock()
	defer f.ws.mu.Unlock()
	if len(f.ws.created) != 1 {
		t.Errorf("workspace created %d times, want 1 (reused across fix attempts)", len(f.ws.created))
	}
}

func TestMergeCompletedTicket(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	tk := f.addTicket(t, "t1", board.StatusCompleted, board.CategoryFeature)
	tk.Branch = "ticket/t1-add-widget"
	if err := f.store.SetTicketWorkspace("t1", tk.Branch, "/tmp/ws/t1"); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Merge("t1"); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got, _ := f.store.GetTicket("t1")
	if got.Status != board.StatusMerged {
		t.Errorf("status = %s, want merged", got.Status)
	}
	f.ws.mu.Lock()
	defer f.ws.mu.Unlock()
	if len(f.ws.merged) != 1 || f.ws.merged[0] != "ticket/t1-add-widget" {
		t.Errorf("merged branches = %v", f.ws.merged)
	}

	if err := f.orch.Merge("t1"); err == nil {
		t.Error("merging a merged ticket should fail")
	}
}

func TestStatusEventsAreRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.addProject(t, board.Settings{})
	f.addTicket(t, "t1", board.StatusBacklog, board.CategoryFeature)
	start(t, f.orch)

	if err := f.orch.EnqueuePlan("t1"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, f.store, "t1", board.StatusPlanReview)

	events, _ := f.store.ListEvents("t1")
	if len(events) < 2 {
		t.Fatalf("expected status events for planning and plan_review, got %d", len(events))
	}
	for _, e := range events {
		if e.Type != "status_changed" {
			t.Errorf("unexpected event type %q", e.Type)
		}
	}
}

func containsString(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
