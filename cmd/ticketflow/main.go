package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"ticketflow"
	"ticketflow/agent"
	"ticketflow/board"
	"ticketflow/git"
	"ticketflow/internal/db"
	"ticketflow/prompt"
	"ticketflow/tail"
)

var (
	configPath string
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "ticketflow",
	Short: "Ticket-driven coding agent pipeline",
	Long: `ticketflow drives project tickets through planning, review, and agent
execution inside isolated git worktrees. Each ticket gets a plan from the
coding agent, waits for human approval (unless auto-execute is on), then runs
to a committed branch with tests passing.`,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ticketflow.yml", "config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(workspacesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// build wires the orchestrator and its store from the config file.
func build() (*ticketflow.Orchestrator, *db.DB, error) {
	cfg, err := ticketflow.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RepoRoot == "" {
		cfg.RepoRoot, err = os.Getwd()
		if err != nil {
			return nil, nil, err
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	workspaceRoot := cfg.WorkspaceDir
	if !filepath.IsAbs(workspaceRoot) {
		workspaceRoot = filepath.Join(cfg.RepoRoot, workspaceRoot)
	}
	manager := git.NewManager(cfg.RepoRoot, workspaceRoot, cfg.DefaultBranch)
	if err := manager.CheckVersion(); err != nil {
		database.Close()
		return nil, nil, err
	}

	orch := ticketflow.New(
		cfg,
		db.NewStore(database),
		agent.NewRunner(logger),
		manager,
		tail.New(logger),
		prompt.NewRenderer(cfg.TemplateDir),
		ticketflow.NewBus(),
		logger,
	)
	return orch, database, nil
}

// withOrchestrator runs fn against a fully wired orchestrator and closes the
// database afterwards.
func withOrchestrator(fn func(*ticketflow.Orchestrator) error) error {
	orch, database, err := build()
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(orch)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				orch.Bus().Subscribe(func(ev ticketflow.Event) {
					switch ev.Type {
					case ticketflow.EventTicketStatus:
						fmt.Printf("[%s] ticket %s -> %s\n", ev.Time.Format("15:04:05"), ev.TicketID, ev.Status)
					case ticketflow.EventJobFailed:
						fmt.Printf("[%s] ticket %s failed: %s\n", ev.Time.Format("15:04:05"), ev.TicketID, ev.Error)
					}
				})

				if err := orch.Start(ctx); err != nil {
					return err
				}
				fmt.Println("orchestrator running, ctrl-c to stop")
				<-ctx.Done()
				orch.Stop()
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectAddCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectSetCmd())
	return prj
}

func projectSetCmd() *cobra.Command {
	var (
		maxParallel int
		autoExecute bool
		testCmd     string
		buildCmd    string
		lintCmd     string
		agentBinary string
		category    string
	)
	cmd := &cobra.Command{
		Use:   "set <project-id>",
		Short: "Update a project's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				p, err := orch.Store().GetProject(args[0])
				if err != nil {
					return err
				}
				s := p.Settings
				if cmd.Flags().Changed("max-parallel") {
					s.MaxParallelJobs = maxParallel
				}
				if cmd.Flags().Changed("auto-execute") {
					s.AutoExecuteAfterPlan = autoExecute
				}
				if cmd.Flags().Changed("test-command") {
					s.TestCommand = testCmd
				}
				if cmd.Flags().Changed("build-command") {
					s.BuildCommand = buildCmd
				}
				if cmd.Flags().Changed("lint-command") {
					s.LintCommand = lintCmd
				}
				if cmd.Flags().Changed("agent-binary") {
					s.AgentBinary = agentBinary
				}
				if cmd.Flags().Changed("category") {
					s.DefaultCategory = board.Category(category)
				}
				return orch.Store().UpdateProjectSettings(args[0], s)
			})
		},
	}
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "max concurrent jobs for this project")
	cmd.Flags().BoolVar(&autoExecute, "auto-execute", false, "skip plan review and execute immediately")
	cmd.Flags().StringVar(&testCmd, "test-command", "", "test command run after each agent attempt")
	cmd.Flags().StringVar(&buildCmd, "build-command", "", "build command referenced in prompts")
	cmd.Flags().StringVar(&lintCmd, "lint-command", "", "lint command run after tests pass")
	cmd.Flags().StringVar(&agentBinary, "agent-binary", "", "agent binary override for this project")
	cmd.Flags().StringVar(&category, "category", "", "default ticket category")
	return cmd
}

func projectAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <repo-path>",
		Short: "Register a repository as a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				if name == "" {
					name = filepath.Base(args[0])
				}
				p, err := orch.CreateProject(name, args[0])
				if err != nil {
					return err
				}
				return printResult(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to directory name)")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				projects, err := orch.Store().ListProjects()
				if err != nil {
					return err
				}
				if jsonOut {
					return printResult(projects)
				}
				for _, p := range projects {
					fmt.Printf("%s  %s  %s\n", p.ID, p.Name, p.RepoPath)
				}
				return nil
			})
		},
	}
}

func ticketCmd() *cobra.Command {
	tk := &cobra.Command{Use: "ticket", Short: "Manage tickets"}
	tk.AddCommand(ticketAddCmd())
	tk.AddCommand(ticketListCmd())
	tk.AddCommand(ticketDeleteCmd())
	return tk
}

func ticketAddCmd() *cobra.Command {
	var projectID, description, category string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a ticket in the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				t, err := orch.CreateTicket(projectID, args[0], description, board.Category(category))
				if err != nil {
					return err
				}
				return printResult(t)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&description, "description", "", "ticket description")
	cmd.Flags().StringVar(&category, "category", "", "feature, bugfix, refactor, chore, or research")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				tickets, err := orch.Store().ListTickets(projectID)
				if err != nil {
					return err
				}
				if jsonOut {
					return printResult(tickets)
				}
				for _, t := range tickets {
					fmt.Printf("%s  %-12s  %-9s  %s\n", t.ID, t.Status, t.Category, t.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func ticketDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ticket-id>",
		Short: "Delete a ticket and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				return orch.DeleteTicket(args[0])
			})
		},
	}
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <ticket-id>",
		Short: "Queue the planning phase for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				return orch.EnqueuePlan(args[0])
			})
		},
	}
}

func approveCmd() *cobra.Command {
	var planFile string
	cmd := &cobra.Command{
		Use:   "approve <ticket-id>",
		Short: "Approve a reviewed plan and queue execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				var edited string
				if planFile != "" {
					data, err := os.ReadFile(planFile)
					if err != nil {
						return err
					}
					edited = string(data)
				}
				return orch.ApprovePlan(args[0], edited)
			})
		},
	}
	cmd.Flags().StringVar(&planFile, "plan-file", "", "replace the plan with this file's contents")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <ticket-id>",
		Short: "Cancel a queued or running ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				return orch.Cancel(args[0])
			})
		},
	}
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <ticket-id>",
		Short: "Merge a completed ticket's branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				return orch.Merge(args[0])
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <ticket-id>",
		Short: "Show a ticket with its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				t, err := orch.Store().GetTicket(args[0])
				if err != nil {
					return err
				}
				jobs, err := orch.Store().ListJobs(args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return printResult(map[string]any{"ticket": t, "jobs": jobs})
				}
				fmt.Printf("%s  %s\n", t.ID, t.Title)
				fmt.Printf("  status: %s  category: %s\n", t.Status, t.Category)
				if t.Branch != "" {
					fmt.Printf("  branch: %s\n", t.Branch)
				}
				if t.ErrorSummary != "" {
					fmt.Printf("  error: %s\n", t.ErrorSummary)
				}
				for _, j := range jobs {
					fmt.Printf("  job %s  %-7s  %-9s  exit=%d  retries=%d\n", j.ID, j.Phase, j.Status, j.ExitCode, j.RetryCount)
				}
				events, err := orch.Store().ListEvents(args[0])
				if err != nil {
					return err
				}
				for _, ev := range events {
					fmt.Printf("  %s  %s  %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Type, ev.Payload)
				}
				return nil
			})
		},
	}
}

func logsCmd() *cobra.Command {
	var jobID string
	var showStats bool
	cmd := &cobra.Command{
		Use:   "logs <ticket-id>",
		Short: "Show the tail of a ticket's latest job log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(orch *ticketflow.Orchestrator) error {
				jobs, err := orch.Store().ListJobs(args[0])
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					return fmt.Errorf("ticket %s has no jobs", args[0])
				}
				job := jobs[len(jobs)-1]
				if jobID != "" {
					found := false
					for _, j := range jobs {
						if j.ID == jobID {
							job = j
							found = true
						}
					}
					if !found {
						return fmt.Errorf("job %s not found on ticket %s", jobID, args[0])
					}
				}
				if showStats {
					stats, err := tail.GetStats(job.LogPath, job.ExitCode)
					if err != nil {
						return err
					}
					return printResult(stats)
				}
				history, err := tail.History(job.LogPath)
				if err != nil {
					return err
				}
				fmt.Print(history)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "show a specific job's log")
	cmd.Flags().BoolVar(&showStats, "stats", false, "show derived log stats instead of content")
	return cmd
}

func workspacesCmd() *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "List ticket workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ticketflow.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.RepoRoot == "" {
				cfg.RepoRoot, err = os.Getwd()
				if err != nil {
					return err
				}
			}
			workspaceRoot := cfg.WorkspaceDir
			if !filepath.IsAbs(workspaceRoot) {
				workspaceRoot = filepath.Join(cfg.RepoRoot, workspaceRoot)
			}
			manager := git.NewManager(cfg.RepoRoot, workspaceRoot, cfg.DefaultBranch)
			if prune {
				if err := manager.Prune(); err != nil {
					return err
				}
			}
			workspaces, err := manager.List()
			if err != nil {
				return err
			}
			if jsonOut {
				return printResult(workspaces)
			}
			for _, w := range workspaces {
				locked := ""
				if w.Locked {
					locked = "  [locked]"
				}
				fmt.Printf("%s  %s  %s%s\n", w.TicketID, w.Branch, w.Path, locked)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "prune stale worktree records first")
	return cmd
}

func printResult(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
