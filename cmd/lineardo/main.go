// Package main provides the CLI entrypoint for lineardo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/lineardo/internal/command"
	"github.com/JohanCodinha/lineardo/internal/config"
	"github.com/JohanCodinha/lineardo/internal/coordinator"
	"github.com/JohanCodinha/lineardo/internal/host"
	"github.com/JohanCodinha/lineardo/internal/linear"
	"github.com/JohanCodinha/lineardo/internal/logger"
	"github.com/JohanCodinha/lineardo/internal/store"
)

var (
	flagConfig   string
	flagLogLevel string
	flagAccount  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lineardo",
	Short: "Synchronize Linear issues with local todo lists",
	Long: `lineardo polls Linear and mirrors each configured team's issues as a
local todo list, mapping the team's workflow states onto open, completed,
and removed. Local edits are pushed back to Linear.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; a missing file is not an error.
		godotenv.Load()

		if flagLogLevel != "" {
			level, err := logger.ParseLevel(flagLogLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(level)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the synchronization daemon",
	Long: `Start one polling loop per configured account and keep the local todo
lists converged with Linear until interrupted.`,
	RunE: runSync,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a Linear issue",
	Long: `Create an issue with named team, state, label, and assignee references.
Exactly one of --team-id and --team is required; every reference is
validated against the team's metadata before anything is created.`,
	RunE: runCreate,
}

var teamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "List the teams visible to an account",
	RunE:  runTeams,
}

var statesCmd = &cobra.Command{
	Use:   "states <team-id>",
	Short: "List a team's workflow states",
	Args:  cobra.ExactArgs(1),
	RunE:  runStates,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-team sync health",
	RunE:  runStatus,
}

var (
	flagOnce bool

	createTeamID   string
	createTeamKey  string
	createTitle    string
	createDesc     string
	createDue      string
	createAssignee string
	createLabels   []string
	createState    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.config/lineardo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagAccount, "account", "", "account name (required when multiple accounts are configured)")

	syncCmd.Flags().BoolVar(&flagOnce, "once", false, "run a single reconciliation cycle and exit")

	createCmd.Flags().StringVar(&createTeamID, "team-id", "", "team id")
	createCmd.Flags().StringVar(&createTeamKey, "team", "", "team key (e.g. ENG)")
	createCmd.Flags().StringVar(&createTitle, "title", "", "issue title (required)")
	createCmd.Flags().StringVar(&createDesc, "description", "", "issue description")
	createCmd.Flags().StringVar(&createDue, "due", "", "due date (YYYY-MM-DD)")
	createCmd.Flags().StringVar(&createAssignee, "assignee", "", "assignee email")
	createCmd.Flags().StringArrayVar(&createLabels, "label", nil, "label name (repeatable)")
	createCmd.Flags().StringVar(&createState, "state", "", "workflow state name or id")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(teamsCmd)
	rootCmd.AddCommand(statesCmd)
	rootCmd.AddCommand(statusCmd)
}

func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "lineardo", "config.yaml"), nil
}

func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			return nil, err
		}
	}
	if flagLogLevel == "" && cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return store.InitDB(cfg.Database)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var coords []*coordinator.Coordinator
	for _, acct := range cfg.Accounts {
		client := linear.New(acct.APIToken)
		if err := client.ValidateToken(ctx); err != nil {
			return fmt.Errorf("account %s: %w", acct.Name, err)
		}

		applier, err := host.NewMarkdownDir(filepath.Join(cfg.TodoDir, acct.Name), acct.Teams)
		if err != nil {
			return fmt.Errorf("account %s: %w", acct.Name, err)
		}

		coord, err := coordinator.New(acct, client, db, applier, coordinator.Options{Interval: acct.Interval})
		if err != nil {
			return fmt.Errorf("account %s: %w", acct.Name, err)
		}

		// Seed the markdown files from the persisted snapshots so the lists
		// are populated before the first poll finishes.
		for _, team := range acct.Teams {
			snap, err := db.LoadSnapshot(acct.Name, team.ID)
			if err != nil {
				return fmt.Errorf("account %s: %w", acct.Name, err)
			}
			if err := applier.Seed(team.ID, snap); err != nil {
				return fmt.Errorf("account %s: %w", acct.Name, err)
			}
		}

		if flagOnce {
			if err := coord.RefreshOnce(ctx); err != nil {
				logger.Error("account %s: refresh failed: %v", acct.Name, err)
			}
			continue
		}

		coord.Start(ctx)
		coords = append(coords, coord)
		logger.Info("account %s: polling every %s (%d teams)", acct.Name, acct.Interval, len(acct.Teams))
	}

	if flagOnce {
		return nil
	}

	<-ctx.Done()
	logger.Info("shutting down...")
	for _, coord := range coords {
		coord.Stop()
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	acct, err := cfg.Account(flagAccount)
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client := linear.New(acct.APIToken)
	applier, err := host.NewMarkdownDir(filepath.Join(cfg.TodoDir, acct.Name), acct.Teams)
	if err != nil {
		return err
	}
	coord, err := coordinator.New(*acct, client, db, applier, coordinator.Options{Interval: acct.Interval})
	if err != nil {
		return err
	}

	dispatcher := command.New(client, coord, acct.Interval)
	issue, err := dispatcher.Create(cmd.Context(), command.CreateIssue{
		TeamID:        createTeamID,
		TeamKey:       createTeamKey,
		Title:         createTitle,
		Description:   createDesc,
		DueDate:       createDue,
		AssigneeEmail: createAssignee,
		LabelNames:    createLabels,
		State:         createState,
	})
	if err != nil {
		return err
	}

	fmt.Printf("created %s\n", issue.URL)
	return nil
}

func runTeams(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	acct, err := cfg.Account(flagAccount)
	if err != nil {
		return err
	}

	client := linear.New(acct.APIToken)
	teams, err := client.Teams(cmd.Context())
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Key", "Name", "Synced"})
	for _, team := range teams {
		synced := ""
		if _, ok := acct.Team(team.ID); ok {
			synced = "yes"
		}
		t.AppendRow(table.Row{team.ID, team.Key, team.Name, synced})
	}
	t.Render()
	return nil
}

func runStates(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	acct, err := cfg.Account(flagAccount)
	if err != nil {
		return err
	}

	teamID := args[0]
	client := linear.New(acct.APIToken)
	meta, err := client.TeamMeta(cmd.Context(), teamID)
	if err != nil {
		return err
	}

	teamCfg, configured := acct.Team(teamID)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Name", "Type", "Mapped To"})
	for _, s := range meta.States {
		bucket := ""
		if configured {
			status, mapped := localBucket(s.ID, teamCfg.TodoStateIDs, teamCfg.CompletedStateID, teamCfg.RemovedStateID)
			if mapped {
				bucket = status
			}
		}
		t.AppendRow(table.Row{s.ID, s.Name, s.Type, bucket})
	}
	t.Render()
	return nil
}

func localBucket(stateID string, todo []string, completed, removed string) (string, bool) {
	switch stateID {
	case completed:
		return "completed", true
	case removed:
		return "removed", true
	}
	for _, id := range todo {
		if id == stateID {
			return "todo", true
		}
	}
	return "", false
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := db.SyncStates()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no teams have synced yet")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Account", "Team", "Last Sync", "Health"})
	for _, s := range states {
		lastSync := "never"
		if !s.LastSyncedAt.IsZero() {
			lastSync = humanize.Time(s.LastSyncedAt)
		}
		health := "ok"
		if !s.Healthy {
			health = "degraded"
			if s.LastError != "" {
				health = fmt.Sprintf("degraded: %s", truncate(s.LastError, 60))
			}
		}
		t.AppendRow(table.Row{s.Account, s.Team, lastSync, health})
	}
	t.Render()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
