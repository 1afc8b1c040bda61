package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentd"
	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/config"
	"github.com/aixgo-dev/agentd/pkg/observability"
)

// maxStdinPrompt bounds a prompt read from standard input.
const maxStdinPrompt = 1 << 20

var errRunFailed = errors.New("run failed")

// app holds the state shared by every subcommand after flag parsing.
type app struct {
	configPath string
	envFile    string
	service    *config.Service
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "Run LLM agents once, interactively, autonomously or as a daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("AGENTD_CONFIG"), "service config file (TOML)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "load environment variables from this file (default .env when present)")

	root.AddCommand(
		a.runCmd(),
		a.chatCmd(),
		a.autoCmd(),
		a.daemonCmd(),
		a.validateCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	svc, err := config.LoadService(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.service = svc

	logger, err := observability.SetupLogging(cmd.ErrOrStderr(), svc.Log.Level, svc.Log.Format)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

// runtime builds the runtime for ag. The caller closes it.
func (a *app) runtime(ag *agent.Agent) (*agentd.Runtime, error) {
	return agentd.New(a.service,
		agentd.WithLogger(a.logger),
		agentd.WithSecrets(config.DefinitionSecrets(ag)...),
		agentd.WithVersion(version),
	)
}

func (a *app) runCmd() *cobra.Command {
	var role, prompt string
	cmd := &cobra.Command{
		Use:   "run <agent.yaml>",
		Short: "Execute one prompt and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ag, err := config.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			if prompt == "" {
				prompt, err = readPrompt(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			rt, err := a.runtime(ag)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.RunOnce(cmd.Context(), ag, role, prompt)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%w: %s", errRunFailed, res.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "", "role to run (default: first role)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt text (default: read standard input)")
	return cmd
}

func (a *app) chatCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "chat <agent.yaml>",
		Short: "Talk to an agent interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ag, err := config.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			rt, err := a.runtime(ag)
			if err != nil {
				return err
			}
			defer rt.Close()

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)
			historyPath := chatHistoryPath()
			if f, err := os.Open(historyPath); err == nil {
				_, _ = line.ReadHistory(f)
				f.Close()
			}
			defer saveHistory(line, historyPath, a.logger)

			out := cmd.OutOrStdout()
			color.New(color.FgCyan).Fprintf(out, "Chatting with %s. %s clears the conversation, %s leaves.\n",
				ag.Name, agentd.CommandReset, agentd.CommandExit)
			return rt.Chat(cmd.Context(), ag, role, line, out)
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "", "role to run (default: first role)")
	return cmd
}

func (a *app) autoCmd() *cobra.Command {
	var role, prompt string
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "auto <agent.yaml>",
		Short: "Run an agent autonomously until it finishes or hits a guardrail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ag, err := config.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			rt, err := a.runtime(ag)
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.RunAutonomous(cmd.Context(), ag, role, prompt, maxIterations)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			status := color.New(color.FgGreen)
			if state.Error != "" {
				status = color.New(color.FgYellow)
			}
			status.Fprintf(out, "%s", state.FinalStatus)
			fmt.Fprintf(out, " after %d iterations, %d tokens, %s\n", state.IterationCount, state.TotalTokens, state.Duration.Round(time.Millisecond))
			if state.FinalResult != nil && state.FinalResult.Output != "" {
				fmt.Fprintln(out, state.FinalResult.Output)
			}
			if state.Error != "" {
				return fmt.Errorf("%w: %s", errRunFailed, state.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "", "role to run (default: first role)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "task for the agent")
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "override the role's max_iterations")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func (a *app) daemonCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "daemon <agent.yaml>",
		Short: "Run an agent role's triggers until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ag, err := config.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			r, err := ag.Role(role)
			if err != nil {
				return err
			}
			rt, err := a.runtime(ag)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			for _, tc := range r.Triggers {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintln(out, tc.Describe())
			}
			if a.service.Metrics.Addr != "" {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintf(out, "metrics and health on %s\n", a.service.Metrics.Addr)
			}
			return rt.RunDaemon(cmd.Context(), ag, r.Name)
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", "", "role to run (default: first role)")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <agent.yaml>",
		Short: "Check an agent definition and summarize its triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ag, err := config.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			printDefinition(cmd.OutOrStdout(), ag)
			return nil
		},
	}
}

func printDefinition(w io.Writer, ag *agent.Agent) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Fprint(w, "✓ ")
	fmt.Fprintf(w, "%s (model %s, max_sessions %d)\n", ag.Name, ag.Model, ag.Memory.MaxSessions)
	for _, r := range ag.Roles {
		cyan.Fprintf(w, "  role %s", r.Name)
		fmt.Fprintf(w, ": max_iterations=%d%s\n", r.Guardrails.MaxIterations, describeBudgets(r.Guardrails))
		for _, tc := range r.Triggers {
			fmt.Fprintf(w, "    - %s\n", tc.Describe())
		}
	}
}

func describeBudgets(g agent.Guardrails) string {
	var parts []string
	add := func(name string, v *int64) {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%d", name, *v))
		}
	}
	add("autonomous_token_budget", g.AutonomousTokenBudget)
	add("daemon_token_budget", g.DaemonTokenBudget)
	add("daemon_daily_token_budget", g.DaemonDailyTokenBudget)
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

func readPrompt(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxStdinPrompt))
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt: pass --prompt or pipe one on standard input")
	}
	return prompt, nil
}

func chatHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentd_history"
	}
	return filepath.Join(home, ".agentd", "chat_history")
}

func saveHistory(line *liner.State, path string, logger *slog.Logger) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		logger.Debug("chat history not saved", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		logger.Debug("chat history not saved", "error", err)
		return
	}
	defer f.Close()
	if _, err := line.WriteHistory(f); err != nil {
		logger.Debug("chat history not saved", "error", err)
	}
}
