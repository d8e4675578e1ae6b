package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/assessment-agent/internal/app"
	"github.com/ashureev/assessment-agent/internal/fallback"
	"github.com/ashureev/assessment-agent/internal/retention"
	"github.com/ashureev/assessment-agent/internal/store"
)

func newSetupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create or migrate the session store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, cfg, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			result := map[string]string{"status": "ready", "backend": cfg.Store.Backend}
			return opts.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "%s store ready\n", cfg.Store.Backend)
			})
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a stored session, including diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			s, err := repo.Load(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("session %s not found", args[0])
			}
			if err != nil {
				return err
			}

			return opts.emit(cmd.OutOrStdout(), s, func(w io.Writer) {
				fmt.Fprintf(w, "session:   %s\n", s.SessionID)
				fmt.Fprintf(w, "framework: %s\n", s.FrameworkID)
				fmt.Fprintf(w, "phase:     %s\n", s.Phase)
				fmt.Fprintf(w, "version:   %d\n", s.Version)
				fmt.Fprintf(w, "answered:  %d/%d\n", s.QuestionsAnsweredCount, len(s.QuestionsAsked))
				fmt.Fprintf(w, "updated:   %s\n", s.LastUpdatedAt.Format(time.RFC3339))
				if s.LastError != nil {
					fmt.Fprintf(w, "error:     %s (%s, incident %s)\n", s.LastError.Reason, s.LastError.Phase, s.LastError.IncidentID)
				}
				for _, q := range s.QuestionsAsked {
					mark := " "
					if q.IsAnswered() {
						mark = "x"
					}
					fmt.Fprintf(w, "  [%s] %d (%s) %s\n", mark, q.QuestionID, q.Source, q.Text)
				}
				for _, d := range s.Diagnostics {
					fmt.Fprintf(w, "  ! %s %s level=%d %s\n", d.At.Format(time.RFC3339), d.Kind, d.Level, d.Detail)
				}
			})
		},
	}
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed and abandoned sessions past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, cfg, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			window := cfg.Session.Retention
			if cmd.Flags().Changed("older-than") {
				window = olderThan
			}
			if window <= 0 {
				return errors.New("retention window must be > 0")
			}

			deleted, err := repo.DeleteClosedBefore(cmd.Context(), time.Now().UTC().Add(-window))
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]int64{"deleted": deleted}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %d sessions\n", deleted)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention window (default: $SESSION_RETENTION)")
	return cmd
}

func newAbandonIdleCmd(opts *rootOptions) *cobra.Command {
	var idle time.Duration
	cmd := &cobra.Command{
		Use:   "abandon-idle",
		Short: "Abandon open sessions with no activity for the idle window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			window := cfg.Session.IdleTTL
			if cmd.Flags().Changed("idle") {
				window = idle
			}
			if window <= 0 {
				return errors.New("idle window must be > 0")
			}

			a, err := app.New(cmd.Context(), cfg, opts.logger(cmd), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res := retention.New(retention.Config{IdleTTL: window}, a.Store, a.Orchestrator,
				retention.WithLogger(opts.logger(cmd))).Sweep(cmd.Context())
			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "abandoned %d sessions, skipped %d\n", res.Abandoned, res.Skipped)
			})
		},
	}
	cmd.Flags().DurationVar(&idle, "idle", 0, "Idle window (default: $SESSION_IDLE_TTL)")
	return cmd
}

func newFrameworksCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "frameworks",
		Short: "List the framework catalog and fallback bank sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			bank, err := fallback.Load(cfg.FallbackBankPath)
			if err != nil {
				return err
			}

			type row struct {
				ID                string `json:"id"`
				Name              string `json:"name"`
				ExpectedQuestions int    `json:"expected_questions"`
				FallbackQuestions int    `json:"fallback_questions"`
			}
			var rows []row
			for _, fw := range bank.Frameworks() {
				rows = append(rows, row{fw.ID, fw.Name, fw.ExpectedQuestions, len(fw.Questions)})
			}
			return opts.emit(cmd.OutOrStdout(), rows, func(w io.Writer) {
				for _, r := range rows {
					fmt.Fprintf(w, "%-16s expected=%d fallback=%d  %s\n", r.ID, r.ExpectedQuestions, r.FallbackQuestions, r.Name)
				}
			})
		},
	}
}
