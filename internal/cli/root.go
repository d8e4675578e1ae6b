// Package cli implements the assessctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashureev/assessment-agent/internal/app"
	"github.com/ashureev/assessment-agent/internal/config"
	"github.com/ashureev/assessment-agent/internal/store"
)

type rootOptions struct {
	storeBackend string
	dbPath       string
	badgerDir    string
	bankPath     string
	format       string
	verbose      bool
}

// NewRootCmd builds the assessctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "assessctl",
		Short:         "Operate the assessment session store",
		Long:          "Inspect and maintain assessment sessions: schema setup, session dumps, retention sweeps and the framework catalog.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.storeBackend, "store", "", "Store backend: sqlite or badger (default: $STORE_BACKEND)")
	f.StringVarP(&opts.dbPath, "db", "d", "", "SQLite database path (default: $DB_PATH)")
	f.StringVar(&opts.badgerDir, "badger-dir", "", "Badger directory (default: $BADGER_DIR)")
	f.StringVar(&opts.bankPath, "bank", "", "Fallback bank YAML (default: $FALLBACK_BANK_PATH or embedded)")
	f.StringVarP(&opts.format, "format", "f", "text", "Output format: json or text")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")

	root.AddCommand(
		newSetupCmd(opts),
		newShowCmd(opts),
		newPruneCmd(opts),
		newAbandonIdleCmd(opts),
		newFrameworksCmd(opts),
	)
	return root
}

// config loads the environment configuration and applies flag overrides.
func (o *rootOptions) config() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.storeBackend != "" {
		cfg.Store.Backend = o.storeBackend
	}
	if o.dbPath != "" {
		cfg.Store.DBPath = o.dbPath
	}
	if o.badgerDir != "" {
		cfg.Store.BadgerDir = o.badgerDir
	}
	if o.bankPath != "" {
		cfg.FallbackBankPath = o.bankPath
	}
	// The CLI never talks to the generator or writes transcripts.
	cfg.Generation.Backend = config.GenerationNone
	cfg.Transcript.Enabled = false
	cfg.Transcript.GlobalEnabled = false
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	if !o.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (o *rootOptions) openStore(ctx context.Context) (store.Repository, *config.Config, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, nil, err
	}
	repo, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return repo, cfg, nil
}

// emit writes v as indented JSON, or calls text when the text format is selected.
func (o *rootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.format == "json" {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	text(w)
	return nil
}
