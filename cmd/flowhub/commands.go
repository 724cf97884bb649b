package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowhub/internal/definitions"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/internal/validation"
	"github.com/rendis/flowhub/pkg/mcp"
	"github.com/rendis/flowhub/pkg/schema"
)

// errInvalidDefinition makes validate exit 1 after printing the issues.
var errInvalidDefinition = errors.New("definition is invalid")

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load(os.Stderr)
			if err != nil {
				return err
			}
			s, err := store.NewLibSQLStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			ctx := cmd.Context()
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			v, err := s.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			logger.Info("database migrated", slog.String("db", cfg.DBPath), slog.Int("schema_version", v))
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML or JSON workflow definition offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return validateDefinition(cmd.OutOrStdout(), data, filepath.Ext(args[0]))
		},
	}
}

// validateDefinition prints every issue of the document. Agent existence is
// not checked offline.
func validateDefinition(w io.Writer, data []byte, hint string) error {
	def, err := definitions.Parse(data, hint)
	if err != nil {
		var de *schema.DefinitionError
		if errors.As(err, &de) {
			printIssues(w, de.Issues, de.Warnings)
			return errInvalidDefinition
		}
		return err
	}
	validator, err := validation.NewWorkflowValidator(nil)
	if err != nil {
		return err
	}
	result := validator.Validate(def)
	printIssues(w, result.Errors, result.Warnings)
	if !result.Valid() {
		return errInvalidDefinition
	}
	fmt.Fprintf(w, "ok: %s (%d steps) on %s\n", def.Name, len(def.Steps), def.Trigger.Subject)
	return nil
}

func printIssues(w io.Writer, errs, warnings []schema.ValidationIssue) {
	for _, i := range errs {
		fmt.Fprintf(w, "error   %-20s %s: %s\n", i.Code, i.Path, i.Message)
	}
	for _, i := range warnings {
		fmt.Fprintf(w, "warning %-20s %s: %s\n", i.Code, i.Path, i.Message)
	}
}

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the flowhub tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the protocol; logs go to stderr.
			cfg, logger, err := c.load(os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveMCP(ctx, cfg, logger)
		},
	}
}

func serveMCP(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}

	notifier := mcp.NewNotifier(a.mcp.MCPServer(), a.sessions, a.bus, cfg.HubPrefix, logger.With(slog.String("component", "mcp")))
	go func() {
		if err := notifier.Run(ctx); err != nil {
			logger.Warn("mcp notifier stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("mcp stdio server started", slog.String("version", version))
	err = a.mcp.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
