package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/acme/lead-call-orchestrator/internal/app"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/repository/sqlstore"
)

// NewMigrateCommand applies the SQL schema and optional store schemas.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd.Context(), opts, func(c *app.Container) error {
				if err := sqlstore.Migrate(cmd.Context(), c.SQL.DB()); err != nil {
					return err
				}
				if err := c.EnsureSchema(cmd.Context()); err != nil {
					return err
				}
				if err := c.EnsureTopics(cmd.Context()); err != nil {
					return err
				}
				result := map[string]string{"driver": c.Config.Database.Driver, "status": "migrated"}
				return emit(cmd.OutOrStdout(), opts, result, func(w io.Writer) {
					fmt.Fprintf(w, "schema up to date (%s)\n", c.Config.Database.Driver)
				})
			})
		},
	}
}

// NewReconcileCommand fails attempts left active by a crashed process.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail call attempts interrupted by a restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd.Context(), opts, func(c *app.Container) error {
				n, err := c.Services().Orchestrator.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, map[string]int{"reconciled": n}, func(w io.Writer) {
					fmt.Fprintf(w, "reconciled %d interrupted attempt(s)\n", n)
				})
			})
		},
	}
}

// NewScrapeCommand runs one discovery job in the foreground.
func NewScrapeCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Discover new leads and store them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd.Context(), opts, func(c *app.Container) error {
				job := queue.ScrapeJob{JobID: uuid.New(), Limit: limit, RequestedAt: time.Now().UTC()}
				res, err := c.Services().Scrape.Run(cmd.Context(), job)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
					fmt.Fprintf(w, "source %s: discovered %d, inserted %d, duplicates %d, invalid %d\n",
						res.Source, res.Discovered, res.Inserted, res.Duplicates, res.Invalid)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum leads to discover (0 uses scrape.default_limit)")
	return cmd
}
