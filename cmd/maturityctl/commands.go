package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/aimaturity/internal/app"
	"github.com/soaringjerry/aimaturity/internal/seed"
	"github.com/soaringjerry/aimaturity/internal/services"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Opens the configured store, applying pending SQL migrations (sqlite) or
auto-migrating the schema (postgres). A new sqlite database imports the
memory store snapshot named by snapshot_path when one exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Store.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "schema up to date (%s)\n", a.Config.StoreDriver)
				return nil
			})
		},
	}
}

func (c *cli) seedCmd() *cobra.Command {
	var (
		file    string
		publish bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import a questionnaire definition",
		Long: `Without --file, publishes the built-in reference questionnaire when the
store holds no versions. With --file, imports the YAML definition as a new
draft and publishes it when --publish is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				q := a.Services.Questionnaires
				if file == "" {
					return seed.Apply(ctx, q)
				}
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				def, err := services.ParseDefinition(data)
				if err != nil {
					return err
				}
				v, err := q.Import(ctx, def)
				if err != nil {
					return err
				}
				if publish {
					if v, err = q.Publish(ctx, v.ID); err != nil {
						return err
					}
				}
				fmt.Fprintf(c.out, "imported v%d (%s) id=%s\n", v.VersionNumber, v.Status, v.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML questionnaire definition")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish the imported version")
	return cmd
}

func (c *cli) versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List questionnaire versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Services.Questionnaires.ListVersions(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tSTATUS\tAREAS\tASSESSMENTS\tID")
				for _, v := range list {
					fmt.Fprintf(tw, "v%d\t%s\t%d\t%d\t%s\n", v.VersionNumber, v.Status, v.AreaCount, v.AssessmentCount, v.ID)
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <version-id>",
		Short: "Check that area weights sum to 1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				check, err := a.Services.Questionnaires.ValidateWeights(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "total weight %.4f\n", check.Total)
				if !check.Valid {
					return fmt.Errorf("invalid weights: %s", check.Error)
				}
				fmt.Fprintln(c.out, "weights valid")
				return nil
			})
		},
	}
}

func (c *cli) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <version-id>",
		Short: "Publish a draft version, archiving the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				v, err := a.Services.Questionnaires.Publish(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "published v%d\n", v.VersionNumber)
				return nil
			})
		},
	}
}

func (c *cli) archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <version-id>",
		Short: "Archive the published version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				v, err := a.Services.Questionnaires.Archive(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "archived v%d\n", v.VersionNumber)
				return nil
			})
		},
	}
}

func (c *cli) cloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clone <version-id>",
		Short: "Copy a version into a new draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				v, err := a.Services.Questionnaires.Clone(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "created draft v%d id=%s\n", v.VersionNumber, v.ID)
				return nil
			})
		},
	}
}

// writeOutput writes data to path, or to the command output when path is
// empty.
func (c *cli) writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := c.out.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %s (%d bytes)\n", path, len(data))
	return nil
}

func (c *cli) exportVersionCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export-version <version-id>",
		Short: "Write a version as a YAML definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				data, err := a.Services.Questionnaires.ExportVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return c.writeOutput(output, data)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func (c *cli) exportAssessmentsCmd() *cobra.Command {
	var (
		versionID string
		format    string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "export-assessments",
		Short: "Export submitted assessments of a version as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Services.Exports.ExportCSV(ctx, services.ExportParams{VersionID: versionID, Format: format})
				if err != nil {
					return err
				}
				return c.writeOutput(output, res.Data)
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "Questionnaire version id")
	cmd.Flags().StringVarP(&format, "format", "f", "long", "CSV layout (long|wide|score)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func (c *cli) analyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics <version-id>",
		Short: "Print aggregate statistics for a version as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				summary, err := a.Services.Analytics.Summary(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			})
		},
	}
}

func (c *cli) retryReportsCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "retry-reports",
		Short: "Re-dispatch PDFs and emails that were never delivered",
		Long: `Queues report jobs for every submitted assessment whose PDF or email is
still pending. With the redis queue the running server's workers pick them
up; with the memory queue they are processed here before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				pdfs, emails, err := a.Services.Reports.RetryPending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "queued %d pdfs, %d emails\n", pdfs, emails)
				if a.Config.QueueDriver != "memory" || pdfs+emails == 0 {
					return nil
				}
				return drain(ctx, a, timeout)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait for in-process delivery")
	return cmd
}

// drain runs the workers until the queue is empty or timeout passes.
func drain(ctx context.Context, a *app.App, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	a.Runner.Start(ctx)
	defer func() {
		cancel()
		a.Runner.Wait()
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		stats, err := a.Queue.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.Waiting == 0 && stats.Active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("reports still pending after %s", timeout)
		case <-ticker.C:
		}
	}
}

func (c *cli) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-expired",
		Short: "Delete assessments past their retention date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Services.Assessments.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "deleted %d expired assessments\n", n)
				return nil
			})
		},
	}
}
