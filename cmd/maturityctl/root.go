package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/aimaturity/internal/app"
	"github.com/soaringjerry/aimaturity/internal/config"
)

type cli struct {
	configFile string
	out        io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:   "maturityctl",
		Short: "Administer the AI maturity assessment service",
		Long: `maturityctl manages questionnaire versions, report delivery and data
retention directly against the configured store.

Configuration is read from --config, maturity.yaml in the working directory
and MATURITY_* environment variables, exactly like the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "Config file (default ./maturity.yaml)")

	root.AddCommand(
		c.migrateCmd(),
		c.seedCmd(),
		c.versionsCmd(),
		c.validateCmd(),
		c.publishCmd(),
		c.archiveCmd(),
		c.cloneCmd(),
		c.exportVersionCmd(),
		c.exportAssessmentsCmd(),
		c.analyticsCmd(),
		c.retryReportsCmd(),
		c.purgeCmd(),
	)
	return root
}

// withApp loads configuration, opens the app for the duration of fn and
// closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
