// Command ops2deb is the CLI entrypoint: it wires flags and subcommands
// onto the internal/ops2deb orchestrator (spec.md §6, §4.9).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/upciti/ops2deb-go/internal/ops2deb"
	"github.com/upciti/ops2deb-go/internal/ops2err"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()

	if err := root.ExecuteContext(ctx); err != nil {
		code, _ := ops2err.CodeOf(err)
		fmt.Fprintln(os.Stderr, "ops2deb:", err)
		return ops2err.ExitCode(code)
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var configPath, outputDir string
	var verbose bool

	root := &cobra.Command{
		Use:           "ops2deb",
		Short:         "Turn declarative blueprints into Debian packages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (default ops2deb.yml)")
	root.PersistentFlags().StringVar(&outputDir, "output", "", "output directory (default ./output)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	loadEnv := func() ops2deb.Environment {
		env := ops2deb.LoadEnvironment(configPath, outputDir)
		if verbose {
			env.Verbose = true
			env.Log.SetLevel(logrus.DebugLevel)
		}
		return env
	}

	defaultCmd := newDefaultCommand(loadEnv)
	root.RunE = defaultCmd.RunE
	root.Flags().AddFlagSet(defaultCmd.Flags())

	root.AddCommand(
		newGenerateCommand(loadEnv),
		newBuildCommand(loadEnv),
		defaultCmd,
		newUpdateCommand(loadEnv),
		newLockCommand(loadEnv),
		newPurgeCommand(loadEnv),
		newMigrateCommand(loadEnv),
		newValidateCommand(loadEnv),
		newFormatCommand(loadEnv),
		newDeltaCommand(),
		newSchemaCommand(),
	)
	return root
}
