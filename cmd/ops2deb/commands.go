package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/upciti/ops2deb-go/internal/blueprint"
	"github.com/upciti/ops2deb-go/internal/build"
	"github.com/upciti/ops2deb-go/internal/delta"
	"github.com/upciti/ops2deb-go/internal/ops2deb"
)

type envLoader func() ops2deb.Environment

func newGenerateCommand(loadEnv envLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Fetch sources and generate Debian source trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := ops2deb.Generate(cmd.Context(), loadEnv())
			return err
		},
	}
}

func newBuildCommand(loadEnv envLoader) *cobra.Command {
	var workers int
	var external bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build .deb packages over previously generated source trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := loadEnv()
			mode := build.ModeInProcess
			if external {
				mode = build.ModeExternal
			}
			report, err := ops2deb.Build(cmd.Context(), env, workers, mode)
			if err != nil {
				return err
			}
			printBuildReport(report)
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d package(s) failed to build", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent builds (default: number of CPUs)")
	cmd.Flags().BoolVar(&external, "external", false, "shell out to dpkg-buildpackage instead of the in-process assembler")
	return cmd
}

func newDefaultCommand(loadEnv envLoader) *cobra.Command {
	var workers int
	var external bool

	cmd := &cobra.Command{
		Use:   "default",
		Short: "Generate then build every blueprint (the default when no subcommand is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := loadEnv()
			if _, err := ops2deb.Generate(cmd.Context(), env); err != nil {
				return err
			}
			mode := build.ModeInProcess
			if external {
				mode = build.ModeExternal
			}
			report, err := ops2deb.Build(cmd.Context(), env, workers, mode)
			if err != nil {
				return err
			}
			printBuildReport(report)
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d package(s) failed to build", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent builds (default: number of CPUs)")
	cmd.Flags().BoolVar(&external, "external", false, "shell out to dpkg-buildpackage instead of the in-process assembler")
	return cmd
}

func printBuildReport(report *build.Report) {
	for _, path := range report.Built {
		fmt.Println("built", path)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(os.Stderr, "failed %s (%s): %s\n", f.Name, f.Architecture, f.Error)
	}
}

func newUpdateCommand(loadEnv envLoader) *cobra.Command {
	var only []string
	var dryRun, andBuild bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check upstream sources for newer versions and bump the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := loadEnv()
			outcomes, err := ops2deb.Update(cmd.Context(), env, only, dryRun)
			if err != nil {
				return err
			}
			for _, o := range outcomes {
				switch o.Status.String() {
				case "updated":
					fmt.Printf("%s: %s -> %s\n", o.Name, o.OldVersion, o.NewVersion)
				case "up-to-date":
					fmt.Printf("%s: up to date\n", o.Name)
				default:
					fmt.Fprintf(os.Stderr, "%s: failed: %s\n", o.Name, o.Reason)
				}
			}

			if !andBuild || dryRun {
				return nil
			}
			if _, err := ops2deb.Generate(cmd.Context(), env); err != nil {
				return err
			}
			report, err := ops2deb.Build(cmd.Context(), env, 0, build.ModeInProcess)
			if err != nil {
				return err
			}
			printBuildReport(report)
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d package(s) failed to build", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "only update these blueprint names")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report candidate versions without writing changes")
	cmd.Flags().BoolVar(&andBuild, "build", false, "generate and build after a successful update (spec.md §4.9)")
	return cmd
}

func newLockCommand(loadEnv envLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Fetch every source and (re)write the lockfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ops2deb.Lock(cmd.Context(), loadEnv())
		},
	}
}

func newPurgeCommand(loadEnv envLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove the fetch cache directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ops2deb.Purge(loadEnv())
		},
	}
}

func newMigrateCommand(loadEnv envLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Move inline fetch.sha256 hashes from the configuration into the lockfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ops2deb.Migrate(loadEnv())
		},
	}
}

func newValidateCommand(loadEnv envLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without fetching or building anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ops2deb.Validate(loadEnv())
		},
	}
}

func newFormatCommand(loadEnv envLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Rewrite the configuration in canonical form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ops2deb.Format(loadEnv())
		},
	}
}

func newDeltaCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "delta OLD NEW",
		Short: "Diff two configuration files by (name, architecture)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ops2deb.Delta(args[0], args[1])
			if err != nil {
				return err
			}
			return printDelta(d, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func printDelta(d delta.Delta, format string) error {
	if format == "json" {
		out, err := d.JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	fmt.Print(d.Text())
	return nil
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for a blueprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := blueprint.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
