package cmd

import (
	"fmt"

	"github.com/gophertribe/devtool/test"
	"github.com/magefile/mage/sh"
	"github.com/spf13/cobra"
)

const gotestsum = "gotest.tools/gotestsum@v1.12.0"

// raceTest is the gotestsum invocation of test.Test with -race added.
func raceTest(pkgs ...string) error {
	args := []string{"run", gotestsum, "--no-summary=skipped", "--junitfile", "./coverage.xml", "--format", "short", "--", "-race"}
	return sh.RunV("go", append(args, pkgs...)...)
}

func TestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run unit tests with the race detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			race, err := cmd.Flags().GetBool("race")
			if err != nil {
				return fmt.Errorf("could not get race flag: %w", err)
			}
			if !race {
				err = test.Test()
			} else {
				if len(args) == 0 {
					args = []string{"./..."}
				}
				err = raceTest(args...)
			}
			if err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("race", true, "enable the race detector (cgo required)")
	return cmd
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run golangci-lint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
}
