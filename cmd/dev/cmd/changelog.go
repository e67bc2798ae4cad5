package cmd

import (
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/magefile/mage/sh"
	"github.com/spf13/cobra"
)

func chglogArgs(output, next, tag string) []string {
	args := []string{"--output", output}
	if next != "" {
		args = append(args, "--next-tag", next)
	}
	if tag != "" {
		args = append(args, tag)
	}
	return args
}

func ChangelogCmd() *cobra.Command {
	var output, next, tag string
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Regenerate CHANGELOG.md from conventional commits",
		Long: `Regenerate CHANGELOG.md with git-chglog. Commit subjects follow
<type>[optional scope]: <description>, e.g. "fix(mux): release bus on select failure".

git-chglog must be on PATH:
  go install github.com/git-chglog/git-chglog/cmd/git-chglog@latest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := exec.LookPath("git-chglog"); err != nil {
				return fmt.Errorf("git-chglog not installed: %w", err)
			}
			if err := sh.RunV("git-chglog", chglogArgs(output, next, tag)...); err != nil {
				return fmt.Errorf("failed to generate changelog: %w", err)
			}
			slog.Info("changelog generated", "output", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&next, "next", "", "next version tag (e.g. v0.2.0)")
	cmd.Flags().StringVar(&output, "output", "CHANGELOG.md", "output file path")
	cmd.Flags().StringVar(&tag, "tag", "", "limit the changelog to one tag")
	return cmd
}
