package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gophertribe/devtool/build"
)

const buildImage = "gophertribe/gobuild:1.25-bookworm"

type target struct {
	os, arch           string
	crossOS, crossArch string
}

func (t target) native() bool {
	return t.os == runtime.GOOS && t.arch == runtime.GOARCH
}

func (t target) output() string {
	if t.crossOS != "" && t.crossArch != "" {
		return fmt.Sprintf("dist/sensors-%s-%s", t.crossOS, t.crossArch)
	}
	return "dist/sensors"
}

// BuildCmd builds the sensors CLI. The MCP2221 adapter links libusb through cgo, so
// foreign targets are built inside the gobuild image which carries the cross toolchains.
func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the sensors CLI into dist/",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			version, _ := flags.GetString("version")
			t := target{}
			t.os, _ = flags.GetString("os")
			t.arch, _ = flags.GetString("arch")
			t.crossOS, _ = flags.GetString("cross-os")
			t.crossArch, _ = flags.GetString("cross-arch")

			if t.native() {
				goos, goarch := t.os, t.arch
				if t.crossOS != "" && t.crossArch != "" {
					goos, goarch = t.crossOS, t.crossArch
				}
				return build.GoBuild(t.output(), "./cmd/sensors", build.GoBuildOpts{
					Version:       version,
					InjectVersion: true,
					ConfigPackage: "main",
					EnableCgo:     true,
					OS:            goos,
					Arch:          goarch,
				})
			}

			noCache, err := flags.GetBool("no-cache")
			if err != nil {
				return fmt.Errorf("could not get no-cache flag: %w", err)
			}
			devtool := fmt.Sprintf("./dev-%s-%s", t.os, t.arch)
			return build.Docker(cmd.Context(), devtool,
				[]string{"build", "--version", version, "--cross-os", t.crossOS, "--cross-arch", t.crossArch},
				build.DockerBuildOpts{NoCache: noCache, Image: buildImage})
		},
	}
	cmd.Flags().Bool("no-cache", false, "do not use the docker build cache")
	cmd.Flags().String("version", "latest", "version injected into the binary")
	cmd.Flags().String("os", runtime.GOOS, "os of the build host")
	cmd.Flags().String("arch", runtime.GOARCH, "arch of the build host")
	cmd.Flags().String("cross-os", "", "target os (e.g. linux for a NanoPi)")
	cmd.Flags().String("cross-arch", "", "target arch (e.g. arm64)")
	return cmd
}
