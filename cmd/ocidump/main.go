// Command ocidump pulls one or more OCI/Docker v2 registry images and
// reassembles each into a legacy docker-load-able tar archive.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ocidump/ocidump/docker"
	"github.com/ocidump/ocidump/docker/reference"
	"github.com/ocidump/ocidump/internal/config"
	"github.com/ocidump/ocidump/internal/dockerauth"
	"github.com/ocidump/ocidump/internal/logging"
	"github.com/ocidump/ocidump/internal/progress"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	verbosity int
	outputDir string
	arch      string
	username  string
	password  string
	insecure  bool
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "ocidump <image> [image...]",
		Short: "Pull OCI/Docker v2 registry images into docker-load-able tar archives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd.Context(), args, flags)
		},
	}

	cmd.Flags().CountVarP(&flags.verbosity, "verbose", "v", "increase log verbosity (-v, -vv)")
	cmd.Flags().StringVarP(&flags.outputDir, "output", "o", "", "output directory for archives (default: config file or current directory)")
	cmd.Flags().StringVar(&flags.arch, "arch", "", "architecture to select from the manifest list (default: config file or amd64)")
	cmd.Flags().StringVarP(&flags.username, "username", "u", "", "registry username (default: DOCKER_USERNAME env, then ~/.docker/config.json)")
	cmd.Flags().StringVarP(&flags.password, "password", "p", "", "registry password (default: DOCKER_PASSWORD env, then ~/.docker/config.json); prompted if -u is set and this is omitted")
	cmd.Flags().BoolVar(&flags.insecure, "insecure", false, "skip TLS certificate verification")

	return cmd
}

func runPull(ctx context.Context, images []string, flags rootFlags) error {
	logging.Configure(logging.Verbosity(flags.verbosity))

	fileCfg, err := config.Load()
	if err != nil {
		return err
	}

	outputDir := flags.outputDir
	if outputDir == "" {
		outputDir = fileCfg.OutputDir
	}
	arch := flags.arch
	if arch == "" {
		arch = fileCfg.Arch
	}
	insecure := flags.insecure || fileCfg.Insecure

	username := flags.username
	password := flags.password
	if username == "" {
		username = config.EnvOr("DOCKER_USERNAME", "")
	}
	if password == "" {
		password = config.EnvOr("DOCKER_PASSWORD", "")
	}
	if username != "" && password == "" {
		password, err = dockerauth.PromptPassword(fmt.Sprintf("Password for %s: ", username))
		if err != nil {
			return err
		}
	}

	reporter := progress.New(os.Stdout)

	var failures int
	for _, image := range images {
		imageUsername, imagePassword := username, password
		if username == "" {
			if creds, err := credentialsFor(image, fileCfg.Registry); err == nil {
				imageUsername, imagePassword = creds.Username, creds.Password
			}
		}

		puller := docker.New(docker.Options{
			Arch:             arch,
			OutputDir:        outputDir,
			Username:         imageUsername,
			Password:         imagePassword,
			Insecure:         insecure,
			RegistryMirror:   fileCfg.Registry,
			ProgressForLayer: reporter.ForLayer,
		})

		result, err := puller.Pull(ctx, image)
		if err != nil {
			logrus.Errorf("pulling %s: %v", image, err)
			failures++
			continue
		}

		fmt.Printf("%s\n", result.ArchivePath)
		if result.DockerContentDigest != "" {
			fmt.Printf("Digest: %s\n", result.DockerContentDigest)
		}
	}

	reporter.Wait()

	if failures > 0 {
		return fmt.Errorf("%d of %d pulls failed", failures, len(images))
	}
	return nil
}

// credentialsFor resolves default credentials from ~/.docker/config.json
// for the registry image references, used only when neither flags nor
// env vars supplied a username. registryMirror, if set, is looked up
// instead of the reference's own registry for references that did not
// name a host explicitly, matching docker.Options.RegistryMirror's
// "explicit host always wins" rule.
func credentialsFor(image, registryMirror string) (dockerauth.Credentials, error) {
	ref, err := reference.Parse(image)
	if err != nil {
		return dockerauth.Credentials{}, err
	}
	host := ref.Registry
	if registryMirror != "" && ref.IsDefaultRegistry() {
		host = registryMirror
	}
	return dockerauth.FromDockerConfig(host)
}
