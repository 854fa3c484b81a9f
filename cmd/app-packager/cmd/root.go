package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/app-launcher/internal/service/packager"
	"github.com/oshokin/app-launcher/internal/version"
)

var (
	// changelogPath names a file whose contents become the changelog.
	changelogPath string
	// format overrides the artifact format inferred from the URL.
	format string
	// output is the manifest path.
	output string
	// signingKey is an armored OpenPGP private key used to sign the manifest.
	signingKey string

	// rootCmd represents the base command for preparing the release manifest.
	rootCmd = &cobra.Command{
		Use:   "app-packager [artifact] [artifact-url] [version]",
		Short: "Prepare the release manifest for distribution",
		Long: `Computes the SHA-256 digest and size of a built artifact and writes the
release manifest the launcher reads. The artifact URL may be a bare file name,
which the launcher resolves next to the manifest.`,
		Args: cobra.ExactArgs(3), //nolint:mnd // artifact, url and version.
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &packager.Options{
				ArtifactPath:  args[0],
				ArtifactURL:   args[1],
				Version:       args[2],
				ChangelogPath: changelogPath,
				Format:        format,
				Output:        output,
				SigningKey:    signingKey,
			}

			return packager.Run(ctx, options)
		},
	}
)

// Execute runs the app-packager CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&changelogPath, "changelog", "l", "", "file with the release notes")
	rootCmd.Flags().StringVarP(&format, "format", "f", "", "artifact format: binary, zip, tar.gz, tar.xz or tar.zst")
	rootCmd.Flags().StringVarP(&output, "output", "o", packager.DefaultManifestFilename, "path of the manifest to write")
	rootCmd.Flags().
		StringVarP(&signingKey, "signing-key", "k", "", "armored OpenPGP private key to sign the manifest with")
}
