package cli

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/fmueller/asrinfer/internal/download"
	"github.com/fmueller/asrinfer/internal/wav2vec2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	defaultRepo      = "Xenova/wav2vec2-base-960h"
	defaultModelFile = "onnx/model.onnx"
	requiredAssets   = 2
)

func bindAssetFlag(flags *pflag.FlagSet, app *appState) {
	flags.StringVarP(&app.assetDir, "huggingface_folder", "s", app.assetDir, "Model asset directory (Hugging Face layout)")
}

func newSetupCmd(app *appState) *cobra.Command {
	var (
		repo      string
		revision  string
		modelFile string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download model assets from a Hugging Face repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hub := download.Hub{
				BaseURL:    os.Getenv(download.HubEndpointEnv),
				Token:      os.Getenv(download.HubTokenEnv),
				NoProgress: !app.progressEnabled(),
				Logger:     app.log(),
			}

			files := append([]string{}, wav2vec2.AssetFiles...)
			files = append(files, path.Clean(modelFile))

			for i, file := range files {
				required := i < requiredAssets || i == len(files)-1
				result, err := hub.Fetch(cmd.Context(), repo, revision, file, app.assetDir)
				if err != nil {
					if !required && errors.Is(err, download.ErrNotFound) {
						app.log().Debug("optional asset not in repository", zap.String("file", file))
						continue
					}
					return fmt.Errorf("fetch %s from %s: %w", file, repo, err)
				}
				if result.Skipped {
					app.log().Info("asset already present", zap.String("file", file), zap.String("path", result.Path))
					continue
				}
				app.log().Info("asset downloaded", zap.String("file", file), zap.String("path", result.Path))
			}

			assets, err := wav2vec2.LoadAssets(app.assetDir)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Model assets for %s ready in %s (vocabulary of %d tokens)\n", repo, app.assetDir, len(assets.Vocab))
			return nil
		},
	}

	bindAssetFlag(cmd.Flags(), app)
	cmd.Flags().StringVar(&repo, "repo", defaultRepo, "Hugging Face repository holding the ONNX export and processor files")
	cmd.Flags().StringVar(&revision, "revision", download.DefaultRevision, "Repository branch, tag or commit")
	cmd.Flags().StringVar(&modelFile, "model-file", defaultModelFile, "Path of the ONNX model inside the repository")

	return cmd
}
