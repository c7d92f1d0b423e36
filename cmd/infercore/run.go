package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/infercore/infercore/pipeline"
	"github.com/infercore/infercore/pipelinepool"
)

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		manifestPath  string
		sigPath       string
		pubKeyHex     string
		maxTokens     int
		temperature   float64
		topK          int
		topP          float64
		repeatPenalty float64
		seed          int64
		stopTokens    []string
	)

	cmd := &cobra.Command{
		Use:   "run MODEL_ID PROMPT",
		Short: "Load a model from its manifest and generate text for a prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" {
				return fmt.Errorf("--manifest is required")
			}
			modelID, prompt := args[0], args[1]

			src := modelSource{manifestPath: manifestPath, sigPath: sigPath, pubKeyHex: pubKeyHex}
			pool := pipelinepool.New(src.load(logger))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT)
			defer signal.Stop(sigChan)
			go func() {
				<-sigChan
				cancel()
			}()

			opts := pipeline.GenOptions{
				MaxTokens:         maxTokens,
				Temperature:       temperature,
				TopK:              topK,
				TopP:              topP,
				RepetitionPenalty: repeatPenalty,
				Seed:              seed,
				StopTokens:        parseStopTokenIDs(stopTokens),
			}

			ch, err := pool.Execute(ctx, modelID, prompt, opts, nil, nil)
			if err != nil {
				return err
			}

			for chunk := range ch {
				if chunk.Err != nil {
					return chunk.Err
				}
				fmt.Fprint(cmd.OutOrStdout(), chunk.Text)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to the model's manifest.json")
	cmd.Flags().StringVar(&sigPath, "signature", "", "path to a detached manifest signature (required when hot-swap verification is enabled)")
	cmd.Flags().StringVar(&pubKeyHex, "public-key", "", "hex-encoded ed25519 public key matching --signature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 256, "maximum tokens to generate")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.8, "sampling temperature")
	cmd.Flags().IntVar(&topK, "top-k", 40, "top-k sampling cutoff")
	cmd.Flags().Float64Var(&topP, "top-p", 0.95, "nucleus sampling cutoff")
	cmd.Flags().Float64Var(&repeatPenalty, "repeat-penalty", 1.1, "repetition penalty")
	cmd.Flags().Int64Var(&seed, "seed", 0, "sampling seed (step i samples with seed+i)")
	cmd.Flags().StringSliceVar(&stopTokens, "stop", nil, "stop token ids (non-integer values are ignored)")

	return cmd
}

// parseStopTokenIDs converts --stop values into token ids, skipping any
// value that isn't a plain integer. The CLI operates below the text
// layer for this flag; callers that want stop phrases should encode
// them with their tokenizer ahead of time and pass the resulting ids.
func parseStopTokenIDs(values []string) []int {
	var ids []int
	for _, v := range values {
		id, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload MODEL_ID",
		Short: "Unload a cached pipeline, freeing its GPU buffers and KV cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "model %q is only cached for the lifetime of a single run invocation; nothing to unload\n", args[0])
			return nil
		},
	}
}
