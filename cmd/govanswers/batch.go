package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/govanswers/govanswers/config"
	"github.com/govanswers/govanswers/internal/agent"
	"github.com/govanswers/govanswers/internal/batch"
	"github.com/govanswers/govanswers/internal/pipeline"
	"github.com/govanswers/govanswers/internal/progress"
	"github.com/govanswers/govanswers/internal/prompts"
	"github.com/govanswers/govanswers/internal/search"
	"github.com/govanswers/govanswers/internal/store"
	"github.com/govanswers/govanswers/internal/telemetry"
	"github.com/govanswers/govanswers/internal/verify"
)

// batchCMD processes one duration slice of a batch from the shell, without
// the HTTP server.
func batchCMD() *cobra.Command {
	var cfgPath string
	var durationSeconds int
	var resumeFrom int
	var cmd = &cobra.Command{
		Use:   "batch [batch-id]",
		Short: "Process one duration-bounded slice of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}

			tel := telemetry.New(prometheus.NewRegistry())
			hub := progress.NewHub()
			verifier := verify.New(verify.NewHTTPChecker(cfg.Verification))
			resolver := prompts.NewResolver(st)
			embedder, err := agent.NewEmbedder(cfg.LLM)
			if err != nil {
				log.Printf("embedder unavailable, background embeddings disabled: %v", err)
				embedder = nil
			}
			factory := func(p agent.Provider, sp search.Provider, overrides map[string]string) (agent.Agent, error) {
				return agent.New(p, sp, cfg.LLM, cfg.Search, overrides)
			}
			orch := pipeline.NewOrchestrator(st, factory, verifier, resolver, hub, embedder, tel)

			defaultModel := cfg.LLM.Routing.Answering
			if defaultModel == "" {
				defaultModel = string(agent.ProviderOpenAI)
			}
			sched := batch.NewScheduler(st, orch, cfg.Batch, defaultModel, string(search.GoogleProvider), tel)

			duration := cfg.Batch.DefaultDuration
			if durationSeconds > 0 {
				duration = time.Duration(durationSeconds) * time.Second
			}
			out, err := sched.ProcessForDuration(ctx, args[0], duration, resumeFrom)
			if err != nil {
				return err
			}
			fmt.Printf("processed=%d failed=%d status=%s complete=%v index=%d\n",
				out.ProcessedCount, out.FailedCount, out.Status, out.IsComplete, out.LastProcessedIndex)
			return nil
		},
	}
	cmd.Flags().IntVar(&durationSeconds, "duration", 0, "slice duration in seconds (0 = config default)")
	cmd.Flags().IntVar(&resumeFrom, "resume-from", batch.ResumeFromCheckpoint, "item index to resume from (-1 = stored checkpoint)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
