package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/inference"
	"github.com/yungbote/screening-backend/internal/screening/orchestrator"
	"github.com/yungbote/screening-backend/internal/screening/pipeline"
	"github.com/yungbote/screening-backend/internal/screening/resultstore"
)

var runFlags struct {
	age          int
	observations string
	transcript   string
	mode         string
	endpoint     string
	timeout      time.Duration
	watch        bool
	verbose      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one screening and print the stored result",
	RunE:  runScreening,
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runFlags.age, "age", 0, "Age in months (required)")
	f.StringVar(&runFlags.observations, "observations", "", "Caregiver observations")
	f.StringVar(&runFlags.transcript, "transcript", "", "Voice transcript")
	f.StringVar(&runFlags.mode, "mode", "", "online, hybrid or offline (default from config)")
	f.StringVar(&runFlags.endpoint, "endpoint", "", "Model base URL (overrides config)")
	f.DurationVar(&runFlags.timeout, "timeout", 2*time.Minute, "Give up after this long")
	f.BoolVar(&runFlags.watch, "watch", false, "Print stage transitions while running")
	f.BoolVar(&runFlags.verbose, "verbose", false, "Log to stderr")

	_ = runCmd.MarkFlagRequired("age")
}

func runScreening(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runFlags.endpoint != "" {
		cfg.Inference.BaseURL = runFlags.endpoint
	}
	log := logger.Nop()
	if runFlags.verbose {
		if log, err = logger.New(cfg.Env); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer log.Sync()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), runFlags.timeout)
	defer cancel()

	res, err := screen(ctx, cfg, log, domain.Input{
		AgeMonths:       runFlags.age,
		Observations:    runFlags.observations,
		VoiceTranscript: runFlags.transcript,
		Mode:            domain.Mode(runFlags.mode),
	}, watchWriter(cmd))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func watchWriter(cmd *cobra.Command) io.Writer {
	if !runFlags.watch {
		return nil
	}
	return cmd.ErrOrStderr()
}

// screen runs a single screening in-process against an in-memory result
// store and returns what was persisted.
func screen(ctx context.Context, cfg *config.Config, log *logger.Logger, in domain.Input, watch io.Writer) (domain.StoredResult, error) {
	store := pipeline.New(log, domain.ParseMode(cfg.Pipeline.DefaultMode))
	defer store.Close()
	results := resultstore.NewMemory()

	client, err := inference.NewFromConfig(cfg.Inference, log, store, results)
	if err != nil {
		return domain.StoredResult{}, err
	}
	orch := orchestrator.New(log, store, client)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	}()

	stopWatch := func() {}
	if watch != nil {
		updates, unsubscribe := store.Subscribe(16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			printTransitions(watch, updates)
		}()
		stopWatch = func() {
			unsubscribe()
			<-done
		}
	}
	defer stopWatch()

	caseID, err := orch.Run(ctx, in)
	if err != nil {
		return domain.StoredResult{}, err
	}
	if err := orch.Wait(ctx, caseID); err != nil {
		orch.Cancel()
		return domain.StoredResult{}, fmt.Errorf("screening %s: %w", caseID, err)
	}
	res, err := resultstore.Fetch(ctx, results, caseID)
	if err != nil {
		return domain.StoredResult{}, fmt.Errorf("screening %s produced no result: %w", caseID, err)
	}
	return res, nil
}

// printTransitions writes one line per stage status change until updates
// is closed.
func printTransitions(w io.Writer, updates <-chan domain.Pipeline) {
	seen := map[domain.StageID]domain.StageStatus{}
	for p := range updates {
		for _, st := range p.Stages {
			if seen[st.ID] == st.Status {
				continue
			}
			seen[st.ID] = st.Status
			fmt.Fprintf(w, "%-10s %s\n", st.ID, st.Status)
		}
	}
}
