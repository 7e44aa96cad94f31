package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lamim/cirforge/internal/checkpoint"
	"github.com/lamim/cirforge/internal/config"
	"github.com/lamim/cirforge/internal/dataset"
	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	metricsAddr string
	verbose     bool
	resume      bool
	minLength   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cirforge",
		Short: "cirforge - Difference caption dataset generator",
		Long: `cirforge turns (reference image, target image) pairs into a dataset of
natural-language difference captions by running three batch inference stages
and cleaning the results.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnv()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :2112)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the complete pipeline",
		Long: `Run the complete pipeline:
1. Shard the dataset into per-item state files
2. Stage 1: describe the query images
3. Stage 2: describe the retrieved images relative to the query descriptors
4. Stage 3: turn both descriptor lists into difference captions
5. Filter and clean the captions into the final dataset`,
		RunE: runPipeline,
	}
	runCmd.Flags().IntVar(&minLength, "min-length", -1, "Override postprocess.min_caption_length (0 keeps every non-empty caption)")
	runCmd.Flags().BoolVar(&resume, "resume", false, "Continue the run recorded in the output directory's manifest; shards whose job failed are resubmitted")

	shardCmd := &cobra.Command{
		Use:   "shard",
		Short: "Create the per-item state tree from the dataset",
		Long:  "Create the per-item state tree. Existing state files are overwritten and a new run manifest is started.",
		RunE:  runShard,
	}

	stageCmd := &cobra.Command{
		Use:   "stage <1|2|3>",
		Short: "Run a single stage",
		Long:  "Run one stage over the existing state tree. Shards whose job completed are skipped; failed shards are resubmitted.",
		Args:  cobra.ExactArgs(1),
		RunE:  runStage,
	}

	postprocessCmd := &cobra.Command{
		Use:   "postprocess",
		Short: "Build the final dataset from the state tree",
		RunE:  runPostprocess,
	}
	postprocessCmd.Flags().IntVar(&minLength, "min-length", -1, "Override postprocess.min_caption_length (0 keeps every non-empty caption)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-stage progress of the state tree and job manifest",
		RunE:  showStatus,
	}

	rootCmd.AddCommand(runCmd, shardCmd, stageCmd, postprocessCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadEnv() {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	} else if verbose {
		fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := a.openManifest(resume, false); err != nil {
		return err
	}

	if !a.ckpt.Manifest().Sharded {
		if err := a.shard(); err != nil {
			return err
		}
	} else {
		a.logger.Info("Resuming run", "run_id", a.ckpt.RunID())
	}

	stats, err := a.runner().Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Warn("Run interrupted - resume with the manifest",
				"output_dir", a.cfg.Paths.OutputDir,
				"resume_command", "cirforge run --resume")
			return fmt.Errorf("run interrupted (resume with: cirforge run --resume)")
		}
		return fmt.Errorf("pipeline failed: %w", err)
	}
	var abandoned int
	for _, s := range stats {
		a.logger.Info("Stage summary",
			"stage", int(s.Stage),
			"merged", s.Merged,
			"failed_jobs", s.Failed+s.SubmitFailed,
			"duration", s.TotalDuration)
		abandoned += s.Failed + s.SubmitFailed
	}
	if abandoned > 0 {
		a.logger.Warn("Some shards were abandoned; their items are missing from the dataset",
			"abandoned", abandoned,
			"resume_command", "cirforge run --resume")
	}

	if _, _, err := a.processor(captionLength(a.cfg)).Run(ctx); err != nil {
		return fmt.Errorf("post-processing failed: %w", err)
	}

	a.logger.Info("All done!", "dataset", a.cfg.Paths.FinalDataset)
	return nil
}

func runShard(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openManifest(false, false); err != nil {
		return err
	}
	return a.shard()
}

func runStage(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid stage %q: %w", args[0], err)
	}
	stage, err := models.ParseStage(n)
	if err != nil {
		return err
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := a.openManifest(true, true); err != nil {
		return err
	}
	if !a.ckpt.Manifest().Sharded {
		return fmt.Errorf("no state tree in %s; run 'cirforge shard' first", a.cfg.Paths.OutputDir)
	}

	if _, err := a.runner().RunStage(ctx, stage); err != nil {
		return fmt.Errorf("stage %d failed: %w", n, err)
	}
	return nil
}

func runPostprocess(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	records, stats, err := a.processor(captionLength(a.cfg)).Run(ctx)
	if err != nil {
		return fmt.Errorf("post-processing failed: %w", err)
	}
	fmt.Printf("Wrote %d records to %s (%d items, %d without captions, %d too short)\n",
		len(records), a.cfg.Paths.FinalDataset, stats.Items, stats.MissingCaption, stats.TooShort)
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st := store.New(cfg.Paths.OutputDir, quietLogger())
	var items int
	done := make(map[models.Stage]int)
	err = st.Walk(func(state *models.ItemState) error {
		items++
		for _, s := range models.Stages {
			if state.Field(s) != nil {
				done[s]++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read state tree: %w", err)
	}
	if items == 0 {
		fmt.Printf("No item states found in %s. Run 'cirforge shard' first.\n", cfg.Paths.OutputDir)
		return nil
	}

	mf, mfErr := checkpoint.Load(cfg.Paths.OutputDir, quietLogger())

	fmt.Printf("Output directory: %s\n", cfg.Paths.OutputDir)
	if mfErr == nil {
		fmt.Printf("Run ID: %s\n", mf.RunID)
	}
	fmt.Printf("Items: %d\n\n", items)
	fmt.Printf("%-28s %-12s %-10s %-10s %-10s %s\n", "STAGE", "ITEMS DONE", "RUNNING", "COMPLETED", "FAILED", "STATE")
	fmt.Println(strings.Repeat("-", 84))

	for _, s := range models.Stages {
		running, completed, failed := "-", "-", "-"
		state := "pending"
		if mfErr == nil {
			counts := checkpoint.StatusCounts(mf, s)
			running = strconv.Itoa(counts[models.JobSubmitted] + counts[models.JobRunning])
			completed = strconv.Itoa(counts[models.JobCompleted])
			failed = strconv.Itoa(counts[models.JobFailed])
			switch {
			case checkpoint.StageComplete(mf, s):
				state = "complete"
			case len(checkpoint.PendingJobs(mf, s)) > 0:
				state = "in progress"
			case counts[models.JobFailed] > 0:
				state = "failed shards"
			}
		}
		fmt.Printf("%-28s %-12s %-10s %-10s %-10s %s\n",
			fmt.Sprintf("%d %s", int(s), s),
			fmt.Sprintf("%d/%d", done[s], items),
			running, completed, failed, state)
	}
	return nil
}

// captionLength applies the --min-length override
func captionLength(cfg *config.Config) int {
	if minLength >= 0 {
		return minLength
	}
	return cfg.PostProcess.MinCaptionLength
}

func loadDataset(a *app) ([]models.DatasetEntry, error) {
	entries, err := dataset.NewLoader(a.cfg.Paths.DatasetFile, a.logger).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	return entries, nil
}
