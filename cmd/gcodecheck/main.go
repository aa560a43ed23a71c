package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gcodecheck/internal/analyzer"
	"gcodecheck/internal/config"
	"gcodecheck/internal/progress"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Global flags
	verbose  bool
	timeout  time.Duration
	filament string
	language string

	// workflow flags
	autoApply bool
	noPatch   bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gcodecheck",
	Short: "gcodecheck - G-code analysis core",
	Long: `gcodecheck analyzes sliced G-code files for printability problems.

It parses the file, profiles temperatures, speeds, extrusion and layers,
runs a rule engine over the line stream, optionally validates ambiguous
detections with an LLM, grades the print, and can plan and apply fixes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// summarizeCmd computes the comprehensive summary without any model calls
var summarizeCmd = &cobra.Command{
	Use:   "summarize [file]",
	Short: "Compute the statistical summary of a G-code file",
	Long: `Parses the file and prints the comprehensive summary as JSON:
temperature, feed rate, extrusion, layers, support, fan and print time.
No issues are detected and no model is contacted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSummarize,
}

// analyzeCmd runs the legacy rule-only analysis
var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Run the rule engine only and list detections",
	Long: `Runs parse plus the rule engine with no model calls, no
persistence and no patching. Prints one line per detection.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

// workflowCmd runs the full analysis workflow
var workflowCmd = &cobra.Command{
	Use:   "workflow [file]",
	Short: "Run the full analysis workflow",
	Long: `Runs the complete pipeline: parse, summary, rule detection, LLM
validation of ambiguous detections, expert assessment, patch planning
and (with --auto-apply) patching. Prints the full result as JSON.

The model provider comes from LLM_PROVIDER (gemini or openai) with the
matching API key environment variable. Without a key the workflow
degrades to rule-only behavior.

Examples:
  gcodecheck workflow part.gcode --filament PETG
  gcodecheck workflow part.gcode --auto-apply
  gcodecheck workflow part.gcode --no-patch`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().StringVar(&filament, "filament", "PLA", "Filament type (PLA/ABS/PETG/TPU/NYLON/ASA/PC)")
	rootCmd.PersistentFlags().StringVar(&language, "language", "", "Response language for model output (ko/en/ja/zh)")

	workflowCmd.Flags().BoolVar(&autoApply, "auto-apply", false, "Apply planned patches without review")
	workflowCmd.Flags().BoolVar(&noPatch, "no-patch", false, "Skip patch planning and application")

	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(workflowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandContext builds the timeout context with SIGINT/SIGTERM handling.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func newAnalyzer() (*analyzer.Analyzer, error) {
	return analyzer.New(config.Load())
}

func runSummarize(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := newAnalyzer()
	if err != nil {
		return err
	}
	logger.Info("Summarizing", zap.String("file", args[0]))

	res, err := a.RunAnalysis(ctx, analyzer.Request{
		FilePath:    args[0],
		Filament:    filament,
		SummaryOnly: true,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := newAnalyzer()
	if err != nil {
		return err
	}
	logger.Info("Analyzing", zap.String("file", args[0]), zap.String("filament", filament))

	issues, err := a.RunErrorAnalysisOnly(ctx, analyzer.Request{
		FilePath: args[0],
		Filament: filament,
	})
	if err != nil {
		return err
	}

	if len(issues) == 0 {
		fmt.Println("no issues detected")
		return nil
	}
	for _, is := range issues {
		fmt.Printf("%-8s line %-7d %-22s %s\n", is.Severity, is.Line, is.TypeCode, is.Detail)
	}
	return nil
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := newAnalyzer()
	if err != nil {
		return err
	}
	logger.Info("Running workflow",
		zap.String("file", args[0]),
		zap.String("filament", filament),
		zap.Bool("auto_apply", autoApply),
		zap.Bool("no_patch", noPatch))

	res, err := a.RunAnalysis(ctx, analyzer.Request{
		FilePath:   args[0],
		Filament:   filament,
		Language:   language,
		AutoApply:  autoApply,
		NoPatch:    noPatch,
		OnProgress: logProgress,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

// logProgress forwards progress events to stderr so stdout stays valid
// JSON for consumers.
func logProgress(ev progress.Event) {
	if ev.IsStreaming {
		return
	}
	fmt.Fprintf(os.Stderr, "[%3.0f%%] %s: %s\n", ev.Progress*100, ev.Step, ev.Message)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
