package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mykhaliev/redbench/generator"
	"github.com/mykhaliev/redbench/logger"
	"github.com/mykhaliev/redbench/model"
	"github.com/mykhaliev/redbench/provider"
	"github.com/mykhaliev/redbench/replay"
	"github.com/mykhaliev/redbench/report"
	"github.com/mykhaliev/redbench/runner"
	"github.com/mykhaliev/redbench/scheduler"
	"github.com/mykhaliev/redbench/store"
	"github.com/mykhaliev/redbench/templates"
	"github.com/mykhaliev/redbench/version"
)

const (
	AppName       = "redbench"
	defaultDBPath = ".redbench/evals.db"
)

func main() {
	suitePath := flag.String("f", "", "Path to the suite configuration file (YAML)")
	reportFileName := flag.String("o", "", "Report file name (without extension)")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")
	reportTypes := flag.String("reportType", "json", "Report type(s) (comma-separated): json, markdown")
	dbPath := flag.String("db", defaultDBPath, "Path to the eval database")

	generatorConfig := flag.String("g", "", "Generate an adversarial suite from a generator config file")
	generatorOut := flag.String("gen-out", "generated", "Output directory for generated suites")
	dryRun := flag.Bool("dry-run", false, "Print generated suite to stdout instead of writing a file")

	filterMetadata := flag.String("filter-metadata", "", "Only run tests matching key=value metadata entries (comma-separated, AND)")
	filterFailing := flag.String("filter-failing", "", "Only run tests that failed in the referenced eval (id or results file)")
	filterFailingOnly := flag.String("filter-failing-only", "", "Only run tests with assertion failures in the referenced eval")
	filterErrorsOnly := flag.String("filter-errors-only", "", "Only run tests that errored in the referenced eval")
	filterPattern := flag.String("filter-pattern", "", "Only run tests whose description matches the regex")
	filterFirstN := flag.String("filter-first-n", "", "Only run the first N selected tests")
	filterSample := flag.String("filter-sample", "", "Run a uniform random sample of N selected tests")

	flag.Parse()

	fmt.Printf("%s %s (commit %s, built %s)\n", AppName, version.Version, version.Commit, version.BuildDate)
	if *showVersion {
		return
	}

	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetupLogger(logWriter, *verbose)
	templates.NewTemplateEngine()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *generatorConfig != "" {
		if err := generator.Run(ctx, *generatorConfig, *generatorOut, *dryRun); err != nil {
			logger.Logger.Error("Generation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if *suitePath == "" {
		fmt.Fprintln(os.Stderr, "Error: -f <suite.yaml> is required (or -g for generation mode)")
		flag.Usage()
		os.Exit(1)
	}

	logger.Logger.Info("Loading suite configuration", "path", *suitePath)
	config, err := model.ParseSuiteConfig(*suitePath)
	if err != nil {
		logger.Logger.Error("Failed to parse configuration", "error", err)
		os.Exit(1)
	}
	if *verbose {
		config.Settings.Verbose = true
	}
	if err := model.ValidateSuiteConfig(config); err != nil {
		logger.Logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	evalStore, err := store.Open(*dbPath)
	if err != nil {
		logger.Logger.Error("Failed to open eval database", "error", err)
		os.Exit(1)
	}
	defer evalStore.Close()

	// Narrow the declared tests through the replay engine before anything is
	// dialed; bad filter specs must fail fast.
	filterEngine := replay.NewEngine(evalStore, config.DefaultTest)
	opts := replay.Options{
		Failing:     *filterFailing,
		FailingOnly: *filterFailingOnly,
		ErrorsOnly:  *filterErrorsOnly,
		Pattern:     *filterPattern,
		FirstN:      *filterFirstN,
		Sample:      *filterSample,
	}
	if *filterMetadata != "" {
		opts.Metadata = strings.Split(*filterMetadata, ",")
	}
	tests, err := filterEngine.Apply(ctx, config.Tests, opts)
	if err != nil {
		logger.Logger.Error("Invalid filter options", "error", err)
		os.Exit(1)
	}
	if len(tests) == 0 {
		logger.Logger.Info("No tests match the given filters; nothing to do")
		return
	}

	staticCtx := templates.StaticContext(*suitePath, config.Variables)
	providers, err := provider.InitProviders(ctx, config.Providers, staticCtx)
	if err != nil {
		logger.Logger.Error("Failed to initialize providers", "error", err)
		os.Exit(1)
	}

	sched := scheduler.NewRegistry(scheduler.Config{})
	run := runner.New(config, providers, sched, evalStore, staticCtx)

	eval, err := run.Run(ctx, tests)
	if err != nil {
		logger.Logger.Error("Evaluation failed", "error", err)
		os.Exit(1)
	}
	runner.PrintSummary(eval)

	summary := report.Build(eval, sched.Snapshot())
	outputBase := *reportFileName
	if outputBase == "" {
		outputBase = "redbench_report"
	}
	for _, reportType := range strings.Split(*reportTypes, ",") {
		switch strings.TrimSpace(reportType) {
		case "json":
			if err := report.WriteJSON(eval, summary, outputBase+".json"); err != nil {
				logger.Logger.Error("Failed to write JSON report", "error", err)
			}
		case "markdown":
			if err := report.WriteMarkdown(summary, outputBase+".md"); err != nil {
				logger.Logger.Error("Failed to write markdown report", "error", err)
			}
		case "":
		default:
			logger.Logger.Warn("Unknown report type", "type", reportType)
		}
	}

	if summary.Failed+summary.Errors > 0 {
		os.Exit(1)
	}
}
