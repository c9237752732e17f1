// Command tune runs a single gain-tuning study from the command line and
// prints the best gains found.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/logrusorgru/aurora"
	"go.uber.org/zap"

	"github.com/kscalelabs/gaintune/internal/config"
	"github.com/kscalelabs/gaintune/internal/envcfg"
	"github.com/kscalelabs/gaintune/internal/logging"
	"github.com/kscalelabs/gaintune/internal/optimization"
	"github.com/kscalelabs/gaintune/internal/optimization/bayesian"
	"github.com/kscalelabs/gaintune/internal/sim/pdbalance"
)

func main() {
	var (
		studyPath = flag.String("study", "", "study YAML file (default: PD gain study)")
		simPath   = flag.String("sim", config.GetEnv("SIM_CONFIG", ""), "simulator config YAML file")
		seed      = flag.Int64("seed", int64(config.GetEnvAsInt("OPT_SEED", 0)), "random seed, 0 picks one from the clock")
		chartPath = flag.String("chart", "", "write an HTML chart of the score history to this file")
		logLevel  = flag.String("log-level", config.GetEnv("LOG_LEVEL", "warn"), "log level")
		quiet     = flag.Bool("quiet", false, "only print the final result")
		noColor   = flag.Bool("no-color", false, "disable colored output")
	)
	flag.Parse()

	au := aurora.NewAurora(!*noColor)
	if err := run(au, *studyPath, *simPath, *seed, *chartPath, *logLevel, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, au.Red(err.Error()))
		os.Exit(1)
	}
}

func run(au aurora.Aurora, studyPath, simPath string, seed int64, chartPath, logLevel string, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{Level: logLevel, Format: "console", Output: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	study := config.DefaultStudy()
	if studyPath != "" {
		if study, err = config.LoadStudy(studyPath); err != nil {
			return err
		}
	}
	if seed != 0 {
		study.Seed = seed
	}
	cfg.FillDefaults(study)

	if study.SimConfig != "" {
		simPath = study.SimConfig
	}
	base := envcfg.Default()
	if simPath != "" {
		if base, err = envcfg.Load(simPath); err != nil {
			return err
		}
	}

	oc, err := study.OptimizerConfig(base, pdbalance.New)
	if err != nil {
		return err
	}
	oc.Logger = logger.With(zap.String("study", study.Name))
	if !quiet {
		oc.Observer = func(e optimization.Evaluation) {
			fmt.Println(progressLine(au, e))
		}
	}

	opt, err := bayesian.NewOptimizer(oc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := opt.Optimize(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		// Interrupted: report what was found so far.
		result = partialResult(opt)
		fmt.Println(au.Yellow("interrupted"))
	}

	fmt.Print(summary(au, study, result))

	if chartPath != "" {
		f, err := os.Create(chartPath)
		if err != nil {
			return fmt.Errorf("failed to create chart: %w", err)
		}
		defer f.Close()
		if err := historyChart(study.Name, result.History).Render(f); err != nil {
			return fmt.Errorf("failed to render chart: %w", err)
		}
		fmt.Println("chart written to", au.Cyan(chartPath))
	}
	return nil
}

// partialResult builds a result from an optimizer that did not finish.
func partialResult(opt *bayesian.BayesianOptimizer) *optimization.OptimizationResult {
	evals := opt.GetHistory()
	result := &optimization.OptimizationResult{
		Evaluations: evals,
		History:     make([]float64, len(evals)),
	}
	for i, e := range evals {
		result.History[i] = e.Solution.Score
	}
	if best := opt.GetBestSolution(); best != nil {
		result.BestParams = best.Params
		result.BestScore = best.Score
	}
	return result
}
