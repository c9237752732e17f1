package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/logrusorgru/aurora"

	"github.com/kscalelabs/gaintune/internal/config"
	"github.com/kscalelabs/gaintune/internal/optimization"
)

func formatScore(au aurora.Aurora, score float64) string {
	if math.IsInf(score, -1) || math.IsNaN(score) {
		return au.Red("failed").String()
	}
	return fmt.Sprintf("%.4f", score)
}

// progressLine renders one evaluation for the live log.
func progressLine(au aurora.Aurora, e optimization.Evaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%4d %-7s %s", e.Iteration, e.Phase, formatScore(au, e.Solution.Score))
	if e.Improved {
		b.WriteString(" ")
		b.WriteString(au.Green("new best").String())
	}
	return b.String()
}

// summary renders the best gains in study parameter order.
func summary(au aurora.Aurora, study *config.Study, result *optimization.OptimizationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", au.Bold("study:"), study.Name)
	fmt.Fprintf(&b, "%s %d\n", au.Bold("evaluations:"), len(result.History))
	if result.EarlyStopped {
		fmt.Fprintf(&b, "%s after %d guided rounds\n", au.Yellow("early stopped"), result.Iterations)
	}
	if len(result.BestParams) == 0 {
		b.WriteString(au.Red("no successful evaluation").String())
		b.WriteString("\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%s %s\n", au.Bold("best score:"), formatScore(au, result.BestScore))
	for _, p := range study.Parameters {
		fmt.Fprintf(&b, "  %-24s %s\n", p.Name, au.Cyan(fmt.Sprintf("%.6g", result.BestParams[p.Name])))
	}
	return b.String()
}

// historyChart plots every score and the running best. Failed evaluations
// leave gaps.
func historyChart(name string, history []float64) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Score history",
			Subtitle: name,
		}),
		charts.WithXAxisOpts(opts.XAxis{Name: "evaluation"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "score"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	steps := make([]int, len(history))
	for i := range steps {
		steps[i] = i + 1
	}
	scores, best := seriesData(history)

	line.SetXAxis(steps).
		AddSeries("score", scores).
		AddSeries("best", best)
	return line
}

// seriesData converts scores to chart points along with the running best.
func seriesData(history []float64) (scores, best []opts.LineData) {
	scores = make([]opts.LineData, len(history))
	best = make([]opts.LineData, len(history))
	running := math.Inf(-1)
	for i, s := range history {
		if !math.IsInf(s, 0) && !math.IsNaN(s) {
			scores[i].Value = s
			if s > running {
				running = s
			}
		}
		if !math.IsInf(running, -1) {
			best[i].Value = running
		}
	}
	return scores, best
}
