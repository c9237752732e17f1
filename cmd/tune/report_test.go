package main

import (
	"bytes"
	"math"
	"testing"

	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/logrusorgru/aurora"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kscalelabs/gaintune/internal/config"
	"github.com/kscalelabs/gaintune/internal/optimization"
)

var plain = aurora.NewAurora(false)

func TestProgressLine(t *testing.T) {
	tests := []struct {
		name string
		eval optimization.Evaluation
		want string
	}{
		{
			name: "improved",
			eval: optimization.Evaluation{Iteration: 3, Phase: optimization.PhaseGuided,
				Solution: &optimization.Solution{Score: -1.25}, Improved: true},
			want: "   3 guided  -1.2500 new best",
		},
		{
			name: "failed",
			eval: optimization.Evaluation{Iteration: 12, Phase: optimization.PhaseInitial,
				Solution: &optimization.Solution{Score: math.Inf(-1)}},
			want: "  12 initial failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, progressLine(plain, tt.eval))
		})
	}
}

func TestSummary(t *testing.T) {
	study := config.DefaultStudy()

	out := summary(plain, study, &optimization.OptimizationResult{
		BestParams:   map[string]float64{"gains.kp_scale": 0.25, "gains.kd_scale": 6},
		BestScore:    -3.5,
		History:      []float64{-5, -3.5},
		EarlyStopped: true,
		Iterations:   1,
	})
	assert.Contains(t, out, "evaluations: 2")
	assert.Contains(t, out, "best score: -3.5000")
	assert.Contains(t, out, "early stopped after 1 guided rounds")
	assert.Less(t, bytes.Index([]byte(out), []byte("gains.kp_scale")), bytes.Index([]byte(out), []byte("gains.kd_scale")))

	out = summary(plain, study, &optimization.OptimizationResult{})
	assert.Contains(t, out, "no successful evaluation")
}

func TestHistoryChart(t *testing.T) {
	history := []float64{math.Inf(-1), -4, -6, -2}
	line := historyChart("pd-gains", history)

	var buf bytes.Buffer
	require.NoError(t, line.Render(&buf))
	assert.Contains(t, buf.String(), "Score history")

	scores, best := seriesData(history)
	require.Len(t, scores, 4)
	assert.Nil(t, scores[0].Value)
	assert.Equal(t, -6.0, scores[2].Value)
	assert.Equal(t, []opts.LineData{{Value: nil}, {Value: -4.0}, {Value: -4.0}, {Value: -2.0}}, best)
}
