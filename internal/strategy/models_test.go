package strategy

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
)

func TestRollingMean(t *testing.T) {
	got := RollingMean([]float64{1, 2, 3, 4}, 2)
	assert.True(t, math.IsNaN(got[0]))
	assert.Equal(t, []float64{1.5, 2.5, 3.5}, got[1:])
}

func TestRollingStd(t *testing.T) {
	got := RollingStd([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8)
	assert.InDelta(t, 2.138089935, got[7], 1e-9)
	assert.True(t, math.IsNaN(RollingStd([]float64{1}, 1)[0]))
}

func TestRollingWindowWithNaN(t *testing.T) {
	got := RollingMean([]float64{1, math.NaN(), 3, 5}, 2)
	assert.True(t, math.IsNaN(got[1]))
	assert.True(t, math.IsNaN(got[2]))
	assert.Equal(t, 4.0, got[3])
}

func TestRollingPctRank(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		want float64
	}{
		{name: "highest", x: []float64{1, 2, 3, 4}, want: 1},
		{name: "lowest", x: []float64{4, 3, 2, 1}, want: 0.25},
		{name: "ties averaged", x: []float64{1, 2, 2, 2}, want: 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RollingPctRank(tt.x, 4)
			assert.InDelta(t, tt.want, got[3], 1e-12)
		})
	}
}

func TestBandModel(t *testing.T) {
	x := []float64{1, 1, 1, 2, 1, 1, 1, 10}
	p := ModelParams{Window1: 4, Window2: 4, Threshold: 1}

	mom := bandModel(x, p)
	assert.Equal(t, 1.0, mom[7])
	assert.Equal(t, 0.0, mom[0], "NaN comparisons map to zero")

	p.Reversal = true
	rev := bandModel(x, p)
	assert.Equal(t, 0.0, rev[7])
}

func TestRankModel(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6}
	p := ModelParams{Window1: 2, Window2: 3, Threshold: 0.8}
	assert.Equal(t, 1.0, rankModel(x, p)[5])

	p.Reversal = true
	assert.Equal(t, 0.0, rankModel(x, p)[5])

	down := []float64{6, 5, 4, 3, 2, 1}
	p.Threshold = 0.6
	assert.Equal(t, 1.0, rankModel(down, p)[5])
}

func TestExtractParams(t *testing.T) {
	tests := []struct {
		name    string
		params  []float64
		offset  int
		wantErr bool
		want    ModelParams
	}{
		{name: "plain", params: []float64{24, 48, 1.5}, want: ModelParams{Window1: 24, Window2: 48, Threshold: 1.5}},
		{name: "offset", params: []float64{1, 24, 48, 1.5}, offset: 1, want: ModelParams{Window1: 24, Window2: 48, Threshold: 1.5}},
		{name: "too short", params: []float64{24, 48}, wantErr: true},
		{name: "fractional window", params: []float64{2.5, 48, 1}, wantErr: true},
		{name: "zero window", params: []float64{0, 48, 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractParams(tt.params, tt.offset, false)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

const sampleTable = `factor_id,strategy,weight,dir,sym,res,p,m
ttp_r_btc,ttp,2,R,btc,1h,"[24, 48, 1.5]",B
ttp_r_btc,ttp,2,R,btc,1h,"[12, 24, 0.8]",R
oi_m_eth,oi,1,M,eth,4h,"[1, 6, 12, 1.0]",B
bad_dir,ttp,1,X,sol,1h,[1],B
`

func TestParseTable(t *testing.T) {
	configs, err := ParseTable(strings.NewReader(sampleTable), logger.Nop())
	require.NoError(t, err)
	require.Len(t, configs, 2)

	btc := configs[0]
	assert.Equal(t, 1, btc.ID)
	assert.Equal(t, "ttp_r_btc", btc.Name)
	assert.Equal(t, "ttp", btc.Family)
	assert.Equal(t, models.TypeReversal, btc.Type)
	assert.Equal(t, "BTC", btc.Symbol)
	assert.InDelta(t, 0.5, btc.FinalWeight, 1e-12)
	assert.Equal(t, DefaultSide, btc.Side)
	require.Len(t, btc.ParamSets, 2)
	assert.Equal(t, []float64{24, 48, 1.5}, btc.ParamSets[0].Params)
	assert.Equal(t, "R", btc.ParamSets[1].Model)

	eth := configs[1]
	assert.Equal(t, 2, eth.ID)
	assert.Equal(t, models.TypeMomentum, eth.Type)
	assert.Equal(t, "4h", eth.Timeframe)
	assert.InDelta(t, 0.25, eth.FinalWeight, 1e-12)

	names, weights := Weights(configs)
	assert.Equal(t, []string{"ttp_r_btc", "oi_m_eth"}, names)
	assert.InDelta(t, 0.5, weights["ttp_r_btc"], 1e-12)
}

func TestParseTable_UnequalWeightsSkipGroup(t *testing.T) {
	table := `factor_id,strategy,weight,dir,sym,res,p,m
a,ttp,1,R,btc,1h,"[1,2,3]",B
a,ttp,3,R,btc,1h,"[1,2,3]",B
b,ttp,2,M,eth,1h,"[1,2,3]",B
`
	configs, err := ParseTable(strings.NewReader(table), logger.Nop())
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "b", configs[0].Name)
	assert.Equal(t, 1, configs[0].ID)
	assert.InDelta(t, 0.5, configs[0].FinalWeight, 1e-12)
}

func TestParseTable_FamilyColumn(t *testing.T) {
	table := `factor_id,strategy,family,weight,dir,sym,res,p,m
x,strat_001,TBL,1,M,btc,1h,(24;48),B
`
	configs, err := ParseTable(strings.NewReader(table), logger.Nop())
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "tbl", configs[0].Family)
	assert.Equal(t, "strat_001", configs[0].ParamSets[0].StrategyID)
}

func TestParseTable_MissingColumn(t *testing.T) {
	_, err := ParseTable(strings.NewReader("factor_id,weight\na,1\n"), logger.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseParams(t *testing.T) {
	assert.Equal(t, []float64{1, 24, 48, 1.5}, parseParams("[1, 24, 48, 1.5]"))
	assert.Equal(t, []float64{3, 4}, parseParams("(3,'x',4)"))
	assert.Nil(t, parseParams(""))
}
