package workflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategySpecJSON(t *testing.T) {
	t.Run("missing params fall back to defaults", func(t *testing.T) {
		var spec StrategySpec
		require.NoError(t, json.Unmarshal([]byte(`{"kind":"buy_the_dip"}`), &spec))

		cfg, ok := spec.Config.(BuyTheDipConfig)
		require.True(t, ok)
		assert.Equal(t, 0.02, cfg.DipThreshold)
		assert.Equal(t, 20, cfg.LookbackPeriods)
		assert.Equal(t, 10000.0, cfg.InitialCapital)
	})

	t.Run("params overlay defaults", func(t *testing.T) {
		var spec StrategySpec
		require.NoError(t, json.Unmarshal([]byte(`{"kind":"momentum","params":{"momentum_threshold":7.5,"take_profit":0.03}}`), &spec))

		cfg, ok := spec.Config.(MomentumConfig)
		require.True(t, ok)
		assert.Equal(t, 7.5, cfg.MomentumThreshold)
		assert.Equal(t, 0.03, cfg.TakeProfit)
		assert.Equal(t, 20, cfg.LookbackPeriod)
		assert.Equal(t, 5, cfg.HoldDays)
	})

	t.Run("round trips through the envelope", func(t *testing.T) {
		in := StrategySpec{Config: VIXConfig{RiskParams: DefaultRisk(), VIXThreshold: 25, IndexSymbol: "I:VIX"}}
		data, err := json.Marshal(in)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"kind":"vix"`)

		var out StrategySpec
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, in.Config, out.Config)
	})

	t.Run("unknown kind is a configuration error", func(t *testing.T) {
		var spec StrategySpec
		err := json.Unmarshal([]byte(`{"kind":"martingale"}`), &spec)
		assert.True(t, errors.Is(err, ErrConfiguration))
	})
}

func TestWithThreshold(t *testing.T) {
	base, err := DefaultStrategy(StrategyBuyTheDip)
	require.NoError(t, err)

	varied := base.WithThreshold(0.05)
	assert.Equal(t, 0.05, varied.Threshold())
	assert.Equal(t, 0.02, base.Threshold())
	assert.NoError(t, varied.Validate())

	assert.Error(t, base.WithThreshold(1.5).Validate())
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"90m"`), &d))
	assert.Equal(t, 90*time.Minute, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`1500`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	data, err := json.Marshal(Duration(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, `"2h0m0s"`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
}

func TestStartRequestValidate(t *testing.T) {
	strategy := StrategySpec{Config: BuyTheDipConfig{RiskParams: DefaultRisk(), DipThreshold: 0.02, LookbackPeriods: 20}}
	window := DateWindow{
		Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	t.Run("full mode needs a duration", func(t *testing.T) {
		req := StartRequest{Mode: ModeFull, Strategy: strategy, Symbols: []string{"AAPL"}, Range: window}
		assert.True(t, errors.Is(req.Validate(), ErrConfiguration))

		req.Duration = Duration(time.Hour)
		assert.NoError(t, req.Validate())
	})

	t.Run("validate mode needs only a source run", func(t *testing.T) {
		req := StartRequest{Mode: ModeValidate, SourceRunID: "r0"}
		assert.NoError(t, req.Validate())
	})

	t.Run("backtest mode rejects an inverted window", func(t *testing.T) {
		req := StartRequest{Mode: ModeBacktest, Strategy: strategy, Symbols: []string{"AAPL"},
			Range: DateWindow{Start: window.End, End: window.Start}}
		assert.Error(t, req.Validate())
	})

	t.Run("error result needs a cause", func(t *testing.T) {
		h := ResultHeader{RunID: "r1", Status: ResultError}
		assert.True(t, errors.Is(h.Validate(), ErrProtocol))
		h.Cause = &Cause{Kind: CauseInternal, Message: "boom"}
		assert.NoError(t, h.Validate())
	})
}
