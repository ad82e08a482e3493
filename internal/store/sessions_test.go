package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiqlabs/tradecore/internal/types"
)

func TestDecodeSessionConfigObject(t *testing.T) {
	raw := []byte(`{"risk_profile":"MEDIUM","max_stake":50,"min_confidence":0.65,"allowed_markets":["R_50","R_100"]}`)
	cfg, err := DecodeSessionConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, types.RiskProfileMedium, cfg.RiskProfile)
	assert.Equal(t, 50.0, cfg.MaxStake)
	assert.Equal(t, []string{"R_50", "R_100"}, cfg.AllowedMarkets)
}

func TestDecodeSessionConfigDoubleEncodedString(t *testing.T) {
	// Some legacy rows hold the config object encoded as a JSON string.
	inner := `{"risk_profile":"HIGH","max_stake":25,"min_confidence":0.7}`
	raw, err := json.Marshal(inner)
	require.NoError(t, err)

	cfg, err := DecodeSessionConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, types.RiskProfileHigh, cfg.RiskProfile)
	assert.Equal(t, 25.0, cfg.MaxStake)
	assert.Equal(t, 0.7, cfg.MinConfidence)
}

func TestDecodeSessionConfigEmpty(t *testing.T) {
	cfg, err := DecodeSessionConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, types.SessionConfig{}, cfg)
}

func TestDecodeSessionConfigGarbage(t *testing.T) {
	_, err := DecodeSessionConfig([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeSessionConfig([]byte(`"not an object"`))
	assert.Error(t, err)
}
