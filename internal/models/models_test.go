package models_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "1000000000000000000"},
		{"0.01", "10000000000000000"},
		{" 2.5 ", "2500000000000000000"},
		{"0.000000000000000001", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := models.ParseAmount(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}

	for _, bad := range []string{"", "abc", "-1", "1.2.3", "0.0000000000000000001"} {
		_, err := models.ParseAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatAmount(t *testing.T) {
	v, _ := new(big.Int).SetString("1234567890000000000", 10)
	assert.Equal(t, "1.2345", models.FormatAmount(v, 4))
	assert.Equal(t, "1", models.FormatAmount(v, 0))
	assert.Equal(t, "0.0100", models.FormatAmount(big.NewInt(10_000_000_000_000_000), 4))
	assert.Equal(t, "0.0000", models.FormatAmount(big.NewInt(0), 4))
	assert.Equal(t, "0", models.FormatAmount(nil, 4))
}

func TestFanLevelCycle(t *testing.T) {
	assert.Equal(t, models.FanMedium, models.FanLow.Next())
	assert.Equal(t, models.FanHigh, models.FanMedium.Next())
	assert.Equal(t, models.FanLow, models.FanHigh.Next())
	assert.Equal(t, models.FanLow, models.FanLevel("turbo").Next())

	for i, want := range []models.FanLevel{models.FanLow, models.FanMedium, models.FanHigh} {
		got, err := models.FanLevelFromIndex(i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, i, want.Index())
	}
	_, err := models.FanLevelFromIndex(3)
	assert.Error(t, err)
}

func TestParseFanLevel(t *testing.T) {
	for in, want := range map[string]models.FanLevel{
		"weak": models.FanLow, "LOW": models.FanLow,
		"medium": models.FanMedium,
		"power": models.FanHigh, "strong": models.FanHigh, "high": models.FanHigh,
	} {
		got, err := models.ParseFanLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := models.ParseFanLevel("turbo")
	assert.Error(t, err)
}

func TestModeToggle(t *testing.T) {
	assert.Equal(t, models.ModeHeat, models.ModeCool.Toggle())
	assert.Equal(t, models.ModeCool, models.ModeHeat.Toggle())
	assert.Equal(t, 1, models.ModeHeat.Index())

	_, err := models.ModeFromIndex(2)
	assert.Error(t, err)
}

func TestParseRequestKind(t *testing.T) {
	for _, k := range models.AllRequestKinds {
		got, err := models.ParseRequestKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
		assert.NotEmpty(t, k.DefaultAnnotation())
	}
	_, err := models.ParseRequestKind("explode")
	assert.Error(t, err)
}

func TestAccounts(t *testing.T) {
	assert.True(t, models.SameAccount("0xAbC", "0xaBc"))
	assert.False(t, models.SameAccount("", ""))
	assert.False(t, models.SameAccount("0xabc", "0xabd"))

	assert.Equal(t, "0x1234...abcd", models.ShortAccount("0x1234567890abcd"))
	assert.Equal(t, "unknown", models.ShortAccount("unknown"))
}

func TestRequestStatusTerminal(t *testing.T) {
	assert.False(t, models.RequestSubmitted.Terminal())
	assert.True(t, models.RequestConfirmed.Terminal())
	assert.True(t, models.RequestFailed.Terminal())
	assert.True(t, models.RequestTimedOut.Terminal())
}

func TestTemperatureRange(t *testing.T) {
	r := models.TemperatureRange{Min: 18, Max: 30, Step: 1}
	assert.True(t, r.Contains(18))
	assert.True(t, r.Contains(30))
	assert.False(t, r.Contains(31))
	assert.False(t, r.Contains(17))
}
