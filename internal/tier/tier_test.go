package tier

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/earnings-ledger/internal/model"
)

func TestDefaultRegistry(t *testing.T) {
	r := MustDefault()

	basic, err := r.Lookup("basic")
	require.NoError(t, err)
	assert.Equal(t, 1, basic.DailyMissions)
	assert.Equal(t, 3, basic.MaxDepth)
	assert.Equal(t, 1000, basic.Rate(1))

	maxTier, err := r.Lookup("max")
	require.NoError(t, err)
	assert.Equal(t, 5, maxTier.MaxDepth)
	assert.Equal(t, 100, maxTier.Rate(5))

	all := r.All()
	require.Len(t, all, 6)
	assert.Equal(t, "basic", all[0].Name)
	assert.Equal(t, "max", all[5].Name)
}

func TestLookupUnknown(t *testing.T) {
	_, err := MustDefault().Lookup("gold")
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	r := MustDefault()

	basic, err := r.Lookup("basic")
	require.NoError(t, err)
	basic.Rates[0] = 9999

	again, err := r.Lookup("basic")
	require.NoError(t, err)
	assert.Equal(t, 1000, again.Rates[0])
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		tier model.Tier
	}{
		{name: "empty name", tier: model.Tier{DailyMissions: 1, MaxDepth: 1}},
		{name: "zero quota", tier: model.Tier{Name: "x", MaxDepth: 1}},
		{name: "depth too deep", tier: model.Tier{Name: "x", DailyMissions: 1, MaxDepth: 6}},
		{name: "depth zero", tier: model.Tier{Name: "x", DailyMissions: 1, MaxDepth: 0}},
		{name: "too many rates", tier: model.Tier{Name: "x", DailyMissions: 1, MaxDepth: 1, Rates: []int{1, 1, 1, 1, 1, 1}}},
		{name: "rate over 100%", tier: model.Tier{Name: "x", DailyMissions: 1, MaxDepth: 1, Rates: []int{10001}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry([]model.Tier{tt.tier})
			assert.Error(t, err)
		})
	}

	_, err := NewRegistry([]model.Tier{
		{Name: "a", DailyMissions: 1, MaxDepth: 1},
		{Name: "a", DailyMissions: 2, MaxDepth: 2},
	})
	assert.Error(t, err, "duplicate names must be rejected")
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	content := `
tiers:
  - name: starter
    annual_price: 100000
    daily_missions: 2
    max_depth: 2
    rates: [1000, 500]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	starter, err := r.Lookup("starter")
	require.NoError(t, err)
	assert.Equal(t, model.Tier{
		Name:          "starter",
		AnnualPrice:   100000,
		DailyMissions: 2,
		MaxDepth:      2,
		Rates:         []int{1000, 500},
	}, starter)
}
