package plans

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	catalog := DefaultCatalog()

	assert.Equal(t, []string{"daily", "international", "kenya", "monthly", "weekly"}, catalog.IDs())

	kenya, err := catalog.Lookup("kenya")
	require.NoError(t, err)
	assert.Equal(t, "KES", kenya.Currency)
	assert.Equal(t, int64(60), kenya.Price)
	assert.Equal(t, 12*time.Hour, kenya.Duration())
	assert.True(t, kenya.RequiresPhone)

	intl, err := catalog.Lookup("international")
	require.NoError(t, err)
	assert.Equal(t, "USD", intl.Currency)
	assert.False(t, intl.RequiresPhone)
}

func TestAmountMinor(t *testing.T) {
	p := Plan{Price: 60}
	assert.Equal(t, int64(6000), p.AmountMinor())
}

func TestLookup_Unknown(t *testing.T) {
	_, err := DefaultCatalog().Lookup("retired")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_PreservesDeclarationOrder(t *testing.T) {
	catalog := NewCatalog([]Plan{
		{ID: "b", Currency: "KES", Price: 1, Hours: 1},
		{ID: "a", Currency: "KES", Price: 1, Hours: 1},
	})

	list := catalog.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}

func TestNewCatalog_SkipsDuplicateIDs(t *testing.T) {
	catalog := NewCatalog([]Plan{
		{ID: "a", Label: "first", Currency: "KES", Price: 1, Hours: 1},
		{ID: "a", Label: "second", Currency: "KES", Price: 2, Hours: 2},
	})

	require.Len(t, catalog.List(), 1)
	p, err := catalog.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "first", p.Label)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	data := `
- id: trial
  label: "1 Hour Trial"
  currency: KES
  price: 10
  hours: 1
  requires_phone: true
- id: vip
  label: "VIP Month"
  currency: USD
  price: 50
  hours: 720
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	catalog, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"trial", "vip"}, catalog.IDs())

	trial, err := catalog.Lookup("trial")
	require.NoError(t, err)
	assert.True(t, trial.RequiresPhone)
	assert.Equal(t, time.Hour, trial.Duration())
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFile_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plans")
}

func TestLoadFile_InvalidPlan(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing id", "- label: x\n  currency: KES\n  price: 1\n  hours: 1\n", "id is required"},
		{"missing currency", "- id: x\n  price: 1\n  hours: 1\n", "currency is required"},
		{"zero price", "- id: x\n  currency: KES\n  price: 0\n  hours: 1\n", "price must be positive"},
		{"zero hours", "- id: x\n  currency: KES\n  price: 1\n  hours: 0\n", "hours must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "plans.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))

			_, err := LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
