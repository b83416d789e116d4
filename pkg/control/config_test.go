package control_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wbcache/wbcache/pkg/control"
	"github.com/wbcache/wbcache/pkg/index"
)

func TestLoadConfigFile_MissingFileYieldsDefaults(t *testing.T) {
	got, err := control.LoadConfigFile(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.NoError(t, err)
	require.Equal(t, control.DefaultTunables(), got)
}

func TestParseConfig_MergesOverBaseAndClamps(t *testing.T) {
	data := []byte(`{
		// dirty threshold as percent of associativity
		"dirty_thresh_pct": 40,
		"reclaim_policy": "lru",
		"cache_all": false,
	}`)

	got, err := control.ParseConfig(data, control.DefaultTunables())
	require.NoError(t, err)
	require.Equal(t, 40, got.DirtyThreshPct)
	require.Equal(t, index.LRU, got.ReclaimPolicy)
	require.False(t, got.CacheAll)
	require.Equal(t, control.MaxPidsDefault, got.MaxPids)
}

func TestParseConfig_RejectsUnknownReclaimPolicy(t *testing.T) {
	_, err := control.ParseConfig([]byte(`{"reclaim_policy": "random"}`), control.DefaultTunables())
	require.ErrorIs(t, err, control.ErrConfigInvalid)
}

func TestParseConfig_RejectsMalformedJSONC(t *testing.T) {
	_, err := control.ParseConfig([]byte(`{not valid`), control.DefaultTunables())
	require.ErrorIs(t, err, control.ErrConfigInvalid)
}
