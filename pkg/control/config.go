package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/wbcache/wbcache/pkg/index"
)

// ErrConfigInvalid mirrors spec §7's ConfigInvalid error kind for a
// malformed tunables file.
var ErrConfigInvalid = errors.New("control: invalid config")

// fileConfig is the on-disk shape of a human-maintained tunables file,
// JSON-with-comments via hujson, the same way the teacher's own config.go
// loads its `.tk.json`. Only fields the operator might reasonably want to
// pre-seed are exposed; do_sync/stop_sync/zero_stats are signals, not
// persisted configuration.
type fileConfig struct {
	DirtyThreshPct   *int    `json:"dirty_thresh_pct,omitempty"`
	MaxCleanIOsTotal *int    `json:"max_clean_ios_total,omitempty"`
	MaxCleanIOsSet   *int    `json:"max_clean_ios_set,omitempty"`
	MaxPids          *int    `json:"max_pids,omitempty"`
	PidExpirySecs    *int    `json:"pid_expiry_secs,omitempty"`
	DoPidExpiry      *bool   `json:"do_pid_expiry,omitempty"`
	ReclaimPolicy    *string `json:"reclaim_policy,omitempty"` //nolint:tagliatelle
	CacheAll         *bool   `json:"cache_all,omitempty"`
	FastRemove       *bool   `json:"fast_remove,omitempty"`
}

// LoadConfigFile reads a JSONC tunables file at path and merges it over
// DefaultTunables, clamping the result. A missing file is not an error:
// the caller gets the defaults back, matching the teacher's
// loadConfigFile's "optional, missing means zero config" behavior for
// anything but an explicitly required path.
func LoadConfigFile(path string) (Tunables, error) {
	cfg := DefaultTunables()

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Tunables{}, fmt.Errorf("%w: reading %s: %w", ErrConfigInvalid, path, err)
	}

	return ParseConfig(data, cfg)
}

// ParseConfig standardizes JSONC to JSON and merges it over base,
// returning the clamped result.
func ParseConfig(data []byte, base Tunables) (Tunables, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Tunables{}, fmt.Errorf("%w: invalid JSONC: %w", ErrConfigInvalid, err)
	}

	var fc fileConfig

	if err := json.Unmarshal(standardized, &fc); err != nil {
		return Tunables{}, fmt.Errorf("%w: invalid JSON: %w", ErrConfigInvalid, err)
	}

	merged, err := mergeFileConfig(base, fc)
	if err != nil {
		return Tunables{}, err
	}

	return merged.Clamp(), nil
}

func mergeFileConfig(base Tunables, fc fileConfig) (Tunables, error) {
	if fc.DirtyThreshPct != nil {
		base.DirtyThreshPct = *fc.DirtyThreshPct
	}

	if fc.MaxCleanIOsTotal != nil {
		base.MaxCleanIOsTotal = *fc.MaxCleanIOsTotal
	}

	if fc.MaxCleanIOsSet != nil {
		base.MaxCleanIOsSet = *fc.MaxCleanIOsSet
	}

	if fc.MaxPids != nil {
		base.MaxPids = *fc.MaxPids
	}

	if fc.PidExpirySecs != nil {
		base.PidExpirySecs = *fc.PidExpirySecs
	}

	if fc.DoPidExpiry != nil {
		base.DoPidExpiry = *fc.DoPidExpiry
	}

	if fc.CacheAll != nil {
		base.CacheAll = *fc.CacheAll
	}

	if fc.FastRemove != nil {
		base.FastRemove = *fc.FastRemove
	}

	if fc.ReclaimPolicy != nil {
		switch *fc.ReclaimPolicy {
		case "fifo":
			base.ReclaimPolicy = index.FIFO
		case "lru":
			base.ReclaimPolicy = index.LRU
		default:
			return Tunables{}, fmt.Errorf("%w: reclaim_policy %q must be \"fifo\" or \"lru\"", ErrConfigInvalid, *fc.ReclaimPolicy)
		}
	}

	return base, nil
}
