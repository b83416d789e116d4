package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPIDPolicy_ExpireSweepsStaleEntriesWhenEnabled(t *testing.T) {
	p := NewPIDPolicy(Tunables{CacheAll: true, MaxPids: 10, DoPidExpiry: true, PidExpirySecs: 60})

	start := time.Now()
	p.now = func() time.Time { return start }
	p.Add(AllowList, 1)

	p.now = func() time.Time { return start.Add(30 * time.Second) }
	p.Add(AllowList, 2)

	p.now = func() time.Time { return start.Add(90 * time.Second) }
	p.Expire()

	require.Equal(t, 1, len(p.allow))
	_, stillThere := p.allow[2]
	require.True(t, stillThere)
	require.Equal(t, int64(1), p.expiry)
}

func TestPIDPolicy_ExpireIsNoOpWhenDisabled(t *testing.T) {
	p := NewPIDPolicy(Tunables{CacheAll: true, MaxPids: 10, DoPidExpiry: false, PidExpirySecs: 1})

	start := time.Now()
	p.now = func() time.Time { return start }
	p.Add(AllowList, 1)

	p.now = func() time.Time { return start.Add(time.Hour) }
	p.Expire()

	require.Len(t, p.allow, 1)
}
