package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// persistedState is the snapshot SaveState writes and LoadState reads:
// the tunables plus both PID lists, enough to reconstruct a control
// surface's configuration across a restart without replaying every
// individual Add/Del call.
type persistedState struct {
	Tunables Tunables `json:"tunables"`
	Allow    []int    `json:"allow_pids"`
	Deny     []int    `json:"deny_pids"`
}

// SaveState writes the policy's current tunables and PID lists to path
// as one atomic file replacement (temp file + rename), so a crash
// mid-write never leaves a half-written control file for the next
// LoadState to choke on.
func SaveState(path string, t Tunables, p *PIDPolicy) error {
	state := persistedState{
		Tunables: t,
		Allow:    p.pids(AllowList),
		Deny:     p.pids(DenyList),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("control: marshal state: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("control: write state %s: %w", path, err)
	}

	return nil
}

// LoadState reads a file SaveState previously wrote. A missing file
// yields DefaultTunables and empty lists rather than an error, matching
// spec §6's "out-of-range values coerced to default" treatment for
// configuration absence in general.
func LoadState(path string) (Tunables, *PIDPolicy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled state path
	if err != nil {
		if os.IsNotExist(err) {
			t := DefaultTunables()
			return t, NewPIDPolicy(t), nil
		}

		return Tunables{}, nil, fmt.Errorf("control: read state %s: %w", path, err)
	}

	var state persistedState

	if err := json.Unmarshal(data, &state); err != nil {
		return Tunables{}, nil, fmt.Errorf("%w: state %s: %w", ErrConfigInvalid, path, err)
	}

	t := state.Tunables.Clamp()
	p := NewPIDPolicy(t)

	for _, pid := range state.Allow {
		p.Add(AllowList, pid)
	}

	for _, pid := range state.Deny {
		p.Add(DenyList, pid)
	}

	return t, p, nil
}

// pids returns the list's current PIDs in no particular order. Takes its
// own lock; callers must not already hold p.mu.
func (p *PIDPolicy) pids(kind ListKind) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.listLocked(kind)
	out := make([]int, 0, len(list))

	for pid := range list {
		out = append(out, pid)
	}

	return out
}
