package pathselect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// GuardStore persists the client's chosen entry guard fingerprint across
// process restarts, the same on-disk-JSON-under-a-cache-dir idiom as
// directory.Cache uses for consensus and microdescriptor data.
type GuardStore struct {
	Dir string
}

type persistedGuard struct {
	Fingerprint string    `json:"fingerprint"`
	ChosenAt    time.Time `json:"chosen_at"`
}

// guardRotationPeriod bounds how long a guard is kept before rotation is
// allowed, following the Tor guard-rotation guidance of weeks rather than
// per-circuit reselection.
const guardRotationPeriod = 30 * 24 * time.Hour

// Load returns the persisted guard fingerprint, or "" if none is stored or
// it has aged past guardRotationPeriod.
func (g *GuardStore) Load() string {
	if g.Dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(g.Dir, "guard.json"))
	if err != nil {
		return ""
	}
	var pg persistedGuard
	if err := json.Unmarshal(data, &pg); err != nil {
		return ""
	}
	if time.Since(pg.ChosenAt) > guardRotationPeriod {
		return ""
	}
	return pg.Fingerprint
}

// Save persists the given guard fingerprint as the current choice.
func (g *GuardStore) Save(fingerprint string) error {
	if g.Dir == "" {
		return fmt.Errorf("guard store directory not set")
	}
	if err := os.MkdirAll(g.Dir, 0700); err != nil {
		return fmt.Errorf("create guard store dir: %w", err)
	}
	pg := persistedGuard{Fingerprint: fingerprint, ChosenAt: time.Now()}
	data, err := json.Marshal(pg)
	if err != nil {
		return fmt.Errorf("marshal guard: %w", err)
	}
	return os.WriteFile(filepath.Join(g.Dir, "guard.json"), data, 0600)
}
