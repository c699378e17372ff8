package pathselect

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGuardStoreRoundTrip(t *testing.T) {
	gs := &GuardStore{Dir: t.TempDir()}

	if fp := gs.Load(); fp != "" {
		t.Fatalf("Load on empty store = %q, want empty", fp)
	}

	if err := gs.Save("abcd1234"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if fp := gs.Load(); fp != "abcd1234" {
		t.Fatalf("Load = %q, want abcd1234", fp)
	}
}

func TestGuardStoreExpiresOldChoice(t *testing.T) {
	dir := t.TempDir()
	gs := &GuardStore{Dir: dir}
	if err := gs.Save("deadbeef"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Backdate chosenAt past the rotation period by rewriting the file.
	stale := `{"fingerprint":"deadbeef","chosen_at":"` +
		time.Now().Add(-2*guardRotationPeriod).Format(time.RFC3339) + `"}`
	if err := os.WriteFile(filepath.Join(dir, "guard.json"), []byte(stale), 0600); err != nil {
		t.Fatalf("write stale guard file: %v", err)
	}

	if fp := gs.Load(); fp != "" {
		t.Fatalf("Load on stale store = %q, want empty", fp)
	}
}
