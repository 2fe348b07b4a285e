package blueprint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

const mrsFramework = `
name: MRS
platform: linkedin
structure:
  sections: [{name: Mistake}, {name: Realization}, {name: Shift}]
validation: {min_chars: 500, max_chars: 1300, min_sections: 3}
compatible_pillars: [what_learning]
`

// awaitReload rewrites a file until a reload with the wanted outcome is
// seen. The watcher registers its directories asynchronously, so the first
// writes may go unnoticed.
func awaitReload(t *testing.T, reloads <-chan error, wantErr bool, write func()) error {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		write()
		select {
		case err := <-reloads:
			if (err != nil) == wantErr {
				return err
			}
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no reload with error=%v observed", wantErr)
		}
	}
}

func TestWatchReloadsAndKeepsPreviousSetOnBadEdit(t *testing.T) {
	root := t.TempDir()
	writeBlueprint(t, root, "frameworks/linkedin/STF.yaml", testFramework)
	store, err := Open(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan error, 64)
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		done <- Watch(ctx, store, logger,
			WithDebounce(20*time.Millisecond),
			WithReloadHook(func(err error) {
				select {
				case reloads <- err:
				default:
				}
			}))
	}()

	awaitReload(t, reloads, false, func() {
		writeBlueprint(t, root, "frameworks/linkedin/MRS.yaml", mrsFramework)
	})
	if _, err := store.Framework("MRS"); err != nil {
		t.Fatalf("MRS after watched reload: %v", err)
	}

	err = awaitReload(t, reloads, true, func() {
		writeBlueprint(t, root, "frameworks/linkedin/MRS.yaml", "name: [")
	})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed reload error, got %v", err)
	}
	if _, err := store.Framework("MRS"); err != nil {
		t.Fatalf("previous set should survive a bad edit: %v", err)
	}
	if _, err := store.Framework("STF"); err != nil {
		t.Fatalf("STF lost after bad edit: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}

func TestWatchFailsForMissingDirectory(t *testing.T) {
	store := NewStoreFromSet(nil, filepath.Join(t.TempDir(), "missing"))
	if err := Watch(context.Background(), store, nil); err == nil {
		t.Fatalf("expected error for a missing directory")
	}
}
