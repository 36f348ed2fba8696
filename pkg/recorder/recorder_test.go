package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"siprec-server/pkg/bus"
)

func TestDisabledRecorderIsNoop(t *testing.T) {
	r, err := New(Config{Enabled: false}, "call-1", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := r.Capture(bus.Frame{PCM: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("capture on disabled recorder should be a no-op: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close on disabled recorder should be a no-op: %v", err)
	}
}

func TestEnabledRecorderWritesWAVFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Enabled: true, Dir: dir, SampleRate: 8000}
	r, err := New(cfg, "call-2", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := r.Capture(bus.Frame{PCM: make([]byte, 640)}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "call-2.wav")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected recording file at %s: %v", path, err)
	}
	if info.Size() <= 44 {
		t.Fatalf("expected wav file larger than the header, got %d bytes", info.Size())
	}
}

func TestRecorderRefusesExternalBackendWithoutConsent(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Enabled: true, Dir: dir, AllowExternalBackend: true, ConsentAck: false}
	if _, err := New(cfg, "call-3", nil); err == nil {
		t.Fatal("expected an error when consent has not been acknowledged")
	}
}

func TestRecorderAllowsExternalBackendWithConsent(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Enabled: true, Dir: dir, AllowExternalBackend: true, ConsentAck: true}
	r, err := New(cfg, "call-4", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = r.Close()
}

func TestCaptureStopsAtByteCap(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Enabled: true, Dir: dir, SampleRate: 8000}, "call-5", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	r.written = maxBytesPerCall - 10
	if err := r.Capture(bus.Frame{PCM: make([]byte, 640)}); err != nil {
		t.Fatalf("capture near cap should not error: %v", err)
	}
	if r.written != maxBytesPerCall-10 {
		t.Fatalf("expected capture past the cap to be dropped, written=%d", r.written)
	}
}

func TestJanitorRemovesExpiredRecordings(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old.wav")
	fresh := filepath.Join(dir, "new.wav")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	if err := os.WriteFile(fresh, []byte("x"), 0o644); err != nil {
		t.Fatalf("write fresh file: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	j := NewJanitor(dir, 24, time.Millisecond, nil)
	j.sweep()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale recording to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh recording to survive: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.Run(ctx)
	cancel()
	j.Stop()
}
