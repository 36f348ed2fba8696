// Package recorder implements the optional Recorder (C11): per-call
// capture of inbound/outbound PCM to a size-capped WAV file, subject
// to spec.md §9's consent gate, with a retention janitor that reaps
// old recordings on a schedule.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"siprec-server/pkg/bus"
	"siprec-server/pkg/errors"
	"siprec-server/pkg/media"
	"siprec-server/pkg/security/audit"
)

// maxBytesPerCall caps a single call's recording. 50 MiB of 16kHz
// mono 16-bit PCM is roughly 27 minutes of audio, with inbound and
// outbound frames both counting against it; picked as the concrete number spec.md §9
// asks implementations to choose and document.
const maxBytesPerCall = 50 * 1024 * 1024

// Config controls whether and how audio is captured to disk.
type Config struct {
	Enabled              bool
	ConsentAck           bool
	AllowExternalBackend bool
	Dir                  string
	RetentionHours       int
	SampleRate           int
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Dir:            "recordings",
		RetentionHours: 24,
		SampleRate:     16000,
	}
}

// Recorder captures one call's bus traffic to a WAV file on disk.
// A Recorder built from a disabled Config accepts every call but
// writes nothing, so callers never need to branch on whether
// recording is turned on.
type Recorder struct {
	mu      sync.Mutex
	cfg     Config
	callID  string
	path    string
	file    *os.File
	writer  *media.WAVWriter
	written uint32
	logger  *logrus.Logger
}

// New validates the consent gate and, if recording is enabled, opens
// a WAV file for callID under cfg.Dir. Passing a Config with
// Enabled=false returns a Recorder whose Capture calls are no-ops.
func New(cfg Config, callID string, logger *logrus.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Recorder{cfg: cfg, callID: callID, logger: logger}
	if !cfg.Enabled {
		return r, nil
	}

	if cfg.AllowExternalBackend && !cfg.ConsentAck {
		audit.Log(context.Background(), logger, &audit.Event{
			Category: "recording",
			Action:   "start",
			Outcome:  audit.OutcomeFailure,
			CallID:   callID,
			Details:  map[string]interface{}{"reason": "external backend without consent ack"},
		})
		return nil, errors.NewInvalidInput("recorder: RECORD_AUDIO requires RECORD_CONSENT_ACK when ALLOW_EXTERNAL_BACKEND is set")
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.NewInternalError("recorder: failed to create recordings dir").WithField("error", err.Error())
	}

	path := filepath.Join(cfg.Dir, fmt.Sprintf("%s.wav", callID))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.NewInternalError("recorder: failed to create recording file").WithField("error", err.Error())
	}
	writer, err := media.NewWAVWriter(f, cfg.SampleRate, 1)
	if err != nil {
		f.Close()
		return nil, errors.NewInternalError("recorder: failed to write wav header").WithField("error", err.Error())
	}

	r.path = path
	r.file = f
	r.writer = writer

	audit.Log(context.Background(), logger, &audit.Event{
		Category: "recording",
		Action:   "start",
		Outcome:  audit.OutcomeSuccess,
		CallID:   callID,
		Details:  map[string]interface{}{"path": path},
	})
	return r, nil
}

// Capture appends one frame's PCM to the recording, refusing further
// writes once maxBytesPerCall is reached.
func (r *Recorder) Capture(f bus.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	if r.written+uint32(len(f.PCM)) > maxBytesPerCall {
		return nil
	}
	n, err := r.writer.Write(f.PCM)
	r.written += uint32(n)
	if err != nil {
		return errors.NewInternalError("recorder: write failed").WithField("error", err.Error())
	}
	return nil
}

// Close finalizes the WAV header and closes the underlying file. Safe
// to call on a disabled Recorder.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	if err := r.writer.Finalize(); err != nil {
		r.logger.WithError(err).Warn("recorder: failed to finalize wav header")
	}
	err := r.file.Close()
	audit.Log(context.Background(), r.logger, &audit.Event{
		Category: "recording",
		Action:   "stop",
		Outcome:  audit.OutcomeSuccess,
		CallID:   r.callID,
		Details:  map[string]interface{}{"path": r.path, "bytes": r.written},
	})
	return err
}

// Janitor deletes recordings under a directory older than a
// configured retention window, run on a ticker in the background.
// Grounded on pkg/failover's ticker-loop shape.
type Janitor struct {
	dir             string
	retention       time.Duration
	checkInterval   time.Duration
	logger          *logrus.Logger
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewJanitor builds a Janitor that reaps files under dir older than
// retentionHours, checking on checkInterval.
func NewJanitor(dir string, retentionHours int, checkInterval time.Duration, logger *logrus.Logger) *Janitor {
	if logger == nil {
		logger = logrus.New()
	}
	if checkInterval <= 0 {
		checkInterval = 10 * time.Minute
	}
	return &Janitor{
		dir:           dir,
		retention:     time.Duration(retentionHours) * time.Hour,
		checkInterval: checkInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Run starts the background reap loop until ctx is done or Stop is
// called.
func (j *Janitor) Run(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stopCh:
				return
			case <-ticker.C:
				j.sweep()
			}
		}
	}()
}

func (j *Janitor) sweep() {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.WithError(err).Warn("recorder janitor: failed to list recordings dir")
		}
		return
	}
	cutoff := time.Now().Add(-j.retention)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(j.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				j.logger.WithError(err).WithField("path", path).Warn("recorder janitor: failed to remove expired recording")
				continue
			}
			j.logger.WithField("path", path).Info("recorder janitor: removed expired recording")
		}
	}
}

// Stop signals the reap loop to exit and waits for it.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}
