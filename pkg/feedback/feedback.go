// Package feedback implements the append-only Feedback Store (C2):
// anonymized call-outcome records, durable at the append boundary,
// pruned only by a retention window.
package feedback

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"siprec-server/pkg/errors"
	"siprec-server/pkg/reward"
)

// Signals mirrors reward.Signals but with a JSON-serializable rating,
// matching spec.md §3's Feedback Event schema.
type Signals struct {
	Resolution   bool `json:"resolution"`
	UserRating   *int `json:"user_rating"`
	BargeInCount int  `json:"barge_in_count"`
	Repeats      int  `json:"repeats"`
	Handover     bool `json:"handover"`
	DurationSec  float64 `json:"duration_sec"`
}

// ToRewardSignals converts to the reward package's input type.
func (s Signals) ToRewardSignals() reward.Signals {
	return reward.Signals{
		Resolution:   s.Resolution,
		UserRating:   s.UserRating,
		BargeInCount: s.BargeInCount,
		Repeats:      s.Repeats,
		Handover:     s.Handover,
		DurationSec:  s.DurationSec,
	}
}

// Event is one anonymized call-outcome record, matching spec.md §3.
type Event struct {
	CallIDHash      string    `json:"call_id_hash"`
	TSHour          time.Time `json:"ts_hour"`
	Profile         string    `json:"profile"`
	PolicyVariantID string    `json:"policy_variant_id"`
	Signals         Signals   `json:"signals"`
}

// Anonymize derives the store-safe identifiers from a raw call id and
// profile: a truncated SHA-256 hash of the call id (never the raw
// id itself) and the profile hashed the same way, per spec.md §3's
// "PII never persists in this record" requirement.
func Anonymize(callID, profile string) (callIDHash, profileHash string) {
	return hashTruncated(callID), hashTruncated(profile)
}

// TruncateToHour rounds a timestamp down to the top of its hour,
// per spec.md §3's "timestamps are rounded to the hour" requirement.
func TruncateToHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).UTC()
}

func hashTruncated(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Store is an append-only NDJSON log of Feedback Events, one JSON
// object per line, opened O_APPEND so concurrent appenders never
// interleave partial writes mid-record.
type Store struct {
	mu   sync.Mutex
	path string
}

// New opens (creating if absent) the feedback log at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewPersistence("create feedback store directory").WithField("error", err.Error())
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.NewPersistence("open feedback store").WithField("error", err.Error())
	}
	f.Close()
	return &Store{path: path}, nil
}

// Append validates and durably persists one Feedback Event. Rejects
// events missing required fields (CallIDHash, zero TSHour) without
// writing anything, and refuses inputs that look like they were never
// anonymized (a raw call id would not be exactly the 16-hex-char
// truncated-hash shape Anonymize produces).
func (s *Store) Append(evt Event) error {
	if evt.CallIDHash == "" {
		return errors.NewInvalidInput("feedback event missing call_id_hash")
	}
	if evt.TSHour.IsZero() {
		return errors.NewInvalidInput("feedback event missing ts_hour")
	}
	if !looksHashed(evt.CallIDHash) {
		return errors.NewInvalidInput("feedback event call_id_hash is not anonymized").WithField("call_id_hash", evt.CallIDHash)
	}
	if evt.PolicyVariantID == "" {
		return errors.NewInvalidInput("feedback event missing policy_variant_id")
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return errors.NewPersistence("marshal feedback event").WithField("error", err.Error())
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.NewPersistence("open feedback store for append").WithField("error", err.Error())
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return errors.NewPersistence("write feedback event").WithField("error", err.Error())
	}
	return f.Sync()
}

func looksHashed(s string) bool {
	if len(s) != 16 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Stats summarizes events with TSHour >= since, matching spec.md §4.2's
// stats(since_ts) operation.
type Stats struct {
	Count            int
	ResolutionRate   float64
	AvgBargeIns      float64
	AvgRepeats       float64
	HandoverRate     float64
	RewardStats      reward.Stats
	ByPolicyVariant  map[string]int
}

// Stats scans the log computing aggregate outcome statistics since a
// given hour boundary, for the Deploy Gate and operator reporting.
func (s *Store) Stats(since time.Time, rewardCfg reward.Config) (Stats, error) {
	events, err := s.scan(since)
	if err != nil {
		return Stats{}, err
	}
	if len(events) == 0 {
		return Stats{ByPolicyVariant: map[string]int{}}, nil
	}

	st := Stats{ByPolicyVariant: make(map[string]int)}
	var resolved, handovers, bargeIns, repeats int
	rewards := make([]float64, 0, len(events))
	for _, e := range events {
		if e.Signals.Resolution {
			resolved++
		}
		if e.Signals.Handover {
			handovers++
		}
		bargeIns += e.Signals.BargeInCount
		repeats += e.Signals.Repeats
		st.ByPolicyVariant[e.PolicyVariantID]++
		rewards = append(rewards, reward.Calculate(rewardCfg, e.Signals.ToRewardSignals()))
	}

	n := float64(len(events))
	st.Count = len(events)
	st.ResolutionRate = float64(resolved) / n
	st.HandoverRate = float64(handovers) / n
	st.AvgBargeIns = float64(bargeIns) / n
	st.AvgRepeats = float64(repeats) / n
	st.RewardStats = reward.Summarize(rewards)
	return st, nil
}

// Cleanup rewrites the log keeping only events with TSHour >= olderThan
// removed (i.e. drops everything strictly before olderThan), using the
// same temp-file-plus-rename discipline as the Bandit/Deploy Gate
// persistence.
func (s *Store) Cleanup(olderThan time.Time) (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAllLocked()
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".feedback-*.tmp")
	if err != nil {
		return 0, errors.NewPersistence("create feedback cleanup temp file").WithField("error", err.Error())
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	kept := 0
	for _, line := range all {
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.TSHour.Before(olderThan) {
			removed++
			continue
		}
		kept++
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, errors.NewPersistence("flush feedback cleanup temp file").WithField("error", err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, errors.NewPersistence("fsync feedback cleanup temp file").WithField("error", err.Error())
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.NewPersistence("close feedback cleanup temp file").WithField("error", err.Error())
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return 0, errors.NewPersistence("rename feedback store file").WithField("error", err.Error())
	}
	return removed, nil
}

func (s *Store) scan(since time.Time) ([]Event, error) {
	s.mu.Lock()
	lines, err := s.readAllLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.TSHour.Before(since) {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *Store) readAllLocked() ([][]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewPersistence("open feedback store for read").WithField("error", err.Error())
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewPersistence("scan feedback store").WithField("error", err.Error())
	}
	return lines, nil
}
