// Package bandit implements a Thompson-sampling multi-armed bandit
// over policy variants, with file-based durable persistence.
//
// Grounded on the Beta/pull bookkeeping of the original PolicyBandit
// (apps/rl/policy_bandit.py): each variant's posterior is a Beta(alpha,
// beta) distribution, updated by mapping a reward in [-1, +1] onto
// [0, 1] and adding it fractionally to alpha/beta rather than drawing a
// Bernoulli sample. That choice keeps Update from consuming the
// injected RNG stream that Select uses, so a fixed seed reproduces
// Select's selection sequence independent of Update ordering, which is
// what the Deploy Gate's determinism tests require (see DESIGN.md).
package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	mathrand "math/rand/v2"

	"siprec-server/pkg/errors"
	"siprec-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// MinPullsForConfidence is the default number of pulls below which a
// variant is considered "uncertain".
const MinPullsForConfidence = 10

// BlacklistMinSamples is the default minimum pull count before a
// variant becomes eligible for blacklisting.
const BlacklistMinSamples = 20

// BlacklistMinReward is the default empirical mean-reward threshold at
// or below which an eligible variant is flagged for blacklisting.
const BlacklistMinReward = -0.2

// Arm is one variant's posterior state.
type Arm struct {
	VariantID  string  `json:"variant_id"`
	Alpha      float64 `json:"alpha"`
	Beta       float64 `json:"beta"`
	Pulls      int     `json:"pulls"`
	LastReward float64 `json:"last_reward"`
}

// MeanReward returns the empirical mean reward observed for this arm,
// in the original [-1, +1] scale.
func (a Arm) MeanReward() float64 {
	if a.Pulls == 0 {
		return 0
	}
	// alpha/beta were seeded at 1/1 and accumulate normalized (0..1)
	// reward mass; recover the running mean in [0,1] and rescale.
	meanNormalized := (a.Alpha - 1) / float64(a.Pulls)
	return meanNormalized*2 - 1
}

// state is the on-disk representation, matching spec.md §6's
// {version, arms:[...]} persisted layout.
type state struct {
	Version int   `json:"version"`
	Arms    []Arm `json:"arms"`
}

const stateVersion = 1

// Bandit holds Beta posteriors for a set of policy variants and
// serializes access to them.
type Bandit struct {
	mu     sync.Mutex
	arms   map[string]*Arm
	rng    *mathrand.Rand
	logger *logrus.Logger
}

// New constructs an empty Bandit. rng must not be nil in production;
// tests inject a seeded source for determinism.
func New(rng *mathrand.Rand, logger *logrus.Logger) *Bandit {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bandit{
		arms:   make(map[string]*Arm),
		rng:    rng,
		logger: logger,
	}
}

// EnsureVariant registers a variant with an uninformative Beta(1,1)
// prior if it is not already known.
func (b *Bandit) EnsureVariant(variantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureLocked(variantID)
}

func (b *Bandit) ensureLocked(variantID string) *Arm {
	if a, ok := b.arms[variantID]; ok {
		return a
	}
	a := &Arm{VariantID: variantID, Alpha: 1, Beta: 1}
	b.arms[variantID] = a
	return a
}

// Arm returns a copy of the named arm's state, if known.
func (b *Bandit) Arm(variantID string) (Arm, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.arms[variantID]
	if !ok {
		return Arm{}, false
	}
	return *a, true
}

// Arms returns a snapshot of all known arms, sorted by variant id.
func (b *Bandit) Arms() []Arm {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Arm, 0, len(b.arms))
	for _, a := range b.arms {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

// Select draws a Thompson sample for each of the given eligible variant
// ids and returns the id with the highest sample, breaking ties by
// highest pull count then lexicographic id. Returns "", false if
// eligible is empty.
func (b *Bandit) Select(eligible []string) (string, bool) {
	if len(eligible) == 0 {
		return "", false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	type candidate struct {
		id     string
		sample float64
		pulls  int
	}
	best := candidate{sample: math.Inf(-1)}
	for _, id := range eligible {
		a := b.ensureLocked(id)
		sample := sampleBeta(b.rng, a.Alpha, a.Beta)
		c := candidate{id: id, sample: sample, pulls: a.Pulls}
		switch {
		case c.sample > best.sample:
			best = c
		case c.sample == best.sample && c.pulls > best.pulls:
			best = c
		case c.sample == best.sample && c.pulls == best.pulls && c.id < best.id:
			best = c
		}
	}
	metrics.TomBanditPullsTotal.WithLabelValues(best.id).Inc()
	metrics.TomBanditExplorationRate.Set(b.explorationRateLocked())
	return best.id, true
}

// Update maps reward (in [-1, +1]) to p=(reward+1)/2 and adds it
// fractionally to the named arm's alpha/beta parameters.
func (b *Bandit) Update(variantID string, reward float64) {
	if reward < -1 {
		reward = -1
	}
	if reward > 1 {
		reward = 1
	}
	p := (reward + 1) / 2

	b.mu.Lock()
	defer b.mu.Unlock()

	a := b.ensureLocked(variantID)
	a.Alpha += p
	a.Beta += (1 - p)
	a.Pulls++
	a.LastReward = reward
}

// IsUncertain reports whether the named variant has fewer pulls than
// MinPullsForConfidence.
func (b *Bandit) IsUncertain(variantID string) bool {
	a, ok := b.Arm(variantID)
	if !ok {
		return true
	}
	return a.Pulls < MinPullsForConfidence
}

// BlacklistCandidate reports whether the named variant meets the
// blacklist threshold and is not the base variant.
func (b *Bandit) BlacklistCandidate(variantID string, isBase bool) bool {
	if isBase {
		return false
	}
	a, ok := b.Arm(variantID)
	if !ok {
		return false
	}
	return a.Pulls >= BlacklistMinSamples && a.MeanReward() <= BlacklistMinReward
}

// ExplorationRate returns the mean Beta-distribution variance across
// all known arms, a rough measure of how much uncertainty remains.
func (b *Bandit) ExplorationRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.explorationRateLocked()
}

func (b *Bandit) explorationRateLocked() float64 {
	if len(b.arms) == 0 {
		return 0
	}
	var sum float64
	for _, a := range b.arms {
		ab := a.Alpha + a.Beta
		variance := (a.Alpha * a.Beta) / (ab * ab * (ab + 1))
		sum += variance
	}
	return sum / float64(len(b.arms))
}

// Save atomically overwrites the state file at path: write to a temp
// file in the same directory, fsync, then rename.
func (b *Bandit) Save(path string) error {
	b.mu.Lock()
	arms := make([]Arm, 0, len(b.arms))
	for _, a := range b.arms {
		arms = append(arms, *a)
	}
	b.mu.Unlock()

	sort.Slice(arms, func(i, j int) bool { return arms[i].VariantID < arms[j].VariantID })

	data, err := json.Marshal(state{Version: stateVersion, Arms: arms})
	if err != nil {
		return errors.NewPersistence("marshal bandit state").WithField("error", err.Error())
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".bandit-*.tmp")
	if err != nil {
		return errors.NewPersistence("create bandit temp file").WithField("error", err.Error())
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.NewPersistence("write bandit temp file").WithField("error", err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.NewPersistence("fsync bandit temp file").WithField("error", err.Error())
	}
	if err := tmp.Close(); err != nil {
		return errors.NewPersistence("close bandit temp file").WithField("error", err.Error())
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.NewPersistence("rename bandit state file").WithField("error", err.Error())
	}
	return nil
}

// Load reads persisted state from path. If the file is missing or
// corrupt, it logs and leaves the Bandit's arms untouched (callers
// should EnsureVariant every known variant afterward, which yields
// fresh alpha=beta=1 priors, matching the original's fallback).
func (b *Bandit) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			b.logger.WithField("path", path).Info("no bandit state file found, using defaults")
			return nil
		}
		return errors.NewPersistence("read bandit state file").WithField("error", err.Error())
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		b.logger.WithError(err).WithField("path", path).Warn("corrupt bandit state file, using defaults")
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.arms = make(map[string]*Arm, len(st.Arms))
	for i := range st.Arms {
		a := st.Arms[i]
		b.arms[a.VariantID] = &a
	}
	return nil
}

// sampleBeta draws one sample from Beta(alpha, beta) using two
// independent Gamma(*, 1) draws via the Marsaglia-Tsang method: no
// example repository in this codebase's dependency pack imports a
// statistics/distribution library, so this is implemented directly
// against math/rand/v2 rather than reaching for stdlib as a shortcut
// (see DESIGN.md for the justification).
func sampleBeta(rng *mathrand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

func sampleGamma(rng *mathrand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost via Gamma(shape+1) and a uniform correction.
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var v, x float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*(x*x*x*x) {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// String is a debug helper.
func (a Arm) String() string {
	return fmt.Sprintf("Arm{%s alpha=%.3f beta=%.3f pulls=%d}", a.VariantID, a.Alpha, a.Beta, a.Pulls)
}
