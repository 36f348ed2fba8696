// Package deploygate implements the Deploy Gate (C4): a traffic-split
// and blacklist wrapper over the Bandit, grounded on the original
// DeployGuardFull (apps/rl/deploy_guard.py).
package deploygate

import (
	"encoding/json"
	mathrand "math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/errors"
	"siprec-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// Config holds the Deploy Gate's tunables, matching spec.md §6's
// configuration table.
type Config struct {
	TrafficSplitNew       float64
	TrafficSplitUncertain float64
	BanditStatePath       string
	DeployStatePath       string
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		TrafficSplitNew:       0.10,
		TrafficSplitUncertain: 0.05,
	}
}

// State is the persisted Deploy State of spec.md §3/§6. Sets are kept
// as sorted slices so selection under a fixed RNG seed is
// deterministic and the persisted document is stable.
type State struct {
	Version         int      `json:"version"`
	Active          []string `json:"active"`
	Blacklist       []string `json:"blacklist"`
	New             []string `json:"new_variants"`
	Uncertain       []string `json:"uncertain_variants"`
	BaseVariantID   string   `json:"base_variant_id"`
}

const stateVersion = 1

// VariantHealth is an operational snapshot of one variant, matching
// the original's get_variant_health.
type VariantHealth struct {
	ID           string      `json:"id"`
	IsActive     bool        `json:"is_active"`
	IsBlacklisted bool       `json:"is_blacklisted"`
	IsNew        bool        `json:"is_new"`
	IsUncertain  bool        `json:"is_uncertain"`
	Arm          bandit.Arm  `json:"arm"`
}

// DeploymentStatus mirrors the original's get_deployment_status.
type DeploymentStatus struct {
	Active        []string `json:"active_variants"`
	Blacklist     []string `json:"blacklisted_variants"`
	BaseVariantID string   `json:"base_variant"`
	New           []string `json:"new_variants"`
	Uncertain     []string `json:"uncertain_variants"`
}

// Gate wraps a Bandit with traffic-split exploration and blacklist
// enforcement.
type Gate struct {
	mu      sync.Mutex
	state   State
	bandit  *bandit.Bandit
	rng     *mathrand.Rand
	cfg     Config
	logger  *logrus.Logger
	catalog map[string]bandit.PolicyParameters

	persistMu   sync.Mutex
	dirty       bool
	persistCh   chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Gate around bandit b using rng as its injected,
// non-global randomness source for traffic-split decisions.
func New(cfg Config, b *bandit.Bandit, rng *mathrand.Rand, baseVariantID string, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.New()
	}
	g := &Gate{
		state: State{
			Version:       stateVersion,
			BaseVariantID: baseVariantID,
			Active:        []string{baseVariantID},
		},
		bandit:    b,
		rng:       rng,
		cfg:       cfg,
		logger:    logger,
		catalog:   make(map[string]bandit.PolicyParameters),
		persistCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	b.EnsureVariant(baseVariantID)
	g.wg.Add(1)
	go g.persistLoop()
	return g
}

// AddVariant registers a policy-catalog variant. New (non-base)
// variants start in the New set with a fresh Beta(1,1) prior, per
// spec.md §6's "policy catalog" contract.
func (g *Gate) AddVariant(v bandit.Variant) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.bandit.EnsureVariant(v.ID)
	g.catalog[v.ID] = v.Parameters

	if v.IsBase {
		g.state.BaseVariantID = v.ID
		g.addSortedLocked(&g.state.Active, v.ID)
		g.markDirtyLocked()
		return
	}

	if !contains(g.state.Active, v.ID) {
		g.addSortedLocked(&g.state.Active, v.ID)
	}
	if !contains(g.state.New, v.ID) {
		g.addSortedLocked(&g.state.New, v.ID)
	}
	g.markDirtyLocked()
}

// SelectVariant runs the three-tier traffic split described in
// spec.md §4.4 and returns the chosen variant id.
func (g *Gate) SelectVariant() string {
	g.mu.Lock()
	g.refreshClassificationLocked()

	newPool := diffAll(g.state.New, g.state.Blacklist)
	uncertainPool := diffAll(g.state.Uncertain, g.state.Blacklist, newPool)
	eligible := diffAll(g.state.Active, g.state.Blacklist)
	base := g.state.BaseVariantID
	g.mu.Unlock()

	if len(newPool) > 0 && g.rng.Float64() < g.cfg.TrafficSplitNew {
		metrics.TomDeployGateSelectionsTotal.WithLabelValues("new").Inc()
		return pickUniform(g.rng, newPool)
	}
	if len(uncertainPool) > 0 && g.rng.Float64() < g.cfg.TrafficSplitUncertain {
		metrics.TomDeployGateSelectionsTotal.WithLabelValues("uncertain").Inc()
		return pickUniform(g.rng, uncertainPool)
	}
	if len(eligible) == 0 {
		metrics.TomDeployGateSelectionsTotal.WithLabelValues("base").Inc()
		return base
	}
	if id, ok := g.bandit.Select(eligible); ok {
		metrics.TomDeployGateSelectionsTotal.WithLabelValues("active").Inc()
		return id
	}
	metrics.TomDeployGateSelectionsTotal.WithLabelValues("base").Inc()
	return base
}

// VariantParameters returns the policy-catalog entry registered for
// id via AddVariant, so a caller holding only a selected variant id
// (as SelectVariant returns) can recover the prompt-shaping
// parameters to hand to a Session.
func (g *Gate) VariantParameters(id string) (bandit.PolicyParameters, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.catalog[id]
	return p, ok
}

// RecordFeedback updates the Bandit with reward for variantID, then
// sweeps active variants for new blacklist candidates.
func (g *Gate) RecordFeedback(variantID string, reward float64) {
	g.bandit.Update(variantID, reward)

	g.mu.Lock()
	g.refreshClassificationLocked()
	g.markDirtyLocked()
	g.mu.Unlock()

	g.requestPersist()
}

// refreshClassificationLocked recomputes New/Uncertain/Blacklist
// membership from current Bandit state. Caller must hold g.mu.
func (g *Gate) refreshClassificationLocked() {
	var newSet, uncertainSet []string
	for _, id := range g.state.Active {
		if id == g.state.BaseVariantID {
			continue
		}
		if g.bandit.BlacklistCandidate(id, false) {
			g.state.Active = removeString(g.state.Active, id)
			g.addSortedLocked(&g.state.Blacklist, id)
			g.state.New = removeString(g.state.New, id)
			g.state.Uncertain = removeString(g.state.Uncertain, id)
			continue
		}
		if g.bandit.IsUncertain(id) {
			if contains(g.state.New, id) {
				newSet = append(newSet, id)
			} else {
				uncertainSet = append(uncertainSet, id)
			}
		}
	}
	sort.Strings(newSet)
	sort.Strings(uncertainSet)
	g.state.New = newSet
	g.state.Uncertain = uncertainSet
}

// Status returns a snapshot of the Deploy State for operator visibility.
func (g *Gate) Status() DeploymentStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return DeploymentStatus{
		Active:        append([]string(nil), g.state.Active...),
		Blacklist:     append([]string(nil), g.state.Blacklist...),
		BaseVariantID: g.state.BaseVariantID,
		New:           append([]string(nil), g.state.New...),
		Uncertain:     append([]string(nil), g.state.Uncertain...),
	}
}

// VariantHealth reports operational state for one variant id.
func (g *Gate) VariantHealth(id string) VariantHealth {
	g.mu.Lock()
	active := contains(g.state.Active, id)
	blacklisted := contains(g.state.Blacklist, id)
	isNew := contains(g.state.New, id)
	isUncertain := contains(g.state.Uncertain, id)
	g.mu.Unlock()

	arm, _ := g.bandit.Arm(id)
	return VariantHealth{
		ID:            id,
		IsActive:      active,
		IsBlacklisted: blacklisted,
		IsNew:         isNew,
		IsUncertain:   isUncertain,
		Arm:           arm,
	}
}

// requestPersist enqueues an asynchronous save without blocking the
// call hot path (spec.md §5: persistence off the hot path).
func (g *Gate) requestPersist() {
	select {
	case g.persistCh <- struct{}{}:
	default:
	}
}

func (g *Gate) markDirtyLocked() {
	g.persistMu.Lock()
	g.dirty = true
	g.persistMu.Unlock()
	g.requestPersist()
}

// persistLoop is the dedicated writer goroutine that performs bandit
// and deploy-state saves off the call hot path, retrying on a bounded
// backoff and logging failures per spec.md §7.
func (g *Gate) persistLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			g.flush()
			return
		case <-g.persistCh:
			g.flush()
		}
	}
}

func (g *Gate) flush() {
	g.persistMu.Lock()
	if !g.dirty {
		g.persistMu.Unlock()
		return
	}
	g.dirty = false
	g.persistMu.Unlock()

	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err := g.saveState(); err != nil {
			g.logger.WithError(err).WithField("attempt", attempt+1).Warn("failed to persist deploy state, retrying")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		if g.cfg.BanditStatePath != "" {
			if err := g.bandit.Save(g.cfg.BanditStatePath); err != nil {
				g.logger.WithError(err).Warn("failed to persist bandit state")
			}
		}
		return
	}
	g.logger.Error("giving up persisting deploy state after retries; will retry on next feedback event")
}

func (g *Gate) saveState() error {
	if g.cfg.DeployStatePath == "" {
		return nil
	}

	g.mu.Lock()
	st := g.state
	st.Active = append([]string(nil), g.state.Active...)
	st.Blacklist = append([]string(nil), g.state.Blacklist...)
	st.New = append([]string(nil), g.state.New...)
	st.Uncertain = append([]string(nil), g.state.Uncertain...)
	g.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return errors.NewPersistence("marshal deploy state").WithField("error", err.Error())
	}

	dir := filepath.Dir(g.cfg.DeployStatePath)
	tmp, err := os.CreateTemp(dir, ".deploystate-*.tmp")
	if err != nil {
		return errors.NewPersistence("create deploy state temp file").WithField("error", err.Error())
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.NewPersistence("write deploy state temp file").WithField("error", err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.NewPersistence("fsync deploy state temp file").WithField("error", err.Error())
	}
	if err := tmp.Close(); err != nil {
		return errors.NewPersistence("close deploy state temp file").WithField("error", err.Error())
	}
	return os.Rename(tmpName, g.cfg.DeployStatePath)
}

// LoadState reads persisted Deploy State from cfg.DeployStatePath, if
// set and present.
func (g *Gate) LoadState() error {
	if g.cfg.DeployStatePath == "" {
		return nil
	}
	data, err := os.ReadFile(g.cfg.DeployStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewPersistence("read deploy state file").WithField("error", err.Error())
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		g.logger.WithError(err).Warn("corrupt deploy state file, using defaults")
		return nil
	}
	g.mu.Lock()
	g.state = st
	g.mu.Unlock()
	return nil
}

// Shutdown flushes any pending persistence and stops the background
// writer.
func (g *Gate) Shutdown() {
	close(g.stopCh)
	g.wg.Wait()
}

func pickUniform(rng *mathrand.Rand, pool []string) string {
	return pool[rng.IntN(len(pool))]
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func diffAll(a []string, excludeLists ...[]string) []string {
	out := make([]string, 0, len(a))
	for _, v := range a {
		excluded := false
		for _, list := range excludeLists {
			if contains(list, v) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, v)
		}
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (g *Gate) addSortedLocked(list *[]string, v string) {
	if contains(*list, v) {
		return
	}
	*list = append(*list, v)
	sort.Strings(*list)
}
