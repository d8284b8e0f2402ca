package core

import (
	"fmt"
	"sync/atomic"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

// ChainingStatus classifies what the requirements of a model allow for one
// binding of its variables. Statuses from WREnabled up allow chaining.
type ChainingStatus uint8

const (
	// WRDisabled: only weak requirements, none of them matched.
	WRDisabled ChainingStatus = iota
	// SRDisabledNoWR: a strong requirement matched and no weak one outweighs it.
	SRDisabledNoWR
	// SRDisabledWR: a weak requirement matched but a more confident strong
	// one blocks it.
	SRDisabledWR
	// WREnabled: a weak requirement matched, or no strong one did.
	WREnabled
	// NoR: nothing requires the model.
	NoR
)

func (s ChainingStatus) allowsChaining() bool { return s >= WREnabled }

func (s ChainingStatus) String() string {
	switch s {
	case WRDisabled:
		return "wr_disabled"
	case SRDisabledNoWR:
		return "sr_disabled_no_wr"
	case SRDisabledWR:
		return "sr_disabled_wr"
	case WREnabled:
		return "wr_enabled"
	case NoR:
		return "no_r"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// requirementCount is the number of live models requiring a model, by kind.
// A model M requires N weakly when M's rhs is a fact of an imdl of N, and
// strongly when it is an anti-fact of one.
type requirementCount struct {
	weak   atomic.Int32
	strong atomic.Int32
}

// requirementsOf returns the counters of mdl, creating them on first use so
// requiring models may come up before the model they require.
func (m *Mem) requirementsOf(mdl *rcode.Object) *requirementCount {
	m.mu.RLock()
	rc := m.reqs[mdl]
	m.mu.RUnlock()
	if rc != nil {
		return rc
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rc = m.reqs[mdl]; rc == nil {
		rc = &requirementCount{}
		m.reqs[mdl] = rc
	}
	return rc
}

// =============================================================================
// Requirement cache
// =============================================================================

// maxRequirementEntries bounds each side of a cache.
const maxRequirementEntries = 256

// REntry is a requirement a requiring model predicted: a fact (weak) or an
// anti-fact (strong) of an imdl of the required model.
type REntry struct {
	Evidence *rcode.Object
	// Controller produced the requirement and receives outcome feedback.
	Controller         *mdlController
	ChainingWasAllowed bool
}

func (e REntry) cfd() float64 { return rcode.FactCfdOf(e.Evidence) }

func (e REntry) expired(now, tol uint64) bool {
	_, before := rcode.FactTimings(e.Evidence)
	return before+tol < now
}

// reqCache keeps entries oldest first; lookups walk it newest first.
type reqCache struct {
	positive []REntry
	negative []REntry
}

func (c *reqCache) add(e REntry) {
	if rcode.IsAntiFact(e.Evidence) {
		c.negative = appendBounded(c.negative, e)
		return
	}
	c.positive = appendBounded(c.positive, e)
}

func appendBounded(entries []REntry, e REntry) []REntry {
	if len(entries) >= maxRequirementEntries {
		entries = append(entries[:0], entries[1:]...)
	}
	return append(entries, e)
}

// gc drops the entries whose fact ended before now.
func (c *reqCache) gc(now, tol uint64) {
	c.positive = dropExpired(c.positive, now, tol)
	c.negative = dropExpired(c.negative, now, tol)
}

func dropExpired(entries []REntry, now, tol uint64) []REntry {
	kept := entries[:0]
	for _, e := range entries {
		if !e.expired(now, tol) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(entries); i++ {
		entries[i] = REntry{}
	}
	return kept
}

func (c *reqCache) len() int { return len(c.positive) + len(c.negative) }

// requirementsPair lists the requiring controllers whose entries decided a
// status, for outcome feedback.
type requirementsPair struct {
	positive []*mdlController
	negative []*mdlController
}

// =============================================================================
// Retrieval
// =============================================================================

// ihlpPattern builds the fact of an imdl of the model under bm, used to look
// requirements up. Unbound slots stay variables; the wr flag and the
// psln are wildcards.
func (c *mdlController) ihlpPattern(bm *BindingMap, after, before uint64) *rcode.Object {
	b := rcode.NewBuilder(atom.Object(rcode.OpIMdl, rcode.IHlpArity))
	b.Ref(rcode.IHlpTarget, c.mdl)
	b.PutSet(rcode.IHlpArgs, bm.argAtoms(b)...)
	b.Put(rcode.IHlpWREnabled, atom.Wildcard(0))
	b.Put(rcode.IHlpArity, atom.Wildcard(0))
	return rcode.NewFact(b.Build(), after, before, 1, 1)
}

// retrieveIMDLFwd classifies the chaining status of the binding bm, whose
// imdl fact is fImdl. ground, when not nil, is the requirement that
// triggered the reduction. Entries are tried newest first; a positive entry
// wins over the youngest matching negative one iff its confidence is at
// least the negative's. On success bm takes the bindings of the winning
// positive entry, which is returned.
func (c *mdlController) retrieveIMDLFwd(bm *BindingMap, fImdl *rcode.Object, ground *REntry, simulated bool) (ChainingStatus, *REntry, requirementsPair) {
	var pair requirementsPair
	weak, strong := c.reqCount.weak.Load(), c.reqCount.strong.Load()
	if weak == 0 && strong == 0 {
		return NoR, nil, pair
	}

	now := c.mem.Now()
	tol := c.mem.cfg().TimeTolerance
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	cache := &c.requirements
	if simulated {
		cache = &c.simRequirements
	}
	cache.gc(now, tol)

	if strong == 0 {
		if ground != nil {
			return WREnabled, ground, pair
		}
		for i := len(cache.positive) - 1; i >= 0; i-- {
			e := cache.positive[i]
			trial := bm.Clone()
			if !trial.MatchStrict(e.Evidence, fImdl) {
				continue
			}
			if e.ChainingWasAllowed {
				*bm = *trial
				pair.positive = append(pair.positive, e.Controller)
				return WREnabled, &e, pair
			}
		}
		return WRDisabled, nil, pair
	}

	if weak == 0 {
		for i := len(cache.negative) - 1; i >= 0; i-- {
			e := cache.negative[i]
			if bm.Clone().MatchFact(e.Evidence, fImdl) == MatchFailure || !e.ChainingWasAllowed {
				continue
			}
			pair.negative = append(pair.negative, e.Controller)
			return SRDisabledNoWR, nil, pair
		}
		return WREnabled, nil, pair
	}

	status := WRDisabled
	negativeCfd := -1.0
	for i := len(cache.negative) - 1; i >= 0; i-- {
		e := cache.negative[i]
		if bm.Clone().MatchFact(e.Evidence, fImdl) == MatchFailure || !e.ChainingWasAllowed {
			continue
		}
		negativeCfd = e.cfd()
		pair.negative = append(pair.negative, e.Controller)
		status = SRDisabledNoWR
		break
	}
	if ground != nil {
		if ground.cfd() >= negativeCfd {
			return WREnabled, ground, pair
		}
		return SRDisabledWR, nil, pair
	}
	for i := len(cache.positive) - 1; i >= 0; i-- {
		e := cache.positive[i]
		trial := bm.Clone()
		if !trial.MatchStrict(e.Evidence, fImdl) || !e.ChainingWasAllowed {
			continue
		}
		if e.cfd() >= negativeCfd {
			*bm = *trial
			pair.positive = append(pair.positive, e.Controller)
			return WREnabled, &e, pair
		}
		if status == SRDisabledNoWR {
			status = SRDisabledWR
		}
		break
	}
	return status, nil, pair
}

// retrieveIMDLBwd is the backward counterpart: it returns the status and,
// when a positive requirement grounds the binding, its evidence.
func (c *mdlController) retrieveIMDLBwd(bm *BindingMap, fImdl *rcode.Object, simulated bool) (ChainingStatus, *rcode.Object) {
	status, ground, _ := c.retrieveIMDLFwd(bm, fImdl, nil, simulated)
	if ground == nil {
		return status, nil
	}
	return status, ground.Evidence
}

// forwardReducer is implemented by the controllers that predict from their
// inputs.
type forwardReducer interface {
	reduceForward(obj *rcode.Object, ground *REntry) (matched, predicted bool)
}

// storeRequirement records a requirement predicted by requirer. Simulated
// requirements go to their own cache; genuine ones are shared with the
// secondary controller. A new positive requirement replays the cached
// evidences, which may now chain, and wakes the requirement monitors waiting
// for it.
func (c *mdlController) storeRequirement(fImdl *rcode.Object, requirer *mdlController, chainingAllowed, simulated bool) {
	e := REntry{Evidence: fImdl, Controller: requirer, ChainingWasAllowed: chainingAllowed}
	c.reqMu.Lock()
	if simulated {
		c.simRequirements.add(e)
	} else {
		c.requirements.add(e)
	}
	c.reqMu.Unlock()
	if _, primary := c.self.(*PrimaryMDLController); primary && !simulated {
		if p := c.partner.Load(); p != nil && !p.IsInvalidated() {
			p.storeRequirement(fImdl, requirer, chainingAllowed, false)
		}
	}
	if simulated || !chainingAllowed || rcode.IsAntiFact(fImdl) {
		return
	}
	c.wakeRequirementMonitors(fImdl)
	if f, ok := c.self.(forwardReducer); ok {
		for _, ev := range c.evidences.unchained(c.mem.Now(), c.mem.cfg().TimeTolerance) {
			if _, predicted := f.reduceForward(ev.obj, &e); predicted {
				ev.chained.Store(true)
			}
		}
	}
}
