package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

// imdlEvidence builds a requirement on c.mdl whose lhs value is v0, holding
// over [100, 1000].
func imdlEvidence(c *PrimaryMDLController, v0 float64, anti bool, cfd float64) *rcode.Object {
	bm := c.newBindings()
	bm.Set(0, atomValue(atom.Float64(v0)))
	bm.Set(1, timestampValue(100))
	bm.Set(2, timestampValue(200))
	bm.Set(3, atomValue(atom.Float64(v0+1)))
	bm.Set(4, timestampValue(200))
	bm.Set(5, timestampValue(300))
	imdl := bm.BuildIHlp(rcode.OpIMdl, c.mdl, true)
	if anti {
		return rcode.NewAntiFact(imdl, 100, 1000, cfd, 1)
	}
	return rcode.NewFact(imdl, 100, 1000, cfd, 1)
}

func addRequirement(c *PrimaryMDLController, ev *rcode.Object, allowed bool) {
	c.requirements.add(REntry{Evidence: ev, ChainingWasAllowed: allowed})
}

// lookup classifies the binding v0 = 2 the way a reduction would.
func lookup(c *PrimaryMDLController, ground *REntry) (ChainingStatus, *REntry, *BindingMap) {
	bm := c.newBindings()
	bm.Set(0, atomValue(atom.Float64(2)))
	status, e, _ := c.retrieveIMDLFwd(bm, c.ihlpPattern(bm, 100, 200), ground, false)
	return status, e, bm
}

func TestRetrieveWithoutRequirements(t *testing.T) {
	_, c := predictionWorld(t, newCausalModel(0, 0, 1))
	status, e, _ := lookup(c, nil)
	assert.Equal(t, NoR, status)
	assert.Nil(t, e)
	assert.True(t, status.allowsChaining())
}

func TestRetrieveWeakRequirements(t *testing.T) {
	_, c := predictionWorld(t, newCausalModel(0, 0, 1))
	c.reqCount.weak.Add(1)

	status, _, _ := lookup(c, nil)
	assert.Equal(t, WRDisabled, status, "nothing requires this binding yet")
	assert.False(t, status.allowsChaining())

	addRequirement(c, imdlEvidence(c, 5, false, 1), true)
	status, _, _ = lookup(c, nil)
	assert.Equal(t, WRDisabled, status, "a requirement for another value")

	addRequirement(c, imdlEvidence(c, 2, false, 1), false)
	status, _, _ = lookup(c, nil)
	assert.Equal(t, WRDisabled, status, "requirements that could not chain are ignored")

	ev := imdlEvidence(c, 2, false, 1)
	addRequirement(c, ev, true)
	status, e, bm := lookup(c, nil)
	assert.Equal(t, WREnabled, status)
	if assert.NotNil(t, e) {
		assert.Same(t, ev, e.Evidence)
	}
	v, ok := bm.Get(3).Float()
	assert.True(t, ok, "the requirement binds the rhs")
	assert.InDelta(t, 3, v, testFloatTol)
}

func TestRetrieveStrongRequirements(t *testing.T) {
	_, c := predictionWorld(t, newCausalModel(0, 0, 1))
	c.reqCount.strong.Add(1)

	status, _, _ := lookup(c, nil)
	assert.Equal(t, WREnabled, status, "no strong requirement matched")

	addRequirement(c, imdlEvidence(c, 5, true, 1), true)
	status, _, _ = lookup(c, nil)
	assert.Equal(t, WREnabled, status)

	addRequirement(c, imdlEvidence(c, 2, true, 1), true)
	status, _, _ = lookup(c, nil)
	assert.Equal(t, SRDisabledNoWR, status)
}

func TestRetrieveYoungestNegativeDecides(t *testing.T) {
	tests := []struct {
		name        string
		positiveCfd float64
		want        ChainingStatus
	}{
		{"positive outweighs", 0.5, WREnabled},
		{"equal confidence", 0.2, WREnabled},
		{"negative outweighs", 0.1, SRDisabledWR},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := predictionWorld(t, newCausalModel(0, 0, 1))
			c.reqCount.weak.Add(1)
			c.reqCount.strong.Add(1)

			addRequirement(c, imdlEvidence(c, 2, true, 0.9), true)
			addRequirement(c, imdlEvidence(c, 2, true, 0.2), true)
			addRequirement(c, imdlEvidence(c, 2, false, tt.positiveCfd), true)

			status, _, _ := lookup(c, nil)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestRetrieveMixedWithoutPositive(t *testing.T) {
	_, c := predictionWorld(t, newCausalModel(0, 0, 1))
	c.reqCount.weak.Add(1)
	c.reqCount.strong.Add(1)

	status, _, _ := lookup(c, nil)
	assert.Equal(t, WRDisabled, status)

	addRequirement(c, imdlEvidence(c, 2, true, 0.5), true)
	status, _, _ = lookup(c, nil)
	assert.Equal(t, SRDisabledNoWR, status)
}

func TestRetrieveGroundedRequirement(t *testing.T) {
	_, c := predictionWorld(t, newCausalModel(0, 0, 1))
	c.reqCount.weak.Add(1)
	c.reqCount.strong.Add(1)
	addRequirement(c, imdlEvidence(c, 2, true, 0.5), true)

	strong := REntry{Evidence: imdlEvidence(c, 2, false, 0.7), ChainingWasAllowed: true}
	status, e, _ := lookup(c, &strong)
	assert.Equal(t, WREnabled, status)
	assert.Same(t, &strong, e)

	weak := REntry{Evidence: imdlEvidence(c, 2, false, 0.3), ChainingWasAllowed: true}
	status, e, _ = lookup(c, &weak)
	assert.Equal(t, SRDisabledWR, status)
	assert.Nil(t, e)
}

func TestRequirementCacheDropsExpiredEntries(t *testing.T) {
	_, c := predictionWorld(t, newCausalModel(0, 0, 1))
	var cache reqCache
	cache.add(REntry{Evidence: imdlEvidence(c, 1, false, 1)})
	cache.add(REntry{Evidence: imdlEvidence(c, 1, true, 1)})
	require.Equal(t, 2, cache.len())

	cache.gc(500, 10)
	assert.Equal(t, 2, cache.len())
	cache.gc(2000, 10)
	assert.Equal(t, 0, cache.len())
}

func TestRequirementCacheIsBounded(t *testing.T) {
	_, c := predictionWorld(t, newCausalModel(0, 0, 1))
	var cache reqCache
	first := imdlEvidence(c, 1, false, 1)
	cache.add(REntry{Evidence: first})
	for i := 0; i < maxRequirementEntries; i++ {
		cache.add(REntry{Evidence: imdlEvidence(c, 2, false, 1)})
	}
	assert.Len(t, cache.positive, maxRequirementEntries)
	assert.NotSame(t, first, cache.positive[0].Evidence, "the oldest entry is evicted")
}

func TestChainingStatusString(t *testing.T) {
	assert.Equal(t, "sr_disabled_wr", SRDisabledWR.String())
	assert.Equal(t, "unknown(9)", ChainingStatus(9).String())
}
