package core

import (
	"sync"
	"sync/atomic"

	"replinet/internal/atom"
	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// Controller is the reactive unit attached to the view of a program, a model
// or a composite state. Inputs arrive through TakeInput, which only queues a
// reduction job; the work happens in Reduce on a reduction core.
type Controller interface {
	rcode.Controller
	View() *rcode.View
	Host() *Group
	TakeInput(v *rcode.View)
	Reduce(input *rcode.View)
	GainActivation()
	LoseActivation()
}

// pastTaker is implemented by programs that want the salient views of their
// group replayed when they become active.
type pastTaker interface {
	takesPastInputs() bool
}

type scoped interface {
	timeScope() uint64
}

// controllerTSC returns the time scope of c, 0 for unscoped controllers.
func controllerTSC(c Controller) uint64 {
	if s, ok := c.(scoped); ok {
		return s.timeScope()
	}
	return 0
}

// controller carries the state shared by every controller kind.
type controller struct {
	mem  *Mem
	view *rcode.View
	host *Group
	self Controller

	invalidated atomic.Bool
	activated   atomic.Bool

	// mu guards the overlays of the embedding controller.
	mu sync.Mutex
}

func (c *controller) init(m *Mem, host *Group, v *rcode.View, self Controller) {
	c.mem = m
	c.host = host
	c.view = v
	c.self = self
}

func (c *controller) View() *rcode.View     { return c.view }
func (c *controller) Host() *Group          { return c.host }
func (c *controller) Object() *rcode.Object { return c.view.Object() }
func (c *controller) Invalidate()           { c.invalidated.Store(true) }
func (c *controller) IsInvalidated() bool   { return c.invalidated.Load() }
func (c *controller) GainActivation()       { c.activated.Store(true) }
func (c *controller) LoseActivation()       { c.activated.Store(false) }
func (c *controller) IsActivated() bool     { return c.activated.Load() }

// TakeInput queues a reduction of a snapshot of v.
func (c *controller) TakeInput(v *rcode.View) {
	if !c.activated.Load() || c.invalidated.Load() {
		return
	}
	c.mem.pushReduction(c.self, v.Copy())
}

// kill retires the controller and its object for good. It takes group locks,
// so it must be called without c.mu or any group lock held.
func (c *controller) kill() {
	c.Invalidate()
	c.view.ForceRes(0)
	c.Object().Invalidate()
}

// newController builds the controller of a reducible view hosted by g.
func (m *Mem) newController(g *Group, v *rcode.View) Controller {
	obj := v.Object()
	switch obj.Descriptor() {
	case atom.INSTANTIATED_PROGRAM, atom.INSTANTIATED_ANTI_PROGRAM, atom.INSTANTIATED_INPUT_LESS_PROGRAM:
		if rcode.RefAt(obj, rcode.IPgmProgram) == nil {
			logging.MemWarn("ipgm %d has no program", obj.OID())
			return nil
		}
	}
	switch obj.Descriptor() {
	case atom.INSTANTIATED_PROGRAM:
		return newPGMController(m, g, v)
	case atom.INSTANTIATED_ANTI_PROGRAM:
		return newAntiPGMController(m, g, v)
	case atom.INSTANTIATED_INPUT_LESS_PROGRAM:
		return newInputLessPGMController(m, g, v)
	case atom.COMPOSITE_STATE:
		return newCSTController(m, g, v)
	case atom.MODEL:
		return m.newModelController(g, v)
	case atom.NULL_PROGRAM:
		return nil
	}
	logging.MemWarn("no controller for descriptor %#x of object %d", uint8(obj.Descriptor()), obj.OID())
	return nil
}
