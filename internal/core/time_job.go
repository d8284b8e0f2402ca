package core

import (
	"replinet/internal/rcode"
)

// TimeJob is a deferred action run by a time core once its target time has
// come. A job runs at most once; follow-ups are pushed as new jobs. Jobs whose
// subject died meanwhile report !IsAlive and are dropped without running.
type TimeJob interface {
	Target() uint64
	IsAlive() bool
	Update(now uint64)
	Kind() string
}

type timeJob struct {
	target uint64
}

func (j timeJob) Target() uint64 { return j.target }

// =============================================================================
// Group updates
// =============================================================================

// UpdateJob runs one update cycle of a group, then schedules the next one at
// target + upr*base_period unless upr is 0.
type UpdateJob struct {
	timeJob
	mem   *Mem
	group *Group
}

func newUpdateJob(m *Mem, g *Group, target uint64) *UpdateJob {
	return &UpdateJob{timeJob: timeJob{target: target}, mem: m, group: g}
}

func (j *UpdateJob) Kind() string  { return "update" }
func (j *UpdateJob) IsAlive() bool { return !j.group.IsInvalidated() }

func (j *UpdateJob) Update(now uint64) {
	j.group.update(j.target)
	if j.group.IsInvalidated() {
		return
	}
	if upr := j.group.upr(); upr > 0 {
		next := j.target + uint64(upr*float64(j.mem.cfg().BasePeriod))
		j.mem.pushTimeJob(newUpdateJob(j.mem, j.group, next))
	}
}

// =============================================================================
// Program signaling
// =============================================================================

// signaler is implemented by anti-programs and input-less programs.
type signaler interface {
	Controller
	signal(now uint64)
}

// SignalingJob wakes an anti-program or an input-less program after its time
// scope elapsed.
type SignalingJob struct {
	timeJob
	ctrl signaler
}

func newSignalingJob(c signaler, target uint64) *SignalingJob {
	return &SignalingJob{timeJob: timeJob{target: target}, ctrl: c}
}

func (j *SignalingJob) Kind() string { return "signaling" }

func (j *SignalingJob) IsAlive() bool {
	if j.ctrl.IsInvalidated() {
		return false
	}
	v := j.ctrl.View()
	return v.Res() != 0 && !v.Object().IsInvalidated()
}

func (j *SignalingJob) Update(now uint64) { j.ctrl.signal(now) }

// =============================================================================
// Salience propagation
// =============================================================================

// SaliencyPropagationJob applies one hop of a salience propagation walk.
type SaliencyPropagationJob struct {
	timeJob
	mem       *Mem
	object    *rcode.Object
	change    float64
	threshold float64
}

func (j *SaliencyPropagationJob) Kind() string  { return "propagation" }
func (j *SaliencyPropagationJob) IsAlive() bool { return !j.object.IsInvalidated() }

func (j *SaliencyPropagationJob) Update(now uint64) {
	j.mem.applySaliencyChange(j.object, j.change, j.threshold)
}

// =============================================================================
// Monitors
// =============================================================================

// monitor watches for the outcome of a prediction, goal or requirement.
type monitor interface {
	isAlive() bool
	// update is called by the monitoring job at the monitor's deadline.
	// It returns the next deadline, or 0 when the monitor is done.
	update(now uint64) uint64
}

// MonitoringJob calls a monitor back at its deadline.
type MonitoringJob struct {
	timeJob
	mem *Mem
	m   monitor
}

func newMonitoringJob(mem *Mem, m monitor, target uint64) *MonitoringJob {
	return &MonitoringJob{timeJob: timeJob{target: target}, mem: mem, m: m}
}

func (j *MonitoringJob) Kind() string  { return "monitoring" }
func (j *MonitoringJob) IsAlive() bool { return j.m.isAlive() }

func (j *MonitoringJob) Update(now uint64) {
	if next := j.m.update(now); next != 0 {
		j.mem.pushTimeJob(newMonitoringJob(j.mem, j.m, next))
	}
}

// =============================================================================
// Delayed injection
// =============================================================================

// InjectionJob injects a view whose injection time lies in the future.
type InjectionJob struct {
	timeJob
	mem  *Mem
	view *rcode.View
}

func (j *InjectionJob) Kind() string  { return "injection" }
func (j *InjectionJob) IsAlive() bool { return !j.view.Object().IsInvalidated() }

func (j *InjectionJob) Update(now uint64) { j.mem.injectNow(j.view) }
