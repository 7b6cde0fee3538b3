package jank

import (
	"log"
	"math"
	"time"
)

// Reporter receives the per-frame outcomes of the decider for aggregation.
// Implementations emit histograms or traces; a logging implementation is
// provided for tooling.
type Reporter interface {
	OnFrameWithScrollUpdates(missed MissedVsyncs, countsTowardsFrameCount bool)
	OnScrollStarted()
	OnScrollEnded()
}

// LogReporter logs every janky frame and scroll boundary. Useful in replay
// tooling; production callers provide their own histogram-backed Reporter.
type LogReporter struct{}

func (LogReporter) OnFrameWithScrollUpdates(missed MissedVsyncs, countsTowardsFrameCount bool) {
	if !missed.Any() {
		return
	}
	for reason, count := range missed {
		if count > 0 {
			log.Printf("jank: frame missed %d vsync(s): %s", count, Reason(reason))
		}
	}
}

func (LogReporter) OnScrollStarted() { log.Printf("jank: scroll started") }
func (LogReporter) OnScrollEnded()   { log.Printf("jank: scroll ended") }

// RouterOptions control how the Router maps presented frames onto decider
// calls.
type RouterOptions struct {
	// HandleNonDamagingInputs enables the per-vsync timeline reconstruction
	// for presented frames. When false, the legacy behavior applies: one
	// damaging frame per presentation, non-damaging updates skipped.
	HandleNonDamagingInputs bool

	// CountNonDamagingFrames controls whether non-damaging timeline entries
	// count towards the reporter's frame totals.
	CountNonDamagingFrames bool
}

// Router drives the decider once per logical frame of a presented frame's
// timeline, relays scroll start/end notifications, and attaches each verdict
// to the originating input event.
//
// Like the decider it wraps, a Router is confined to a single goroutine.
type Router struct {
	decider  *Decider
	reporter Reporter
	opts     RouterOptions
}

// NewRouter returns a router feeding the given decider and reporter.
func NewRouter(decider *Decider, reporter Reporter, opts RouterOptions) *Router {
	return &Router{decider: decider, reporter: reporter, opts: opts}
}

// ProcessPresentedFrame judges every logical frame coalesced into one
// presented frame. events is the presented frame's full input list, in
// dispatch order; results are written back onto the earliest event of each
// judged frame.
func (r *Router) ProcessPresentedFrame(events []*Event, presentationTime time.Time, args BeginFrameArgs) {
	if !r.opts.HandleNonDamagingInputs {
		// Legacy behavior: ignore non-damaging events entirely.
		stages := CalculateStages(events, true)
		r.handleFrame(stages, Damaging(presentationTime), args, true)
		return
	}

	timeline := BuildTimeline(events, args, presentationTime)
	for _, frame := range timeline {
		counts := r.opts.CountNonDamagingFrames || frame.Damage.IsDamaging()
		r.handleFrame(frame.Stages, frame.Damage, frame.Args, counts)
	}
}

func (r *Router) handleFrame(stages []Stage, damage ScrollDamage, args BeginFrameArgs, countsTowardsFrameCount bool) {
	for _, stage := range stages {
		switch s := stage.(type) {
		case ScrollUpdates:
			if s.IsScrollStart {
				r.handleScrollStarted()
			}
			r.handleFrameWithScrollUpdates(s, damage, args, countsTowardsFrameCount)
		case ScrollEnd:
			r.handleScrollEnded()
		}
	}
}

func (r *Router) handleFrameWithScrollUpdates(updates ScrollUpdates, damage ScrollDamage, args BeginFrameArgs, countsTowardsFrameCount bool) {
	earliest := updates.Earliest
	result := r.decider.DecideFrame(
		earliest.GenerationTime, updates.LastInputTime, damage, args,
		updates.HasInertialInput,
		math.Abs(updates.TotalRawDeltaPixels),
		updates.MaxAbsInertialRawDeltaPixels)
	if result == nil {
		return
	}

	r.reporter.OnFrameWithScrollUpdates(result.MissedVsyncsPerReason, countsTowardsFrameCount)

	if earliest.Jank != nil {
		panic("jank: decision already attached to event")
	}
	earliest.Jank = result
}

func (r *Router) handleScrollStarted() {
	r.decider.OnScrollStarted()
	r.reporter.OnScrollStarted()
}

func (r *Router) handleScrollEnded() {
	r.decider.OnScrollEnded()
	r.reporter.OnScrollEnded()
}
