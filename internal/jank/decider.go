package jank

import (
	"fmt"
	"time"
)

// Reason is one cause for which the decider can attribute missed vsyncs to a
// frame.
type Reason int

const (
	// ReasonDeceleratingInputDelivery means the frame's first input could
	// have been presented in an earlier vsync based on the recent delivery
	// latency of the engine.
	ReasonDeceleratingInputDelivery Reason = iota
	// ReasonDuringFling means one or more vsyncs were missed in the middle
	// of a fling.
	ReasonDuringFling
	// ReasonAtStartOfFling means one or more vsyncs were missed during the
	// transition from a fast regular scroll to a fling.
	ReasonAtStartOfFling
	// ReasonDuringFastScroll means one or more vsyncs were missed in the
	// middle of a fast regular scroll.
	ReasonDuringFastScroll

	numReasons
)

// String returns the reason's histogram-friendly name.
func (r Reason) String() string {
	switch r {
	case ReasonDeceleratingInputDelivery:
		return "DeceleratingInputDelivery"
	case ReasonDuringFling:
		return "DuringFling"
	case ReasonAtStartOfFling:
		return "AtStartOfFling"
	case ReasonDuringFastScroll:
		return "DuringFastScroll"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// MissedVsyncs holds the missed vsync count attributed to each reason.
type MissedVsyncs [numReasons]int

// Any reports whether any reason attributed at least one missed vsync.
func (m MissedVsyncs) Any() bool {
	for _, missed := range m {
		if missed > 0 {
			return true
		}
	}
	return false
}

// Params are the tunable parameters of the delivery-latency model. They are
// read once at construction; see DefaultParams for the production values.
type Params struct {
	// DiscountFactor is the per-vsync leniency applied to the running
	// delivery cutoff as it ages.
	DiscountFactor float64 `json:"discount_factor" yaml:"discount_factor"`

	// StabilityCorrection tightens the adjusted cutoff by a fixed fraction
	// of the vsync interval to suppress borderline verdict flapping.
	StabilityCorrection float64 `json:"stability_correction" yaml:"stability_correction"`

	// FastScrollContinuityThresholdPx is the per-frame total raw delta, in
	// pixels, above which a regular scroll is considered fast enough that
	// it should present every vsync.
	FastScrollContinuityThresholdPx float64 `json:"fast_scroll_continuity_threshold_px" yaml:"fast_scroll_continuity_threshold_px"`

	// FlingContinuityThresholdPx is the per-frame maximum absolute inertial
	// raw delta, in pixels, above which a fling should present every vsync.
	FlingContinuityThresholdPx float64 `json:"fling_continuity_threshold_px" yaml:"fling_continuity_threshold_px"`
}

// DefaultParams returns the production model parameters.
func DefaultParams() Params {
	return Params{
		DiscountFactor:                  0.01,
		StabilityCorrection:             0.05,
		FastScrollContinuityThresholdPx: 3.0,
		FlingContinuityThresholdPx:      0.2,
	}
}

// Result is the decider's verdict for one frame with scroll updates.
type Result struct {
	IsDamagingFrame              bool
	AbsTotalRawDeltaPixels       float64
	MaxAbsInertialRawDeltaPixels float64

	// VsyncsSincePreviousFrame is zero for the first frame of a scroll.
	VsyncsSincePreviousFrame int

	// MissedVsyncsPerReason is all-zero when at most one vsync elapsed
	// since the previous frame or when this was the first frame.
	MissedVsyncsPerReason MissedVsyncs

	// Diagnostic cutoffs, for offline analysis. Nil when not computed.
	RunningDeliveryCutoff  *time.Duration
	AdjustedDeliveryCutoff *time.Duration
	CurrentDeliveryCutoff  *time.Duration
}

// Janky reports whether any rule attributed missed vsyncs to the frame.
func (r *Result) Janky() bool {
	return r.MissedVsyncsPerReason.Any()
}

type presentationData struct {
	presentationTime      time.Time
	runningDeliveryCutoff time.Duration
}

type previousFrameData struct {
	hasInertialInput bool
	absTotalRawDelta float64
	beginFrameTime   time.Time
	presentation     *presentationData
}

// Decider is the scroll jank v4 state machine. It consumes one frame's scroll
// update data at a time, maintains a running model of how quickly the engine
// has recently delivered input, and emits a jank verdict per frame.
//
// A Decider is confined to a single goroutine; it is driven synchronously,
// one frame at a time.
type Decider struct {
	params Params
	prev   *previousFrameData
}

// NewDecider returns a decider with the given model parameters.
func NewDecider(params Params) *Decider {
	return &Decider{params: params}
}

// DecideFrame judges one frame carrying scroll updates. It returns nil, with
// internal state untouched, when the frame is malformed (inputs out of order,
// presentation before its own input, or out-of-order frame termination).
//
// maxAbsInertialRawDelta must be zero when hasInertialInput is false;
// violating this is a caller bug.
func (d *Decider) DecideFrame(
	firstInputTime, lastInputTime time.Time,
	damage ScrollDamage,
	args BeginFrameArgs,
	hasInertialInput bool,
	absTotalRawDelta, maxAbsInertialRawDelta float64,
) *Result {
	if !hasInertialInput && maxAbsInertialRawDelta != 0 {
		panic("jank: inertial delta without inertial input")
	}

	if !d.isValidFrame(firstInputTime, lastInputTime, damage, args) {
		return nil
	}

	interval := args.Interval
	presentationTime, damaging := damage.PresentationTime()

	result := &Result{
		IsDamagingFrame:              damaging,
		AbsTotalRawDeltaPixels:       absTotalRawDelta,
		MaxAbsInertialRawDeltaPixels: maxAbsInertialRawDelta,
	}

	isJanky := false
	vsyncsSincePrev := 0
	if d.prev != nil {
		prevPresentation := d.prev.presentation
		if prevPresentation != nil {
			cutoff := prevPresentation.runningDeliveryCutoff
			result.RunningDeliveryCutoff = &cutoff
		}

		// Determine how many vsyncs elapsed between the previous and
		// current frame. Presentation times are compared when both are
		// available, begin frame times otherwise. The delta is not always
		// an exact multiple of the interval, so half an interval is added
		// to round to the nearest integer.
		var delta time.Duration
		if damaging && prevPresentation != nil {
			delta = presentationTime.Sub(prevPresentation.presentationTime)
		} else {
			delta = args.FrameTime.Sub(d.prev.beginFrameTime)
		}
		vsyncsSincePrev = int((delta + interval/2) / interval)
		if vsyncsSincePrev < 1 {
			vsyncsSincePrev = 1
		}
		result.VsyncsSincePreviousFrame = vsyncsSincePrev

		if vsyncsSincePrev > 1 {
			// At least one vsync passed without this frame's first input
			// being presented; decide whether the engine should have
			// presented it earlier.
			result.MissedVsyncsPerReason = d.missedVsyncsPerReason(
				vsyncsSincePrev, firstInputTime, damage, interval,
				absTotalRawDelta, maxAbsInertialRawDelta, result)
			isJanky = result.MissedVsyncsPerReason.Any()
		}
	}

	presentation := d.calculatePresentationData(
		vsyncsSincePrev, isJanky, lastInputTime, damage, args, result)

	d.prev = &previousFrameData{
		hasInertialInput: hasInertialInput,
		absTotalRawDelta: absTotalRawDelta,
		beginFrameTime:   args.FrameTime,
		presentation:     presentation,
	}

	return result
}

// OnScrollStarted resets the model at the start of a new scroll gesture.
func (d *Decider) OnScrollStarted() {
	d.reset()
}

// OnScrollEnded resets the model at the end of a scroll gesture.
func (d *Decider) OnScrollEnded() {
	d.reset()
}

func (d *Decider) isValidFrame(firstInputTime, lastInputTime time.Time, damage ScrollDamage, args BeginFrameArgs) bool {
	if lastInputTime.Before(firstInputTime) {
		return false
	}

	// An input claiming to have been generated at or after its own frame's
	// presentation is corrupt telemetry; a null timestamp coalesced with a
	// normal input can produce this.
	if presentationTime, damaging := damage.PresentationTime(); damaging &&
		!presentationTime.After(lastInputTime) {
		return false
	}

	if d.prev == nil {
		// First frame of the scroll; nothing left to check.
		return true
	}

	// Reject out-of-order frame termination.
	if presentationTime, damaging := damage.PresentationTime(); damaging && d.prev.presentation != nil {
		return presentationTime.After(d.prev.presentation.presentationTime)
	}
	return args.FrameTime.After(d.prev.beginFrameTime)
}

// missedVsyncsPerReason evaluates the jank rules for a frame that arrived
// more than one vsync after the previous one.
func (d *Decider) missedVsyncsPerReason(
	vsyncsSincePrev int,
	firstInputTime time.Time,
	damage ScrollDamage,
	interval time.Duration,
	absTotalRawDelta, maxAbsInertialRawDelta float64,
	result *Result,
) MissedVsyncs {
	var missedPerReason MissedVsyncs
	prev := d.prev

	// Rule 1: running consistency. Discount the previous running delivery
	// cutoff per elapsed vsync (more lenient) and subtract the stability
	// correction (more strict); that is what the current vsync would have
	// been judged against had it contained no inputs.
	if presentationTime, damaging := damage.PresentationTime(); damaging && prev.presentation != nil {
		adjusted := prev.presentation.runningDeliveryCutoff +
			time.Duration(float64(vsyncsSincePrev-1)*d.params.DiscountFactor*float64(interval)) -
			time.Duration(d.params.StabilityCorrection*float64(interval))
		result.AdjustedDeliveryCutoff = &adjusted
		firstInputToPresentation := presentationTime.Sub(firstInputTime)
		// How many vsyncs ago could the engine have presented the current
		// frame's first input, given its recent delivery performance? The
		// division is by (1 - discount) to reverse the discounting as
		// earlier vsyncs are considered.
		missed := int(float64(firstInputToPresentation-adjusted) /
			((1 - d.params.DiscountFactor) * float64(interval)))
		if missed > 0 {
			missedPerReason[ReasonDeceleratingInputDelivery] = missed
		}
	}

	// Rules 2 and 3: fling and fast scroll continuity.
	curIsFastFling := maxAbsInertialRawDelta >= d.params.FlingContinuityThresholdPx
	curIsFastScroll := absTotalRawDelta >= d.params.FastScrollContinuityThresholdPx
	prevIsFastScroll := prev.absTotalRawDelta >= d.params.FastScrollContinuityThresholdPx
	if curIsFastFling {
		if prev.hasInertialInput {
			// Missed one or more vsyncs in the middle of a fling.
			missedPerReason[ReasonDuringFling] = vsyncsSincePrev - 1
		} else if prevIsFastScroll {
			// Missed one or more vsyncs transitioning from a fast regular
			// scroll to a fling.
			missedPerReason[ReasonAtStartOfFling] = vsyncsSincePrev - 1
		}
	} else if prevIsFastScroll && curIsFastScroll {
		// Missed one or more vsyncs in the middle of a fast regular scroll.
		missedPerReason[ReasonDuringFastScroll] = vsyncsSincePrev - 1
	}

	return missedPerReason
}

// calculatePresentationData computes how quickly the engine delivered input
// in the current frame and folds it into the running model.
func (d *Decider) calculatePresentationData(
	vsyncsSincePrev int,
	isJanky bool,
	lastInputTime time.Time,
	damage ScrollDamage,
	args BeginFrameArgs,
	result *Result,
) *presentationData {
	// The previous cutoff is carried forward only when the previous frame
	// produced one and the current frame is not janky. A janky frame, or a
	// scroll that has not yet produced a damaging frame, restarts the model
	// from scratch.
	var discountedPrevCutoff *time.Duration
	if d.prev != nil && d.prev.presentation != nil && !isJanky {
		discounted := d.prev.presentation.runningDeliveryCutoff +
			time.Duration(float64(vsyncsSincePrev)*d.params.DiscountFactor*float64(args.Interval))
		discountedPrevCutoff = &discounted
	}

	if presentationTime, damaging := damage.PresentationTime(); damaging {
		current := presentationTime.Sub(lastInputTime)
		result.CurrentDeliveryCutoff = &current
		running := current
		if discountedPrevCutoff != nil && *discountedPrevCutoff < current {
			running = *discountedPrevCutoff
		}
		return &presentationData{
			presentationTime:      presentationTime,
			runningDeliveryCutoff: running,
		}
	}

	if discountedPrevCutoff != nil {
		// A non-janky non-damaging frame is treated as if it had been
		// presented consistently, with the same begin-to-presentation
		// latency as the most recent damaging frame. No direct cutoff
		// measurement is possible, so the discounted previous cutoff is
		// carried forward.
		extrapolated := d.prev.presentation.presentationTime.Add(
			args.FrameTime.Sub(d.prev.beginFrameTime))
		return &presentationData{
			presentationTime:      extrapolated,
			runningDeliveryCutoff: *discountedPrevCutoff,
		}
	}

	// No damaging frame since the start of the scroll or since the most
	// recent janky non-damaging frame; there is nothing to extrapolate
	// from.
	return nil
}

func (d *Decider) reset() {
	d.prev = nil
}
