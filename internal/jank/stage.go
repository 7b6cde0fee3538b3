package jank

import (
	"log"
	"math"
	"time"
)

// Stage is one semantic stage of a frame: either a bundle of scroll updates
// first presented in the frame, or a scroll end. A frame has at most one of
// each, in chronological order.
type Stage interface {
	isStage()
}

// ScrollUpdates is a stage covering one or more scroll updates that were
// first presented in the frame.
type ScrollUpdates struct {
	// IsScrollStart is true if the first scroll update in the frame started
	// a new scroll gesture.
	IsScrollStart bool

	// Earliest is the earliest scroll update included in the frame, by
	// generation timestamp.
	Earliest *Event

	// LastInputTime is the generation timestamp of the last coalesced input
	// included in the frame.
	LastInputTime time.Time

	// HasInertialInput is true if at least one included update was part of
	// a fling.
	HasInertialInput bool

	// TotalRawDeltaPixels is the sum of raw deltas over all included
	// updates. Individual deltas can have different signs, so the total can
	// be zero, positive or negative.
	TotalRawDeltaPixels float64

	// MaxAbsInertialRawDeltaPixels is the largest absolute raw delta over
	// the included inertial updates. Zero when HasInertialInput is false.
	MaxAbsInertialRawDeltaPixels float64
}

// ScrollEnd is a stage covering a single scroll end event.
type ScrollEnd struct{}

func (ScrollUpdates) isStage() {}
func (ScrollEnd) isStage()     {}

// CalculateStages computes the scroll stages of one frame from its input
// events. The events are not modified; if a ScrollUpdates stage is returned,
// its Earliest field points at an item of events.
//
// skipNonDamaging controls whether updates that caused no frame update are
// ignored entirely (legacy behavior). With it false, every scroll update
// counts.
//
// The expected event orderings are E?F?U* and F?U*E?, where E is a scroll
// end, F a first scroll update and U a continuing update. A scroll end that
// precedes every update ends the previous scroll and is emitted first;
// otherwise it ends the current scroll and is emitted last. Events may arrive
// out of timestamp order.
func CalculateStages(events []*Event, skipNonDamaging bool) []Stage {
	var stages []Stage

	hasInertialInput := false
	hadEarliestScrollUpdate := false
	hadAnyScrollUpdate := false
	var scrollStartTime time.Time
	haveScrollStart := false
	var scrollEndTime time.Time
	haveScrollEnd := false
	totalRawDelta := 0.0
	maxAbsInertialRawDelta := 0.0

	// Dropped frames are reported together with the next presented frame,
	// so a frame can carry multiple scroll updates.
	var earliest *Event
	var earliestTime time.Time
	var lastInputTime time.Time

	for _, event := range events {
		if event.Type.IsScrollEnd() {
			if haveScrollEnd {
				log.Printf("jank: multiple scroll ends in a frame")
			}
			scrollEndTime = event.GenerationTime
			haveScrollEnd = true
			continue
		}
		if skipNonDamaging && !event.CausedFrameUpdate {
			continue
		}
		if !event.Type.IsScrollUpdate() {
			continue
		}
		totalRawDelta += event.DeltaPixels
		// The earliest update is tracked even when it failed to produce a
		// visible scroll.
		if !hadEarliestScrollUpdate || event.GenerationTime.Before(earliestTime) {
			earliest = event
			earliestTime = event.GenerationTime
			hadEarliestScrollUpdate = true
		}

		switch event.Type {
		case EventFirstScrollUpdate:
			if haveScrollStart {
				log.Printf("jank: multiple scroll starts in a frame (unexpected)")
			}
			scrollStartTime = event.GenerationTime
			haveScrollStart = true
		case EventInertialScrollUpdate:
			hasInertialInput = true
			maxAbsInertialRawDelta = math.Max(maxAbsInertialRawDelta, math.Abs(event.DeltaPixels))
		}

		// A scroll-start update is included even when it did not scroll,
		// because the decider must still judge its delivery latency.
		if !skipNonDamaging || event.DidScroll || haveScrollStart {
			hadAnyScrollUpdate = true
		}
		if event.LastInputTime.After(lastInputTime) {
			lastInputTime = event.LastInputTime
		}
	}

	// A scroll end no later than every update belongs to the previous
	// scroll. This also covers frames with a scroll end and no updates.
	endsPreviousScroll := haveScrollEnd &&
		(!hadEarliestScrollUpdate || !scrollEndTime.After(earliestTime))
	if endsPreviousScroll {
		stages = append(stages, ScrollEnd{})
	}

	if !hadAnyScrollUpdate {
		return stages
	}

	if haveScrollStart && scrollStartTime.After(earliestTime) {
		log.Printf("jank: scroll start after another scroll update in a frame (unexpected)")
	}

	stages = append(stages, ScrollUpdates{
		IsScrollStart:                haveScrollStart,
		Earliest:                     earliest,
		LastInputTime:                lastInputTime,
		HasInertialInput:             hasInertialInput,
		TotalRawDeltaPixels:          totalRawDelta,
		MaxAbsInertialRawDeltaPixels: maxAbsInertialRawDelta,
	})

	if haveScrollEnd && !endsPreviousScroll {
		if scrollEndTime.Before(lastInputTime) {
			// A scroll end strictly between two updates was most likely
			// caused by delayed updates from the previous scroll, so the
			// end is attributed to the current scroll and the frame is
			// still evaluated against the previous one.
			log.Printf("jank: scroll end between two scroll updates in a frame (unexpected)")
		}
		stages = append(stages, ScrollEnd{})
	}

	return stages
}
