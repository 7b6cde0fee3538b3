// Package jank implements the scroll jank v4 metric pipeline: it extracts
// scroll stages from raw input events, reconstructs per-vsync frame timelines
// for presented frames, and decides frame-by-frame whether the compositor
// should have presented input in an earlier refresh cycle.
package jank

import "time"

// BeginFrameArgs identifies one refresh cycle (a vsync tick) and carries its
// timing parameters.
type BeginFrameArgs struct {
	SourceID   uint64        `json:"source_id"`
	SequenceID uint64        `json:"sequence_id"`
	FrameTime  time.Time     `json:"frame_time"`
	Interval   time.Duration `json:"interval"`
}

// FrameID is the identity of a refresh cycle, used to group input events by
// the tick they were dispatched under.
type FrameID struct {
	SourceID   uint64
	SequenceID uint64
}

// ID returns the frame identity of the args.
func (a BeginFrameArgs) ID() FrameID {
	return FrameID{SourceID: a.SourceID, SequenceID: a.SequenceID}
}

// ScrollDamage classifies a frame as damaging (its pixels changed and it was
// actually presented, carrying a presentation timestamp) or non-damaging (no
// visible change; assumed presented on time for this metric).
type ScrollDamage struct {
	presentationTime time.Time
	damaging         bool
}

// Damaging returns the damage classification for a presented frame.
func Damaging(presentationTime time.Time) ScrollDamage {
	return ScrollDamage{presentationTime: presentationTime, damaging: true}
}

// NonDamaging returns the damage classification for a frame with no visible
// change.
func NonDamaging() ScrollDamage {
	return ScrollDamage{}
}

// IsDamaging reports whether the frame was damaging.
func (d ScrollDamage) IsDamaging() bool { return d.damaging }

// PresentationTime returns the presentation timestamp and whether one exists
// (only damaging frames carry one).
func (d ScrollDamage) PresentationTime() (time.Time, bool) {
	return d.presentationTime, d.damaging
}

// EventType classifies an input event for the purposes of this metric.
type EventType int

const (
	// EventNonScroll covers any event without scroll content. Such events
	// are ignored by the pipeline.
	EventNonScroll EventType = iota
	EventScrollBegin
	EventFirstScrollUpdate
	EventScrollUpdate
	EventInertialScrollUpdate
	EventScrollEnd
	EventInertialScrollEnd
)

// IsScrollUpdate reports whether the type is one of the scroll update kinds.
func (t EventType) IsScrollUpdate() bool {
	switch t {
	case EventFirstScrollUpdate, EventScrollUpdate, EventInertialScrollUpdate:
		return true
	}
	return false
}

// IsScrollEnd reports whether the type terminates a scroll gesture.
func (t EventType) IsScrollEnd() bool {
	return t == EventScrollEnd || t == EventInertialScrollEnd
}

// Event is one input event associated with a presented frame. Events are
// owned by the caller; the pipeline stores pointers back into the caller's
// slice so that jank results can be attached to the originating event.
type Event struct {
	Type EventType

	// GenerationTime is the timestamp at which the event was generated.
	GenerationTime time.Time

	// LastInputTime is the generation timestamp of the last input coalesced
	// into this event. Equal to GenerationTime when nothing was coalesced.
	LastInputTime time.Time

	// DeltaPixels is the raw scroll delta. Signed.
	DeltaPixels float64

	// CausedFrameUpdate is true if the event contributed damage to a frame.
	CausedFrameUpdate bool

	// DidScroll is true if the event actually moved scrolling content.
	DidScroll bool

	// BeginFrame is the refresh cycle that was active when the event was
	// dispatched.
	BeginFrame BeginFrameArgs

	// Jank holds the decision for the frame this event was the earliest
	// input of. Set at most once, by the router.
	Jank *Result
}

// Frame is one logical entry of a presented frame's timeline: the refresh
// cycle it belongs to, its damage classification, and its scroll stages.
type Frame struct {
	Args   BeginFrameArgs
	Damage ScrollDamage
	Stages []Stage
}

// BuildTimeline reconstructs the ordered per-vsync timeline of a single
// presented frame from its raw input events. Several refresh cycles can be
// coalesced into one presented frame when the compositor drops or throttles
// intermediate frames; the timeline contains one entry per refresh cycle that
// only produced non-visible input, in order, followed by a single damaging
// entry covering every event from the first damaging input onward. The
// damaging entry uses the presented frame's args and presentation timestamp.
//
// Returns an empty timeline if no event produced any scroll stage.
func BuildTimeline(events []*Event, presentedArgs BeginFrameArgs, presentationTime time.Time) []Frame {
	// Locate the first input that actually produced the presented pixels.
	// Everything from that input onward belongs to the presented frame.
	firstDamaging := -1
	for i, e := range events {
		if e.Type.IsScrollUpdate() && e.CausedFrameUpdate && e.DidScroll {
			firstDamaging = i
			break
		}
	}

	var timeline []Frame

	appendFrame := func(group []*Event, args BeginFrameArgs, damage ScrollDamage) {
		stages := CalculateStages(group, false)
		if len(stages) == 0 {
			return
		}
		timeline = append(timeline, Frame{Args: args, Damage: damage, Stages: stages})
	}

	// The damaging frame absorbs the first damaging input's entire refresh
	// cycle, including any non-damaging inputs dispatched under it.
	cut := firstDamaging
	if firstDamaging >= 0 {
		damageID := events[firstDamaging].BeginFrame.ID()
		for cut > 0 {
			e := events[cut-1]
			if e.Type != EventNonScroll && e.BeginFrame.ID() != damageID {
				break
			}
			cut--
		}
	}

	// Group the leading non-damaging events by the refresh cycle they were
	// dispatched under.
	head := events
	if firstDamaging >= 0 {
		head = events[:cut]
	}
	var group []*Event
	var groupID FrameID
	for _, e := range head {
		if e.Type == EventNonScroll {
			continue
		}
		id := e.BeginFrame.ID()
		if len(group) > 0 && id != groupID {
			appendFrame(group, group[0].BeginFrame, NonDamaging())
			group = group[:0]
		}
		group = append(group, e)
		groupID = id
	}
	if firstDamaging < 0 {
		if len(group) > 0 {
			appendFrame(group, group[0].BeginFrame, NonDamaging())
		}
		return timeline
	}
	if len(group) > 0 {
		appendFrame(group, group[0].BeginFrame, NonDamaging())
	}

	// The remaining events, across all their refresh cycles, were presented
	// together as the damaging frame.
	var tail []*Event
	for _, e := range events[cut:] {
		if e.Type == EventNonScroll {
			continue
		}
		tail = append(tail, e)
	}
	appendFrame(tail, presentedArgs, Damaging(presentationTime))
	return timeline
}
