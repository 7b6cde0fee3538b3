package jank

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

const vsyncInterval = 16 * time.Millisecond

func millis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

func micros(us int64) time.Time {
	return time.Unix(0, us*int64(time.Microsecond))
}

// deciderHarness drives a Decider the way the frame pipeline does, handing it
// begin frame args with monotonically increasing sequence ids.
type deciderHarness struct {
	decider *Decider
	nextSeq uint64
}

func newDeciderHarness() *deciderHarness {
	return &deciderHarness{decider: NewDecider(DefaultParams()), nextSeq: 1}
}

func (h *deciderHarness) nextBeginFrame(frameTime time.Time) BeginFrameArgs {
	args := BeginFrameArgs{
		SourceID:   1,
		SequenceID: h.nextSeq,
		FrameTime:  frameTime,
		Interval:   vsyncInterval,
	}
	h.nextSeq++
	return args
}

func (h *deciderHarness) decide(
	firstInput, lastInput time.Time,
	damage ScrollDamage,
	frameTime time.Time,
	hasInertialInput bool,
	absTotalDelta, maxAbsInertialDelta float64,
) *Result {
	return h.decider.DecideFrame(
		firstInput, lastInput, damage, h.nextBeginFrame(frameTime),
		hasInertialInput, absTotalDelta, maxAbsInertialDelta)
}

func requireNoMissedVsyncs(t *testing.T, result *Result) {
	t.Helper()
	require.NotNil(t, result)
	require.Equal(t, MissedVsyncs{}, result.MissedVsyncsPerReason)
}

func requireMissedVsyncs(t *testing.T, result *Result, reason Reason, missed int) {
	t.Helper()
	require.NotNil(t, result)
	var want MissedVsyncs
	want[reason] = missed
	require.Equal(t, want, result.MissedVsyncsPerReason)
}

// Regular frame production, one damaging frame per vsync, is never janky.
func TestDeciderFrameProducedEveryVsync(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(103), millis(111), Damaging(millis(148)), millis(132),
		true, 10.0, 10.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(119), millis(127), Damaging(millis(164)), millis(148),
		true, 10.0, 10.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(135), millis(143), Damaging(millis(180)), millis(164),
		true, 10.0, 10.0))
}

// Sporadic input timing is not janky when no frame was expected in between.
func TestDeciderNoFrameProducedForMissingInput(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(103), millis(111), Damaging(millis(148)), millis(132),
		false, 2.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(135), millis(143), Damaging(millis(180)), millis(164),
		false, 2.0, 0.0))
}

// Frames which took too long to produce, even though their input was already
// available, are attributed missed vsyncs.
func TestDeciderMissedVsyncWhenInputWasPresent(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(103), millis(111), Damaging(millis(148)), millis(132),
		false, 2.0, 0.0))
	requireMissedVsyncs(t, h.decide(
		millis(119), millis(127), Damaging(millis(196)), millis(180),
		false, 2.0, 0.0), ReasonDeceleratingInputDelivery, 2)
	requireMissedVsyncs(t, h.decide(
		millis(135), millis(143), Damaging(millis(228)), millis(212),
		false, 2.0, 0.0), ReasonDeceleratingInputDelivery, 1)
}

// A frame presented less than half a vsync after the previous one must not
// divide by zero; the elapsed vsync count is clamped to one.
func TestDeciderScrollWithZeroVsyncs(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(103), millis(111), Damaging(millis(148)), millis(132),
		false, 2.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(119), millis(127), Damaging(millis(149)), millis(133),
		false, 2.0, 0.0))
}

// A frame containing an input generated after the frame's own presentation is
// corrupt and must be ignored entirely, including for subsequent frames.
func TestDeciderInputGeneratedAfterItWasPresented(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(180)), millis(164),
		false, 2.0, 0.0))
	require.Nil(t, h.decide(
		millis(148), millis(148), Damaging(millis(132)), millis(116),
		false, 2.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(164), millis(164), Damaging(millis(244)), millis(228),
		false, 2.0, 0.0))
}

// A frame presented before the previous frame is ignored entirely.
func TestDeciderOutOfOrderFrameTermination(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(180)), millis(164),
		false, 2.0, 0.0))
	require.Nil(t, h.decide(
		millis(116), millis(116), Damaging(millis(148)), millis(132),
		false, 2.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(132), millis(132), Damaging(millis(212)), millis(196),
		false, 2.0, 0.0))
}

func evaluatesEachScrollSeparately(t *testing.T, reset func(d *Decider)) {
	t.Helper()
	h := newDeciderHarness()

	// Scroll 1: first input took only half a vsync to deliver.
	requireNoMissedVsyncs(t, h.decide(
		millis(108), millis(108), Damaging(millis(116)), millis(100),
		false, 4.0, 0.0))

	reset(h.decider)

	// Scroll 2: inputs took 2.5 vsyncs to deliver. Not janky because the new
	// scroll must not be evaluated against the previous scroll's cutoff.
	requireNoMissedVsyncs(t, h.decide(
		millis(124), millis(124), Damaging(millis(164)), millis(148),
		false, 4.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(140), millis(140), Damaging(millis(180)), millis(164),
		false, 4.0, 0.0))
}

func TestDeciderEvaluatesEachScrollSeparately(t *testing.T) {
	evaluatesEachScrollSeparately(t, func(d *Decider) {
		d.OnScrollEnded()
		d.OnScrollStarted()
	})
}

func TestDeciderEvaluatesEachScrollSeparatelyScrollStartOnly(t *testing.T) {
	evaluatesEachScrollSeparately(t, func(d *Decider) {
		d.OnScrollStarted()
	})
}

func TestDeciderEvaluatesEachScrollSeparatelyScrollEndOnly(t *testing.T) {
	evaluatesEachScrollSeparately(t, func(d *Decider) {
		d.OnScrollEnded()
	})
}

// A single quick delivery long ago must not mark a current frame as janky; the
// running cutoff is dominated by the many recent slower deliveries.
func TestDeciderMissedVsyncLongAfterQuickInputFrameDelivery(t *testing.T) {
	h := newDeciderHarness()

	// First input took only half a vsync to deliver.
	requireNoMissedVsyncs(t, h.decide(
		millis(108), millis(108), Damaging(millis(116)), millis(100),
		false, 2.0, 0.0))

	// Inputs 2-64 took one vsync to deliver.
	for i := 2; i <= 64; i++ {
		offset := time.Duration(i-2) * vsyncInterval
		requireNoMissedVsyncs(t, h.decide(
			millis(116).Add(offset), millis(116).Add(offset),
			Damaging(millis(132).Add(offset)), millis(116).Add(offset),
			false, 2.0, 0.0))
	}

	// One vsync missed before frame 65. Judged against the recent 16 ms
	// cutoffs rather than the 8 ms one from long ago, its input could not have
	// been presented earlier.
	requireNoMissedVsyncs(t, h.decide(
		millis(1132), millis(1132), Damaging(millis(1156)), millis(1140),
		false, 2.0, 0.0))
}

// A quick delivery in the immediately preceding frame does tighten the cutoff
// the next frame is judged against.
func TestDeciderMissedVsyncImmediatelyAfterQuickInputFrameDelivery(t *testing.T) {
	h := newDeciderHarness()

	// Inputs 1-63 took one vsync to deliver.
	for i := 1; i <= 63; i++ {
		offset := time.Duration(i-1) * vsyncInterval
		requireNoMissedVsyncs(t, h.decide(
			millis(100).Add(offset), millis(100).Add(offset),
			Damaging(millis(116).Add(offset)), millis(100).Add(offset),
			false, 2.0, 0.0))
	}

	// Input 64 took only half a vsync to deliver.
	requireNoMissedVsyncs(t, h.decide(
		millis(1116), millis(1116), Damaging(millis(1124)), millis(1108),
		false, 2.0, 0.0))

	// One vsync missed before frame 65. Judged against the most recent 8 ms
	// cutoff, its input could have been presented in the missed vsync.
	requireMissedVsyncs(t, h.decide(
		millis(1132), millis(1132), Damaging(millis(1156)), millis(1140),
		false, 2.0, 0.0), ReasonDeceleratingInputDelivery, 1)
}

// Missed vsyncs in the middle of a fast regular scroll are janky even when
// inputs are sparse.
func TestDeciderMissedVsyncDuringFastScroll(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(340)), millis(324),
		false, 4.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(116), millis(116), Damaging(millis(356)), millis(340),
		false, 4.0, 0.0))
	requireMissedVsyncs(t, h.decide(
		millis(148), millis(148), Damaging(millis(388)), millis(372),
		false, 4.0, 0.0), ReasonDuringFastScroll, 1)
	requireNoMissedVsyncs(t, h.decide(
		millis(164), millis(164), Damaging(millis(404)), millis(388),
		false, 4.0, 0.0))
	requireMissedVsyncs(t, h.decide(
		millis(260), millis(260), Damaging(millis(500)), millis(484),
		false, 4.0, 0.0), ReasonDuringFastScroll, 5)
}

// The same gaps are not janky when either side of the gap is below the fast
// scroll threshold.
func TestDeciderMissedVsyncOutsideFastScroll(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(340)), millis(324),
		false, 4.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(116), millis(116), Damaging(millis(356)), millis(340),
		false, 4.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(148), millis(148), Damaging(millis(388)), millis(372),
		false, 2.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(164), millis(164), Damaging(millis(404)), millis(388),
		false, 2.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(260), millis(260), Damaging(millis(500)), millis(484),
		false, 4.0, 0.0))
}

func TestDeciderMissedVsyncAtTransitionFromFastRegularScrollToFastFling(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(180)), millis(164),
		false, 4.0, 0.0))
	requireMissedVsyncs(t, h.decide(
		millis(164), millis(164), Damaging(millis(244)), millis(228),
		true, 0.5, 0.5), ReasonAtStartOfFling, 3)
}

func TestDeciderMissedVsyncAtTransitionFromSlowRegularScrollToFling(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(180)), millis(164),
		false, 2.0, 0.0))
	// The preceding regular scroll was below the fast scroll threshold, so the
	// gap before the first fling frame is tolerated.
	requireNoMissedVsyncs(t, h.decide(
		millis(164), millis(164), Damaging(millis(244)), millis(228),
		true, 0.5, 0.5))
}

func TestDeciderMissedVsyncAtTransitionFromRegularScrollToSlowFling(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(180)), millis(164),
		false, 4.0, 0.0))
	// The fling itself is below the fling threshold, so the gap is tolerated.
	requireNoMissedVsyncs(t, h.decide(
		millis(164), millis(164), Damaging(millis(244)), millis(228),
		true, 0.1, 0.1))
}

func TestDeciderNoMissedVsyncAtTransitionFromRegularScrollToFling(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(180)), millis(164),
		false, 4.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(116), millis(116), Damaging(millis(196)), millis(180),
		true, 0.5, 0.5))
}

// Missed vsyncs in the middle of a fast fling are janky regardless of the
// previous frame's delta.
func TestDeciderMissedVsyncDuringFastFling(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(340)), millis(324),
		true, 0.5, 0.5))
	requireNoMissedVsyncs(t, h.decide(
		millis(116), millis(116), Damaging(millis(356)), millis(340),
		true, 0.5, 0.5))
	requireMissedVsyncs(t, h.decide(
		millis(148), millis(148), Damaging(millis(388)), millis(372),
		true, 0.5, 0.5), ReasonDuringFling, 1)
	requireNoMissedVsyncs(t, h.decide(
		millis(164), millis(164), Damaging(millis(404)), millis(388),
		true, 0.1, 0.1))
	requireMissedVsyncs(t, h.decide(
		millis(260), millis(260), Damaging(millis(500)), millis(484),
		true, 0.5, 0.5), ReasonDuringFling, 5)
}

// A slow fling, typically towards its end, tolerates sparse frames.
func TestDeciderMissedVsyncDuringSlowFling(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(100), millis(100), Damaging(millis(300)), millis(284),
		true, 0.5, 0.5))
	requireNoMissedVsyncs(t, h.decide(
		millis(116), millis(116), Damaging(millis(316)), millis(300),
		true, 0.5, 0.5))
	requireNoMissedVsyncs(t, h.decide(
		millis(148), millis(148), Damaging(millis(348)), millis(332),
		true, 0.1, 0.1))
	requireNoMissedVsyncs(t, h.decide(
		millis(164), millis(164), Damaging(millis(364)), millis(348),
		true, 0.1, 0.1))
	requireNoMissedVsyncs(t, h.decide(
		millis(260), millis(260), Damaging(millis(460)), millis(444),
		true, 0.1, 0.1))
}

// Inputs whose last generation timestamp precedes the first one are corrupt
// and must be ignored without crashing.
func TestDeciderHandlesIncorrectInputGenerationTimestampOrdering(t *testing.T) {
	h := newDeciderHarness()

	require.Nil(t, h.decide(
		millis(200), millis(100), Damaging(millis(400)), millis(300),
		false, 5.0, 0.0))
	require.Nil(t, h.decide(
		millis(200), millis(100), NonDamaging(), millis(300),
		true, 0.5, 0.5))
}

// Boundary cases for the running delivery cutoff: the number of missed vsyncs
// attributed to a late frame is determined by how much earlier than the
// adjusted cutoff its first input was generated, in discounted vsync units.
func TestDeciderRunningConsistency(t *testing.T) {
	cases := []struct {
		name         string
		inputTime    time.Time
		missedVsyncs int
	}{
		{"MaxInputTimestampFor3MissedVsyncs", micros(156640), 3},
		{"MinInputTimestampFor2MissedVsyncs", micros(156641), 2},
		{"MaxInputTimestampFor2MissedVsyncs", micros(172480), 2},
		{"MinInputTimestampFor1MissedVsync", micros(172481), 1},
		{"MaxInputTimestampFor1MissedVsync", micros(188320), 1},
		{"MinInputTimestampFor0MissedVsyncs", micros(188321), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newDeciderHarness()

			// Three frames with delivery cutoffs of roughly 3.5 vsyncs each
			// (55.9 ms, 56 ms and 56.2 ms).
			requireNoMissedVsyncs(t, h.decide(
				millis(100), micros(108100), Damaging(millis(164)),
				millis(148), false, 0.0, 0.0))
			requireNoMissedVsyncs(t, h.decide(
				millis(116), millis(124), Damaging(millis(180)),
				millis(164), false, 0.0, 0.0))
			requireNoMissedVsyncs(t, h.decide(
				millis(132), micros(139800), Damaging(millis(196)),
				millis(180), false, 0.0, 0.0))

			// Three vsyncs missed before the fourth frame; the verdict depends
			// on its first input's generation timestamp.
			result := h.decide(
				tc.inputTime, tc.inputTime, Damaging(millis(260)),
				millis(244), false, 0.0, 0.0)
			if tc.missedVsyncs == 0 {
				requireNoMissedVsyncs(t, result)
			} else {
				requireMissedVsyncs(t, result,
					ReasonDeceleratingInputDelivery, tc.missedVsyncs)
			}
		})
	}
}

// Regular interleaving of damaging and non-damaging frames is not janky.
func TestDeciderConsistentInterleavedDamagingAndNonDamagingFrames(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(103), millis(111), Damaging(millis(148)), millis(132),
		true, 10.0, 10.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(119), millis(127), Damaging(millis(164)), millis(148),
		true, 10.0, 10.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(135), millis(143), NonDamaging(), millis(164),
		true, 10.0, 10.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(151), millis(159), NonDamaging(), millis(180),
		true, 10.0, 10.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(167), millis(175), Damaging(millis(212)), millis(196),
		true, 10.0, 10.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(183), millis(191), Damaging(millis(228)), millis(212),
		true, 10.0, 10.0))
}

// A scroll that starts with non-damaging frames still builds up a valid model
// once the first damaging frame arrives.
func TestDeciderScrollStartsWithNonDamagingFrames(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(103), millis(111), NonDamaging(), millis(132),
		false, 2.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(119), millis(127), NonDamaging(), millis(148),
		false, 2.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(135), millis(143), Damaging(millis(180)), millis(164),
		false, 2.0, 0.0))
	// Expected two vsyncs earlier, at 196 ms rather than 228 ms.
	requireMissedVsyncs(t, h.decide(
		millis(151), millis(159), Damaging(millis(228)), millis(180),
		false, 2.0, 0.0), ReasonDeceleratingInputDelivery, 2)
}

// Non-damaging frames themselves can be attributed missed vsyncs by the fast
// scroll and fling continuity rules.
func TestDeciderJankyNonDamagingFrames(t *testing.T) {
	h := newDeciderHarness()

	requireNoMissedVsyncs(t, h.decide(
		millis(103), millis(111), Damaging(millis(148)), millis(132),
		false, 5.0, 0.0))
	requireNoMissedVsyncs(t, h.decide(
		millis(119), millis(127), NonDamaging(), millis(148),
		false, 5.0, 0.0))
	requireMissedVsyncs(t, h.decide(
		millis(151), millis(159), NonDamaging(), millis(180),
		false, 5.0, 0.0), ReasonDuringFastScroll, 1)
	requireNoMissedVsyncs(t, h.decide(
		millis(196), millis(196), NonDamaging(), millis(196),
		true, 2.0, 2.0))
	requireMissedVsyncs(t, h.decide(
		millis(244), millis(244), NonDamaging(), millis(244),
		true, 2.0, 2.0), ReasonDuringFling, 2)
}

func TestDeciderPanicsOnInertialDeltaWithoutInertialInput(t *testing.T) {
	h := newDeciderHarness()
	require.Panics(t, func() {
		h.decide(millis(100), millis(100), Damaging(millis(132)),
			millis(116), false, 2.0, 1.0)
	})
}

// TestProperty_DeciderSteadyDeliveryNeverJanky validates that frames delivered
// with a constant cutoff and sub-threshold scroll deltas are never attributed
// missed vsyncs, no matter how irregular the frame gaps are. The adjusted
// cutoff is always within a fraction of a vsync of the running cutoff, so the
// running consistency rule never fires, and the continuity rules are gated on
// the thresholds.
func TestProperty_DeciderSteadyDeliveryNeverJanky(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("constant delivery cutoff below thresholds is never janky", prop.ForAll(
		func(cutoffMs int64, gaps []int) bool {
			h := newDeciderHarness()
			cutoff := time.Duration(cutoffMs) * time.Millisecond

			presentation := millis(1000)
			for _, gap := range gaps {
				if gap < 1 {
					gap = 1
				}
				presentation = presentation.Add(time.Duration(gap) * vsyncInterval)
				input := presentation.Add(-cutoff)
				result := h.decide(
					input, input, Damaging(presentation),
					presentation.Add(-vsyncInterval), false, 2.0, 0.0)
				if result == nil || result.MissedVsyncsPerReason.Any() {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 15),
		gen.SliceOf(gen.IntRange(1, 5)),
	))

	properties.TestingRun(t)
}

func TestReasonString(t *testing.T) {
	require.Equal(t, "DeceleratingInputDelivery", ReasonDeceleratingInputDelivery.String())
	require.Equal(t, "DuringFling", ReasonDuringFling.String())
	require.Equal(t, "AtStartOfFling", ReasonAtStartOfFling.String())
	require.Equal(t, "DuringFastScroll", ReasonDuringFastScroll.String())
	require.Equal(t, fmt.Sprintf("Reason(%d)", int(numReasons)), numReasons.String())
}
