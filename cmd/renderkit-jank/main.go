// Package main implements the renderkit-jank trace analyzer binary.
// It replays a recorded scroll trace, one presented frame per line, through
// the jank decider and reports which frames missed vsyncs and why.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/renderkit/renderkit/internal/config"
	"github.com/renderkit/renderkit/internal/jank"
)

// traceFrame is one presented frame of the trace: its refresh cycle, its
// presentation timestamp, and every input event dispatched into it.
type traceFrame struct {
	PresentationTimeUs int64        `json:"presentation_time_us"`
	Args               traceArgs    `json:"args"`
	Events             []traceEvent `json:"events"`
}

type traceArgs struct {
	SourceID    uint64 `json:"source_id"`
	SequenceID  uint64 `json:"sequence_id"`
	FrameTimeUs int64  `json:"frame_time_us"`
	IntervalUs  int64  `json:"interval_us"`
}

type traceEvent struct {
	Type              string    `json:"type"`
	GenerationTimeUs  int64     `json:"generation_time_us"`
	LastInputTimeUs   int64     `json:"last_input_time_us"`
	DeltaPixels       float64   `json:"delta_pixels"`
	CausedFrameUpdate bool      `json:"caused_frame_update"`
	DidScroll         bool      `json:"did_scroll"`
	BeginFrame        traceArgs `json:"begin_frame"`
}

var eventTypes = map[string]jank.EventType{
	"scroll_begin":        jank.EventScrollBegin,
	"first_scroll_update": jank.EventFirstScrollUpdate,
	"scroll_update":       jank.EventScrollUpdate,
	"inertial_update":     jank.EventInertialScrollUpdate,
	"scroll_end":          jank.EventScrollEnd,
	"inertial_scroll_end": jank.EventInertialScrollEnd,
}

func main() {
	var (
		configFile string
		tracePath  string
		verbose    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&tracePath, "trace", "-", "Trace file of JSON lines, or - for stdin")
	flag.BoolVar(&verbose, "verbose", false, "Log every janky frame as it is judged")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "renderkit-jank - scroll trace analyzer\n\n")
		fmt.Fprintf(os.Stderr, "Usage: renderkit-jank [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  renderkit-jank --trace scroll.jsonl\n")
		fmt.Fprintf(os.Stderr, "  renderkit-jank --config /etc/renderkit/config.yaml --trace - < scroll.jsonl\n")
	}

	flag.Parse()

	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	input := os.Stdin
	if tracePath != "-" {
		f, err := os.Open(tracePath)
		if err != nil {
			log.Fatalf("Failed to open trace: %v", err)
		}
		defer f.Close()
		input = f
	}

	summary, err := analyze(input, cfg.Jank.Params, verbose)
	if err != nil {
		log.Fatalf("Failed to analyze trace: %v", err)
	}
	summary.print()
}

// summaryReporter aggregates decider verdicts across the whole trace.
type summaryReporter struct {
	verbose bool

	frames          int
	jankyFrames     int
	scrolls         int
	missedPerReason jank.MissedVsyncs
}

func (r *summaryReporter) OnFrameWithScrollUpdates(missed jank.MissedVsyncs, countsTowardsFrameCount bool) {
	if countsTowardsFrameCount {
		r.frames++
	}
	if !missed.Any() {
		return
	}
	r.jankyFrames++
	for reason, count := range missed {
		r.missedPerReason[reason] += count
		if r.verbose && count > 0 {
			log.Printf("frame %d missed %d vsync(s): %s", r.frames, count, jank.Reason(reason))
		}
	}
}

func (r *summaryReporter) OnScrollStarted() { r.scrolls++ }
func (r *summaryReporter) OnScrollEnded()   {}

func (r *summaryReporter) print() {
	fmt.Printf("scrolls:      %d\n", r.scrolls)
	fmt.Printf("frames:       %d\n", r.frames)
	fmt.Printf("janky frames: %d\n", r.jankyFrames)
	for reason, count := range r.missedPerReason {
		if count > 0 {
			fmt.Printf("  %-28s %d missed vsync(s)\n", jank.Reason(reason).String()+":", count)
		}
	}
}

// analyze replays every trace line through a fresh decider and router.
func analyze(input io.Reader, params jank.Params, verbose bool) (*summaryReporter, error) {
	reporter := &summaryReporter{verbose: verbose}
	router := jank.NewRouter(jank.NewDecider(params), reporter, jank.RouterOptions{
		HandleNonDamagingInputs: true,
	})

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var frame traceFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events, err := convertEvents(frame.Events)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		router.ProcessPresentedFrame(
			events,
			time.UnixMicro(frame.PresentationTimeUs),
			convertArgs(frame.Args),
		)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return reporter, nil
}

func convertArgs(a traceArgs) jank.BeginFrameArgs {
	return jank.BeginFrameArgs{
		SourceID:   a.SourceID,
		SequenceID: a.SequenceID,
		FrameTime:  time.UnixMicro(a.FrameTimeUs),
		Interval:   time.Duration(a.IntervalUs) * time.Microsecond,
	}
}

func convertEvents(raw []traceEvent) ([]*jank.Event, error) {
	events := make([]*jank.Event, 0, len(raw))
	for _, e := range raw {
		eventType, ok := eventTypes[e.Type]
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", e.Type)
		}
		lastInput := e.LastInputTimeUs
		if lastInput == 0 {
			lastInput = e.GenerationTimeUs
		}
		events = append(events, &jank.Event{
			Type:              eventType,
			GenerationTime:    time.UnixMicro(e.GenerationTimeUs),
			LastInputTime:     time.UnixMicro(lastInput),
			DeltaPixels:       e.DeltaPixels,
			CausedFrameUpdate: e.CausedFrameUpdate,
			DidScroll:         e.DidScroll,
			BeginFrame:        convertArgs(e.BeginFrame),
		})
	}
	return events, nil
}
