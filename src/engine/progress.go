package engine

import (
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Regex patterns for buildx --progress=plain output.
var (
	// #N [stage M/N] INSTRUCTION args...
	layerStartRe = regexp.MustCompile(`^#(\d+) \[([^\]]*?) ?(\d+)/(\d+)\] (\w+)\s*(.*)`)
	// #N [internal] load build definition ...
	internalRe = regexp.MustCompile(`^#\d+ \[internal\]`)
	// #N sha256:... 12.5MB / 40MB ...  (layer download progress)
	downloadRe = regexp.MustCompile(`^#\d+ (?:sha256:\S+|resolve \S+|extracting)`)
	// #N 1.234 <process output>
	outputRe = regexp.MustCompile(`^#\d+ (\d+\.\d+) (.*)`)
	// #N ERROR: ...
	errorRe = regexp.MustCompile(`^#\d+ ERROR: (.*)`)
	// #N DONE 44.8s / #N CACHED
	doneRe = regexp.MustCompile(`^#(\d+) (?:DONE (\d+\.?\d*)s|CACHED)`)
	// ERROR: failed to ... (terminal line, no step prefix)
	terminalErrRe = regexp.MustCompile(`^ERROR: (.*)`)
)

// StreamParser converts buildx plain-progress lines into ProgressEvents,
// one call per line, preserving backend emission order. It also tracks the
// last step seen so a failure can be pinned to an index and instruction.
type StreamParser struct {
	start time.Time
	now   func() time.Time

	lastStep        int
	lastInstruction string
	totalSteps      int
	errLines        []string
}

// NewStreamParser starts the elapsed clock at construction.
func NewStreamParser() *StreamParser {
	return &StreamParser{start: time.Now(), now: time.Now}
}

// Line parses one output line. The returned event is nil for lines that
// carry no telemetry (blank lines, internal steps).
func (p *StreamParser) Line(line string) *ProgressEvent {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if internalRe.MatchString(trimmed) {
		return nil
	}

	if m := layerStartRe.FindStringSubmatch(trimmed); m != nil {
		idx, _ := strconv.Atoi(m[3])
		total, _ := strconv.Atoi(m[4])
		instruction := m[5]
		detail := m[6]

		p.lastStep = idx
		p.lastInstruction = instruction
		if total > p.totalSteps {
			p.totalSteps = total
		}

		msg := instruction
		if detail != "" {
			msg += " " + truncate(detail, 120)
		}
		return p.event(EventStep, idx, total, msg)
	}

	if m := errorRe.FindStringSubmatch(trimmed); m != nil {
		p.errLines = append(p.errLines, m[1])
		return p.event(EventError, p.lastStep, p.totalSteps, m[1])
	}
	if m := terminalErrRe.FindStringSubmatch(trimmed); m != nil {
		p.errLines = append(p.errLines, m[1])
		return p.event(EventError, p.lastStep, p.totalSteps, m[1])
	}

	if downloadRe.MatchString(trimmed) {
		return p.event(EventDownload, p.lastStep, p.totalSteps, truncate(trimmed, 120))
	}

	if m := outputRe.FindStringSubmatch(trimmed); m != nil {
		return p.event(EventOutput, p.lastStep, p.totalSteps, m[2])
	}

	if doneRe.MatchString(trimmed) {
		return nil // step completion carries no extra signal beyond the next Step event
	}

	return nil
}

// Complete emits the terminal event for a finished stream.
func (p *StreamParser) Complete(message string) *ProgressEvent {
	return p.event(EventComplete, p.totalSteps, p.totalSteps, message)
}

// FailurePosition reports where the stream last stood, for pinning a
// BuildFailure to a step.
func (p *StreamParser) FailurePosition() (stepIndex int, instruction string) {
	return p.lastStep, p.lastInstruction
}

// ErrorText joins every ERROR line seen on the stream.
func (p *StreamParser) ErrorText() string {
	return strings.Join(p.errLines, "\n")
}

func (p *StreamParser) event(kind EventKind, idx, total int, msg string) *ProgressEvent {
	now := p.now()
	return &ProgressEvent{
		Kind:          kind,
		StepIndex:     idx,
		TotalSteps:    total,
		Message:       msg,
		ElapsedMillis: now.Sub(p.start).Milliseconds(),
		Timestamp:     now,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Sink writes progress events as one JSON object per line, consumable on a
// side channel independently of the process exit code.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink wraps a writer. A nil writer yields a no-op sink.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) OnProgress(e ProgressEvent) {
	if s == nil || s.w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.w.Write(append(data, '\n'))
}

// Multi fans one event out to several observers in order.
func Multi(obs ...Observer) Observer {
	return ObserverFunc(func(e ProgressEvent) {
		for _, o := range obs {
			if o != nil {
				o.OnProgress(e)
			}
		}
	})
}
