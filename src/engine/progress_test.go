package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

const sampleStream = `#1 [internal] load build definition from build-descriptor
#1 DONE 0.0s
#2 [base 1/4] FROM docker.io/library/python:3.12-slim
#2 resolve docker.io/library/python:3.12-slim 0.5s done
#2 sha256:abc123 12.5MB / 40MB 1.2s
#2 DONE 3.1s
#3 [base 2/4] WORKDIR /srv/bundle
#3 DONE 0.1s
#4 [base 3/4] RUN pip install --no-cache-dir requests==2.28.0
#4 1.234 Collecting requests==2.28.0
#4 2.010 Successfully installed requests-2.28.0
#4 DONE 8.2s
#5 [base 4/4] COPY tools/ tools/
#5 DONE 0.0s
`

func parseAll(t *testing.T, p *StreamParser, stream string) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	sc := bufio.NewScanner(strings.NewReader(stream))
	for sc.Scan() {
		if e := p.Line(sc.Text()); e != nil {
			events = append(events, *e)
		}
	}
	return events
}

func TestStreamParserEvents(t *testing.T) {
	p := NewStreamParser()
	events := parseAll(t, p, sampleStream)

	var steps, downloads, outputs int
	for _, e := range events {
		switch e.Kind {
		case EventStep:
			steps++
		case EventDownload:
			downloads++
		case EventOutput:
			outputs++
		case EventError:
			t.Errorf("unexpected error event: %+v", e)
		}
		if e.StepIndex > e.TotalSteps && e.TotalSteps > 0 {
			t.Errorf("step index %d exceeds total %d", e.StepIndex, e.TotalSteps)
		}
	}
	if steps != 4 {
		t.Errorf("step events = %d, want 4", steps)
	}
	if downloads != 2 {
		t.Errorf("download events = %d, want 2", downloads)
	}
	if outputs != 2 {
		t.Errorf("output events = %d, want 2", outputs)
	}

	// Elapsed never decreases across the ordered sequence.
	for i := 1; i < len(events); i++ {
		if events[i].ElapsedMillis < events[i-1].ElapsedMillis {
			t.Errorf("elapsed decreased at event %d: %d < %d",
				i, events[i].ElapsedMillis, events[i-1].ElapsedMillis)
		}
	}
}

func TestStreamParserFailure(t *testing.T) {
	p := NewStreamParser()
	stream := `#2 [base 1/3] FROM docker.io/library/python:3.12-slim
#2 DONE 1.0s
#3 [base 2/3] RUN pip install --no-cache-dir missing-pkg==9.9.9
#3 ERROR: process "pip install" did not complete successfully: exit code: 1
ERROR: failed to solve: no matching distribution found for missing-pkg
`
	events := parseAll(t, p, stream)

	var errEvents int
	for _, e := range events {
		if e.Kind == EventError {
			errEvents++
		}
	}
	if errEvents != 2 {
		t.Errorf("error events = %d, want 2", errEvents)
	}

	idx, instruction := p.FailurePosition()
	if idx != 2 || instruction != "RUN" {
		t.Errorf("failure position = %d/%s, want 2/RUN", idx, instruction)
	}
	if !strings.Contains(p.ErrorText(), "no matching distribution found") {
		t.Errorf("error text = %q", p.ErrorText())
	}
}

func TestStreamParserComplete(t *testing.T) {
	p := NewStreamParser()
	parseAll(t, p, sampleStream)

	e := p.Complete("build finished")
	if e.Kind != EventComplete {
		t.Errorf("kind = %s", e.Kind)
	}
	if e.StepIndex != e.TotalSteps || e.TotalSteps != 4 {
		t.Errorf("complete event at %d/%d, want 4/4", e.StepIndex, e.TotalSteps)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		raw  string
		want Category
	}{
		{"write /var/lib/docker: no space left on device", CategoryDiskSpace},
		{"open /run/docker.sock: permission denied", CategoryPermissionDenied},
		{"failed to resolve source metadata for docker.io/x:y", CategoryBaseImageUnavailable},
		{"dial tcp: lookup pypi.org: no such host", CategoryNetworkUnreachable},
		{"ERROR: no matching distribution found for foo", CategoryMissingDependency},
		{"dockerfile parse error on line 7", CategorySyntaxError},
		{"something totally novel", CategoryUnknown},
		// Disk space outranks permission when both substrings appear.
		{"permission denied: no space left on device", CategoryDiskSpace},
		// A registry pull-access refusal is a base image problem, not a
		// local permission one.
		{"ERROR: pull access denied for acme/base, repository does not exist", CategoryBaseImageUnavailable},
	}
	for _, tc := range cases {
		if got := Classify(tc.raw); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestNewFailureCarriesSuggestions(t *testing.T) {
	f := NewFailure(3, "RUN", "no space left on device")
	if f.Category != CategoryDiskSpace {
		t.Fatalf("category = %s", f.Category)
	}
	if f.FailedStepIndex != 3 || f.FailedInstruction != "RUN" {
		t.Errorf("position = %d/%s", f.FailedStepIndex, f.FailedInstruction)
	}
	if len(f.Suggestions) == 0 {
		t.Error("no suggestions attached")
	}
	if !strings.Contains(f.Error(), "disk-space") {
		t.Errorf("Error() = %q", f.Error())
	}
}

func TestSinkWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	s.OnProgress(ProgressEvent{Kind: EventStep, StepIndex: 1, TotalSteps: 4, Message: "FROM", Timestamp: time.Now()})
	s.OnProgress(ProgressEvent{Kind: EventComplete, StepIndex: 4, TotalSteps: 4, Message: "done", Timestamp: time.Now()})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, line := range lines {
		var e ProgressEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Errorf("line %q is not valid JSON: %v", line, err)
		}
	}
	var first ProgressEvent
	json.Unmarshal([]byte(lines[0]), &first)
	if first.Kind != EventStep || first.Message != "FROM" {
		t.Errorf("first event = %+v", first)
	}
}

func TestRegistryLookup(t *testing.T) {
	c, err := Get("docker")
	if err != nil {
		t.Fatalf("Get(docker): %v", err)
	}
	if c.Name() != "docker" {
		t.Errorf("Name = %q", c.Name())
	}
	if _, err := Get("nonexistent"); err == nil {
		t.Error("expected unknown engine error")
	}
}
