package pipeline

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	s := &Store{Dir: t.TempDir()}

	cp := &Checkpoint{PipelineID: "test-id", ImageName: "bundle/server"}
	cp.SetStep(StepRegistry, StatusSucceeded, "hash-a", "/artifacts/modules.json")
	cp.SetStep(StepManifest, StatusRunning, "hash-b", "")

	if err := s.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("bundle/server")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.PipelineID != "test-id" {
		t.Errorf("pipeline id = %q", got.PipelineID)
	}
	reg := got.Step(StepRegistry)
	if reg == nil || reg.Status != StatusSucceeded || reg.InputHash != "hash-a" {
		t.Errorf("registry step = %+v", reg)
	}
	if got.Step("nonexistent") != nil {
		t.Error("unknown step should be nil")
	}
}

func TestStoreLoadAbsent(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	cp, err := s.Load("never-seen")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp != nil {
		t.Errorf("cp = %+v, want nil", cp)
	}
}

func TestStoreSaveOverwritesAtomically(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	cp := &Checkpoint{PipelineID: "one", ImageName: "img"}
	cp.SetStep(StepRegistry, StatusSucceeded, "h", "")
	if err := s.Save(cp); err != nil {
		t.Fatal(err)
	}

	cp.SetStep(StepRegistry, StatusFailed, "h2", "")
	if err := s.Save(cp); err != nil {
		t.Fatal(err)
	}

	// File content is always complete JSON, no temp files linger.
	data, err := os.ReadFile(s.Path("img"))
	if err != nil {
		t.Fatal(err)
	}
	var got Checkpoint
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("checkpoint is not valid JSON: %v", err)
	}
	if got.Step(StepRegistry).Status != StatusFailed {
		t.Errorf("status = %s", got.Step(StepRegistry).Status)
	}

	entries, _ := os.ReadDir(s.Dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".checkpoint-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStoreDelete(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	cp := &Checkpoint{PipelineID: "one", ImageName: "img"}
	if err := s.Save(cp); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("img"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting an absent checkpoint is not an error.
	if err := s.Delete("img"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"bundle/server":          "bundle_server",
		"registry.io/team/app:1": "registry.io_team_app_1",
		"plain":                  "plain",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []StepStatus{StatusSucceeded, StatusFailed, StatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []StepStatus{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
