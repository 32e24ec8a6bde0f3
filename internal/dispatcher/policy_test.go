package dispatcher

import (
	"testing"

	"github.com/mtzanidakis/orkestra/internal/model"
)

func cand(id string, active, slots int, caps ...string) Candidate {
	return Candidate{
		Agent: &model.Agent{
			ID:           id,
			Type:         model.AgentWorker,
			Capabilities: caps,
			Config:       model.AgentConfig{MaxConcurrentTasks: slots},
		},
		Active: active,
	}
}

func TestLeastLoaded(t *testing.T) {
	task := &model.Task{ID: "t1"}
	tests := []struct {
		name  string
		cands []Candidate
		want  string
	}{
		{"tie picks lowest id", []Candidate{cand("a1", 0, 1), cand("a2", 0, 1)}, "a1"},
		{"lower load wins", []Candidate{cand("a1", 1, 2), cand("a2", 0, 2)}, "a2"},
		{"capacity is ignored", []Candidate{cand("a1", 2, 4), cand("a2", 3, 10)}, "a1"},
		{"equal count falls back to id", []Candidate{cand("a1", 2, 2), cand("a2", 2, 8)}, "a1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 5 {
				if got := (LeastLoaded{}).Pick(task, tt.cands).Agent.ID; got != tt.want {
					t.Fatalf("expected %s, got %s", tt.want, got)
				}
			}
		})
	}
}

func TestLeastUtilized(t *testing.T) {
	task := &model.Task{ID: "t1"}
	tests := []struct {
		name  string
		cands []Candidate
		want  string
	}{
		{"load is relative to capacity", []Candidate{cand("a1", 1, 2), cand("a2", 2, 8)}, "a2"},
		{"equal ratio falls back to id", []Candidate{cand("a1", 1, 2), cand("a2", 2, 4)}, "a1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (LeastUtilized{}).Pick(task, tt.cands).Agent.ID; got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRoundRobin(t *testing.T) {
	rr := &RoundRobin{}
	cands := []Candidate{cand("a1", 0, 1), cand("a2", 0, 1), cand("a3", 0, 1)}
	var got []string
	for range 4 {
		got = append(got, rr.Pick(&model.Task{}, cands).Agent.ID)
	}
	want := []string{"a1", "a2", "a3", "a1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sequence %v, got %v", want, got)
		}
	}

	// The walk resumes after the last pick even when the set changes.
	if id := rr.Pick(&model.Task{}, []Candidate{cand("a1", 0, 1), cand("a3", 0, 1)}).Agent.ID; id != "a3" {
		t.Errorf("expected a3, got %s", id)
	}
}

func TestCapabilityScore(t *testing.T) {
	task := &model.Task{Requirements: model.Requirements{Capabilities: []string{"ocr"}}}
	cands := []Candidate{
		cand("a1", 0, 1, "ocr", "tts", "gpu"),
		cand("a2", 0, 1, "ocr"),
	}
	if id := (CapabilityScore{}).Pick(task, cands).Agent.ID; id != "a2" {
		t.Errorf("expected the tighter fit a2, got %s", id)
	}

	// Equal fit falls back to the task count, not the share of slots.
	cands = []Candidate{cand("a1", 2, 4, "ocr"), cand("a2", 3, 10, "ocr")}
	if id := (CapabilityScore{}).Pick(task, cands).Agent.ID; id != "a1" {
		t.Errorf("expected a1 holding fewer tasks, got %s", id)
	}
}

func TestRandomSeeded(t *testing.T) {
	cands := []Candidate{cand("a1", 0, 1), cand("a2", 0, 1), cand("a3", 0, 1)}
	seq := func() []string {
		r := NewRandom(42)
		var out []string
		for range 10 {
			out = append(out, r.Pick(&model.Task{}, cands).Agent.ID)
		}
		return out
	}
	a, b := seq(), seq()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed must give the same sequence: %v vs %v", a, b)
		}
	}
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{"", "least-loaded", "round-robin", "capability-score", "random", "least-utilized"} {
		p, err := PolicyByName(name, 1)
		if err != nil {
			t.Fatalf("%q: %v", name, err)
		}
		if name != "" && p.Name() != name {
			t.Errorf("expected %s, got %s", name, p.Name())
		}
	}
	if _, err := PolicyByName("fastest", 0); err == nil {
		t.Error("expected error for unknown policy")
	}
}
