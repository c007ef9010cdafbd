package tuning

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/samcharles93/crush/internal/quant"
	"github.com/samcharles93/crush/internal/tensor"
)

func TestTuneProducesRun(t *testing.T) {
	w := tensor.NewMat(4, 32)
	w.FillRand(31)
	run, err := Tune("model.fc1.weight", &w, quant.DefaultConfig())
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if run.ID == "" || run.Tensor != "model.fc1.weight" {
		t.Fatalf("bad run identity: %+v", run)
	}
	if run.ClipRatio <= 0.8 || run.ClipRatio > 1.0 {
		t.Fatalf("clip ratio %v out of range", run.ClipRatio)
	}
	if run.MSE < 0 {
		t.Fatalf("negative MSE %v", run.MSE)
	}
}

func TestStoreAddGetList(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	second := s.Add(Run{Tensor: "b", CreatedAt: base.Add(time.Minute)})
	first := s.Add(Run{Tensor: "a", CreatedAt: base})
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("IDs not assigned uniquely: %q %q", first.ID, second.ID)
	}
	got, ok := s.Get(first.ID)
	if !ok || got.Tensor != "a" {
		t.Fatalf("Get returned %+v, %v", got, ok)
	}
	runs := s.List()
	if len(runs) != 2 || runs[0].Tensor != "a" || runs[1].Tensor != "b" {
		t.Fatalf("List not ordered by creation time: %+v", runs)
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	s := NewStore()
	r := s.Add(Run{Tensor: "w", Bits: 4, ClipRatio: 0.95, MSE: 0.001})
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded := NewStore()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := loaded.Get(r.ID)
	if !ok {
		t.Fatalf("run %s missing after reload", r.ID)
	}
	if got.Tensor != "w" || got.Bits != 4 || got.ClipRatio != 0.95 {
		t.Fatalf("reloaded run %+v differs", got)
	}
}
