// Package tuning runs clip-ratio searches over named weight tensors and
// records the results so a quantization pass can be replayed or inspected
// later.
package tuning

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/crush/internal/quant"
	"github.com/samcharles93/crush/internal/tensor"
)

// Run records one clip search over one tensor: the configuration used, the
// ratio found and the reconstruction error achieved with it.
type Run struct {
	ID        string    `json:"id"`
	Tensor    string    `json:"tensor"`
	CreatedAt time.Time `json:"created_at"`

	Bits      int     `json:"bits"`
	GroupSize int     `json:"group_size"`
	Scheme    string  `json:"scheme"`
	DType     string  `json:"dtype"`
	FullRange bool    `json:"full_range,omitempty"`
	ClipRatio float32 `json:"clip_ratio"`
	MSE       float64 `json:"mse"`
}

// Tune searches the clip ratio for one tensor under cfg and measures the
// reconstruction error at the ratio found.
func Tune(name string, w *tensor.Mat, cfg quant.Config) (Run, error) {
	ratio, err := quant.SearchClip(w, cfg)
	if err != nil {
		return Run{}, fmt.Errorf("tune %s: %w", name, err)
	}
	eval := cfg
	eval.Quantile = ratio
	eval.ReturnInt = false
	eval.DoubleQuant = quant.DoubleQuantConfig{}
	st, err := quant.Quantize(w, eval)
	if err != nil {
		return Run{}, fmt.Errorf("tune %s: %w", name, err)
	}
	return Run{
		ID:        uuid.NewString(),
		Tensor:    name,
		CreatedAt: time.Now().UTC(),
		Bits:      cfg.Bits,
		GroupSize: cfg.GroupSize,
		Scheme:    cfg.Scheme.String(),
		DType:     cfg.DType.String(),
		FullRange: cfg.FullRange,
		ClipRatio: ratio,
		MSE:       tensor.MSE(w, &st.Weight),
	}, nil
}

// Store keeps tuning runs in memory and can persist them as a JSON file.
// Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	runs map[string]Run
}

func NewStore() *Store {
	return &Store{runs: make(map[string]Run)}
}

// Add records a run, assigning an ID when the caller left it empty.
func (s *Store) Add(r Run) Run {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.runs[r.ID] = r
	s.mu.Unlock()
	return r
}

func (s *Store) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

// List returns all runs ordered by creation time, then ID for runs created
// in the same instant.
func (s *Store) List() []Run {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Save writes all runs to path as a JSON array.
func (s *Store) Save(path string) error {
	data, err := json.MarshalIndent(s.List(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runs: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads runs saved by Save into the store, replacing entries with the
// same ID.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var runs []Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("parse runs: %w", err)
	}
	s.mu.Lock()
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	s.mu.Unlock()
	return nil
}
