package loader

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Workers is a parsed workers file.
type Workers struct {
	Workers []models.Worker
	// FallbackTiers maps a capability tag to the tiers tried after the preference.
	FallbackTiers map[string][]models.Tier
}

type workersFile struct {
	FallbackTiers map[string][]int `yaml:"fallback_tiers" json:"fallback_tiers"`
	Workers       []workerSpec     `yaml:"workers" json:"workers"`
}

type workerSpec struct {
	ID            string   `yaml:"id" json:"id"`
	Tags          []string `yaml:"tags" json:"tags"`
	Tier          int      `yaml:"tier" json:"tier"`
	MaxConcurrent int      `yaml:"max_concurrent" json:"max_concurrent"`
	Priority      string   `yaml:"priority" json:"priority"`
	Command       string   `yaml:"command" json:"command"`
}

// LoadWorkers reads a workers file.
func LoadWorkers(path string) (*Workers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workers %s: %w", path, err)
	}
	w, err := ParseWorkers(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("load workers %s: %w", path, err)
	}
	return w, nil
}

// ParseWorkers decodes and checks a workers document.
func ParseWorkers(data []byte, format Format) (*Workers, error) {
	var f workersFile
	if err := decode(data, format, &f); err != nil {
		return nil, fmt.Errorf("decode workers: %w", err)
	}

	out := &Workers{FallbackTiers: make(map[string][]models.Tier, len(f.FallbackTiers))}
	seen := make(map[string]bool, len(f.Workers))
	for i, spec := range f.Workers {
		if spec.ID == "" {
			return nil, fmt.Errorf("worker at position %d has an empty id", i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate worker id %s", spec.ID)
		}
		seen[spec.ID] = true

		w := models.Worker{
			ID:            spec.ID,
			Tags:          spec.Tags,
			Tier:          models.Tier(spec.Tier),
			MaxConcurrent: spec.MaxConcurrent,
			Command:       spec.Command,
		}
		if !w.Tier.Valid() {
			return nil, fmt.Errorf("worker %s: tier %d out of range 0-%d", spec.ID, spec.Tier, models.MaxTier)
		}
		if w.MaxConcurrent == 0 {
			w.MaxConcurrent = 1
		}
		if w.MaxConcurrent < 0 {
			return nil, fmt.Errorf("worker %s: negative max_concurrent", spec.ID)
		}
		if spec.Priority != "" {
			w.Priority = models.Priority(strings.ToLower(spec.Priority))
			if !w.Priority.Valid() {
				return nil, fmt.Errorf("worker %s: unknown priority %q", spec.ID, spec.Priority)
			}
		}
		out.Workers = append(out.Workers, w)
	}

	for tag, raw := range f.FallbackTiers {
		tiers := make([]models.Tier, 0, len(raw))
		for _, n := range raw {
			t := models.Tier(n)
			if !t.Valid() {
				return nil, fmt.Errorf("fallback_tiers.%s: invalid tier %d", tag, n)
			}
			tiers = append(tiers, t)
		}
		out.FallbackTiers[tag] = tiers
	}
	return out, nil
}

// IDs returns the worker ids in file order.
func (w *Workers) IDs() []string {
	ids := make([]string, len(w.Workers))
	for i, wk := range w.Workers {
		ids[i] = wk.ID
	}
	return ids
}

// Register adds every worker to reg.
func (w *Workers) Register(reg *router.Registry) error {
	for _, wk := range w.Workers {
		if err := reg.Register(wk); err != nil {
			return err
		}
	}
	return nil
}

// Diff describes how a reloaded workers file differs from the registry.
type Diff struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Apply makes reg match w: new workers are registered, changed descriptors
// re-registered, and workers missing from w deregistered. Workers with
// assignments in flight keep their load across re-registration.
func (w *Workers) Apply(reg *router.Registry) (Diff, error) {
	var d Diff
	current := make(map[string]models.Worker)
	for _, wk := range reg.Workers() {
		current[wk.ID] = wk
	}

	for _, wk := range w.Workers {
		old, ok := current[wk.ID]
		delete(current, wk.ID)
		if ok && sameWorker(old, wk) {
			continue
		}
		if err := reg.Register(wk); err != nil {
			return d, err
		}
		if ok {
			d.Updated = append(d.Updated, wk.ID)
		} else {
			d.Added = append(d.Added, wk.ID)
		}
	}

	for id := range current {
		reg.Deregister(id)
		d.Removed = append(d.Removed, id)
	}
	sort.Strings(d.Removed)
	return d, nil
}

func sameWorker(a, b models.Worker) bool {
	if a.ID != b.ID || a.Tier != b.Tier || a.MaxConcurrent != b.MaxConcurrent ||
		a.Priority != b.Priority || a.Command != b.Command || len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}
