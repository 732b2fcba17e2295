// Package loader reads subtask graphs and worker registries from YAML or
// JSON files, and hot-reloads worker files into a router registry.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Graph is a parsed graph file.
type Graph struct {
	Name     string
	Subtasks []*models.Subtask
	// Criteria apply to every subtask and take precedence over subtask criteria
	// for the same metric.
	Criteria []models.Criterion
}

type graphFile struct {
	Name     string             `yaml:"name" json:"name"`
	Criteria []models.Criterion `yaml:"criteria" json:"criteria"`
	Subtasks []subtaskSpec      `yaml:"subtasks" json:"subtasks"`
}

type subtaskSpec struct {
	ID          string             `yaml:"id" json:"id"`
	Description string             `yaml:"description" json:"description"`
	Tags        []string           `yaml:"tags" json:"tags"`
	Inputs      []string           `yaml:"inputs" json:"inputs"`
	Outputs     []string           `yaml:"outputs" json:"outputs"`
	DependsOn   []dependencySpec   `yaml:"depends_on" json:"depends_on"`
	Sync        string             `yaml:"sync" json:"sync"`
	Priority    string             `yaml:"priority" json:"priority"`
	Tier        *int               `yaml:"tier" json:"tier"`
	Criteria    []models.Criterion `yaml:"criteria" json:"criteria"`
	Timeout     duration           `yaml:"timeout" json:"timeout"`
	Optional    bool               `yaml:"optional" json:"optional"`
}

// dependencySpec accepts either a bare id or {id, sync}.
type dependencySpec struct {
	ID   string `yaml:"id" json:"id"`
	Sync string `yaml:"sync" json:"sync"`
}

func (d *dependencySpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&d.ID)
	}
	type plain dependencySpec
	return node.Decode((*plain)(d))
}

func (d *dependencySpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &d.ID)
	}
	type plain dependencySpec
	return json.Unmarshal(data, (*plain)(d))
}

// duration accepts Go duration strings ("90s", "5m") or integer seconds.
type duration time.Duration

func parseDuration(s string) (duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return duration(d), nil
}

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if node.Tag == "!!int" {
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *duration) UnmarshalJSON(data []byte) error {
	var secs int64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// LoadGraph reads a graph file. The format follows the extension: .json is
// JSON, anything else YAML. Malformed content wraps models.ErrInvalidGraph.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph %s: %w", path, err)
	}
	g, err := ParseGraph(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", path, err)
	}
	if g.Name == "" {
		g.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return g, nil
}

// Format is a file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

func decode(data []byte, format Format, v any) error {
	if format == FormatJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

// ParseGraph decodes and checks a graph document. Structural checks such as
// unknown dependencies and cycles are left to graph.Build.
func ParseGraph(data []byte, format Format) (*Graph, error) {
	var f graphFile
	if err := decode(data, format, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidGraph, err)
	}
	if len(f.Subtasks) == 0 {
		return nil, fmt.Errorf("%w: no subtasks", models.ErrInvalidGraph)
	}

	g := &Graph{Name: f.Name, Criteria: f.Criteria}
	for i, c := range f.Criteria {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: run criteria[%d]: %v", models.ErrInvalidGraph, i, err)
		}
	}
	for _, spec := range f.Subtasks {
		st, err := spec.toSubtask()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidGraph, err)
		}
		g.Subtasks = append(g.Subtasks, st)
	}
	return g, nil
}

func (s subtaskSpec) toSubtask() (*models.Subtask, error) {
	st := &models.Subtask{
		ID:          s.ID,
		Description: s.Description,
		Tags:        s.Tags,
		Inputs:      s.Inputs,
		Outputs:     s.Outputs,
		Criteria:    s.Criteria,
		Timeout:     time.Duration(s.Timeout),
		Optional:    s.Optional,
		Status:      models.StatusPending,
	}

	if s.Sync != "" {
		st.Sync = models.SyncMode(strings.ToLower(s.Sync))
		if !st.Sync.Valid() {
			return nil, fmt.Errorf("subtask %s: unknown sync mode %q", s.ID, s.Sync)
		}
	}
	if s.Priority != "" {
		st.Priority = models.Priority(strings.ToLower(s.Priority))
		if !st.Priority.Valid() {
			return nil, fmt.Errorf("subtask %s: unknown priority %q", s.ID, s.Priority)
		}
	}
	if s.Tier != nil {
		t := models.Tier(*s.Tier)
		if !t.Valid() {
			return nil, fmt.Errorf("subtask %s: tier %d out of range 0-%d", s.ID, *s.Tier, models.MaxTier)
		}
		st.Tier = &t
	}
	if st.Timeout < 0 {
		return nil, fmt.Errorf("subtask %s: negative timeout", s.ID)
	}
	for _, d := range s.DependsOn {
		dep := models.Dependency{ID: d.ID}
		if d.Sync != "" {
			dep.Sync = models.SyncMode(strings.ToLower(d.Sync))
			if !dep.Sync.Valid() {
				return nil, fmt.Errorf("subtask %s: dependency %s: unknown sync mode %q", s.ID, d.ID, d.Sync)
			}
		}
		st.DependsOn = append(st.DependsOn, dep)
	}
	return st, nil
}
