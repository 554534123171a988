package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// IntList accepts either a single integer or a list of integers.
type IntList []int

func (l *IntList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var v []int
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*l = v
		return nil
	}
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*l = IntList{v}
	return nil
}

// Attack is the desired state of the remote network-interrupt toggle for one
// parameter combination.
type Attack int

const (
	AttackUnchanged Attack = iota
	AttackDisabled
	AttackEnabled
)

func (a Attack) String() string {
	switch a {
	case AttackDisabled:
		return "off"
	case AttackEnabled:
		return "on"
	default:
		return "unchanged"
	}
}

// AttackList accepts a boolean or a list of booleans.
type AttackList []Attack

func (l *AttackList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var vals []bool
	if len(b) > 0 && b[0] == '[' {
		if err := json.Unmarshal(b, &vals); err != nil {
			return err
		}
	} else if string(b) != "null" {
		var v bool
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		vals = []bool{v}
	}
	out := make(AttackList, 0, len(vals))
	for _, v := range vals {
		out = append(out, AttackFromBool(v))
	}
	*l = out
	return nil
}

func AttackFromBool(v bool) Attack {
	if v {
		return AttackEnabled
	}
	return AttackDisabled
}

// BenchParameters is one validated benchmark sweep description.
type BenchParameters struct {
	Faults        int        `json:"faults"`
	Nodes         IntList    `json:"nodes"`
	Workers       int        `json:"workers"`
	Collocate     bool       `json:"collocate"`
	Rate          IntList    `json:"rate"`
	TxSize        int        `json:"tx_size"`
	Duration      int        `json:"duration"`
	Runs          int        `json:"runs"`
	TriggerAttack AttackList `json:"trigger_attack"`
}

// Validate checks the sweep invariants: every node count exceeds the fault
// count and counts, rates and sizes are positive.
func (b *BenchParameters) Validate() error {
	if b.Runs == 0 {
		b.Runs = 1
	}
	switch {
	case len(b.Nodes) == 0:
		return newError(ErrorCodeInvalidParameters, "nodes: at least one node count is required")
	case len(b.Rate) == 0:
		return newError(ErrorCodeInvalidParameters, "rate: at least one rate is required")
	case b.Faults < 0:
		return newError(ErrorCodeInvalidParameters, "faults: must be >= 0, got %d", b.Faults)
	case b.Workers < 1:
		return newError(ErrorCodeInvalidParameters, "workers: must be >= 1, got %d", b.Workers)
	case b.TxSize <= 0:
		return newError(ErrorCodeInvalidParameters, "tx_size: must be > 0, got %d", b.TxSize)
	case b.Duration <= 0:
		return newError(ErrorCodeInvalidParameters, "duration: must be > 0, got %d", b.Duration)
	case b.Runs < 1:
		return newError(ErrorCodeInvalidParameters, "runs: must be >= 1, got %d", b.Runs)
	}
	for _, n := range b.Nodes {
		if n <= 0 {
			return newError(ErrorCodeInvalidParameters, "nodes: must be > 0, got %d", n)
		}
		if n <= b.Faults {
			return newError(ErrorCodeInvalidParameters, "nodes: %d node(s) cannot tolerate %d fault(s)", n, b.Faults)
		}
	}
	for _, r := range b.Rate {
		if r <= 0 {
			return newError(ErrorCodeInvalidParameters, "rate: must be > 0, got %d", r)
		}
	}
	return nil
}

// MaxNodes is the largest node count of the sweep.
func (b BenchParameters) MaxNodes() int {
	if len(b.Nodes) == 0 {
		return 0
	}
	return slices.Max(b.Nodes)
}

// HostsNeeded is the size of the host pool needed for the whole sweep.
func (b BenchParameters) HostsNeeded() int {
	if b.Collocate {
		return b.MaxNodes()
	}
	return b.MaxNodes() * (1 + b.Workers)
}

// Attacks returns the attack toggles to sweep, never empty.
func (b BenchParameters) Attacks() []Attack {
	if len(b.TriggerAttack) == 0 {
		return []Attack{AttackUnchanged}
	}
	return b.TriggerAttack
}

// NodeParameters are the protocol parameters handed to every node through
// the parameters file.
type NodeParameters struct {
	HeaderSize     int `json:"header_size"`
	MaxHeaderDelay int `json:"max_header_delay"`
	GCDepth        int `json:"gc_depth"`
	SyncRetryDelay int `json:"sync_retry_delay"`
	SyncRetryNodes int `json:"sync_retry_nodes"`
	BatchSize      int `json:"batch_size"`
	MaxBatchDelay  int `json:"max_batch_delay"`
}

func (n NodeParameters) Validate() error {
	fields := []struct {
		name string
		v    int
	}{
		{"header_size", n.HeaderSize},
		{"max_header_delay", n.MaxHeaderDelay},
		{"gc_depth", n.GCDepth},
		{"sync_retry_delay", n.SyncRetryDelay},
		{"sync_retry_nodes", n.SyncRetryNodes},
		{"batch_size", n.BatchSize},
		{"max_batch_delay", n.MaxBatchDelay},
	}
	for _, f := range fields {
		if f.v <= 0 {
			return newError(ErrorCodeInvalidParameters, "%s: must be > 0, got %d", f.name, f.v)
		}
	}
	return nil
}

// Save writes the parameters file consumed by the node binary.
func (n NodeParameters) Save(path string) error {
	b, err := json.MarshalIndent(n, "", "    ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create parameters dir: %w", err)
		}
	}
	return os.WriteFile(path, b, 0o644)
}

// DefaultNodeParameters mirrors the values the benchmark scripts ship with.
func DefaultNodeParameters() NodeParameters {
	return NodeParameters{
		HeaderSize:     1000,
		MaxHeaderDelay: 200,
		GCDepth:        50,
		SyncRetryDelay: 10000,
		SyncRetryNodes: 3,
		BatchSize:      500000,
		MaxBatchDelay:  200,
	}
}

// DefaultBenchParameters is a single four-node collocated tuple.
func DefaultBenchParameters() BenchParameters {
	return BenchParameters{
		Faults:    0,
		Nodes:     IntList{4},
		Workers:   1,
		Collocate: true,
		Rate:      IntList{50000},
		TxSize:    512,
		Duration:  90,
		Runs:      1,
	}
}

// Parameters is the content of a parameter file.
type Parameters struct {
	Bench BenchParameters `json:"bench"`
	Node  NodeParameters  `json:"node"`
}

// LoadParameters reads a JSON or YAML parameter file, validates it against
// the parameter schema and the sweep invariants.
func LoadParameters(path string) (*Parameters, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(ErrorCodeInvalidParameters, "read parameter file: %v", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, newError(ErrorCodeInvalidParameters, "decode yaml parameters: %v", err)
		}
		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, newError(ErrorCodeInvalidParameters, "convert yaml parameters: %v", err)
		}
	}
	return ParseParameters(raw)
}

// ParseParameters validates and decodes a JSON parameter document.
func ParseParameters(raw []byte) (*Parameters, error) {
	if err := validateDocument("parameters.json", gojsonschema.NewBytesLoader(raw), ErrorCodeInvalidParameters, "parameters"); err != nil {
		return nil, err
	}
	var p Parameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newError(ErrorCodeInvalidParameters, "decode parameters: %v", err)
	}
	if err := p.Bench.Validate(); err != nil {
		return nil, err
	}
	if err := p.Node.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
