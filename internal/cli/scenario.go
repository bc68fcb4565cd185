package cli

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a bench workload: how many documents to preload, how
// many workers to run, and the operation mix they drive.
type Scenario struct {
	// Collection receives the benchmark documents. It is dropped and
	// recreated before the run.
	Collection string `yaml:"collection"`

	// Documents is the number of documents preloaded before the run,
	// with identities 1..Documents.
	Documents int `yaml:"documents"`

	// Workers is the number of concurrent workers.
	Workers int `yaml:"workers"`

	// Duration bounds the measured run (e.g. "10s", "500ms").
	Duration Duration `yaml:"duration"`

	// Rate caps total operations per second across all workers.
	// Zero means unlimited.
	Rate int `yaml:"rate,omitempty"`

	// Reads and Writes weight the operation mix. A read queries one
	// document by identity; a write increments a counter field on it.
	Reads  int `yaml:"reads"`
	Writes int `yaml:"writes"`

	// Seed makes document access reproducible across runs.
	Seed int64 `yaml:"seed,omitempty"`

	// Zipf skews document access toward low identities, modelling the
	// hot-key distribution of real workloads.
	Zipf ZipfConfig `yaml:"zipf,omitempty"`
}

// ZipfConfig parameterizes the Zipf access distribution.
type ZipfConfig struct {
	// S is the skew exponent; must be greater than 1. Larger values
	// concentrate more accesses on fewer documents.
	S float64 `yaml:"s"`

	// V offsets the distribution; must be at least 1.
	V float64 `yaml:"v"`
}

// Duration wraps time.Duration so scenarios can write "10s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// LoadScenario reads and parses a scenario YAML file, applying defaults
// for omitted fields. Unknown fields are rejected to catch typos.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	scenario.applyDefaults()
	if err := scenario.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

func (s *Scenario) applyDefaults() {
	if s.Collection == "" {
		s.Collection = "bench"
	}
	if s.Documents == 0 {
		s.Documents = 1000
	}
	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.Duration == 0 {
		s.Duration = Duration(10 * time.Second)
	}
	if s.Reads == 0 && s.Writes == 0 {
		s.Reads, s.Writes = 80, 20
	}
	if s.Seed == 0 {
		s.Seed = 1
	}
	if s.Zipf.S == 0 {
		s.Zipf.S = 1.1
	}
	if s.Zipf.V == 0 {
		s.Zipf.V = 1
	}
}

func (s *Scenario) validate() error {
	if s.Documents < 1 {
		return fmt.Errorf("documents must be positive")
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}
	if s.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if s.Rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	if s.Reads < 0 || s.Writes < 0 {
		return fmt.Errorf("reads and writes must not be negative")
	}
	if s.Reads+s.Writes == 0 {
		return fmt.Errorf("at least one of reads or writes must be positive")
	}
	if s.Zipf.S <= 1 {
		return fmt.Errorf("zipf.s must be greater than 1")
	}
	if s.Zipf.V < 1 {
		return fmt.Errorf("zipf.v must be at least 1")
	}
	return nil
}
