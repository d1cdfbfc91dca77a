package discussion

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/troupe-memory/internal/registry"
)

// Persona describes one simulated participant.
type Persona struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Traits      map[string]string `yaml:"traits" json:"traits,omitempty"`
}

// Validate checks that the persona can own a memory store.
func (p Persona) Validate() error {
	if err := registry.ValidateName(p.Name); err != nil {
		return fmt.Errorf("persona: %w", err)
	}
	return nil
}

// Profile renders the persona as prompt text, traits sorted by key.
func (p Persona) Profile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	if len(p.Traits) > 0 {
		keys := make([]string, 0, len(p.Traits))
		for k := range p.Traits {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Traits:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, p.Traits[k])
		}
	}
	return b.String()
}

// Scenario is a discussion described in a YAML file.
type Scenario struct {
	Name         string    `yaml:"name"`
	Kind         Kind      `yaml:"kind"`
	Context      string    `yaml:"context"`
	Opening      string    `yaml:"opening"`
	Rounds       int       `yaml:"rounds"`
	Consolidate  bool      `yaml:"consolidate"`
	Participants []Persona `yaml:"participants"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Kind == "" {
		sc.Kind = Custom
	}
	if sc.Rounds <= 0 {
		sc.Rounds = 1
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks names, kind and participants.
func (sc *Scenario) Validate() error {
	if strings.TrimSpace(sc.Name) == "" {
		return fmt.Errorf("scenario: name is required")
	}
	if !validKinds[sc.Kind] {
		return fmt.Errorf("scenario: unknown kind %q", sc.Kind)
	}
	if len(sc.Participants) == 0 {
		return fmt.Errorf("scenario: at least one participant is required")
	}
	seen := make(map[string]bool, len(sc.Participants))
	for _, p := range sc.Participants {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("scenario: duplicate participant %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
