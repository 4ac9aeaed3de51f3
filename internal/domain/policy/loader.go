package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type matrixFile struct {
	Edges []struct {
		From  string   `yaml:"from"`
		To    string   `yaml:"to"`
		Roles []string `yaml:"roles"`
	} `yaml:"edges"`
}

// LoadFile reads a YAML role matrix and applies it over the defaults.
// Edges not mentioned in the file keep their default roles.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse applies a YAML role matrix over the defaults, e.g.
//
//	edges:
//	  - from: in-lab
//	    to: complete
//	    roles: [lab-tech]
//
// An empty roles list makes the edge admin only.
func Parse(data []byte) (*Policy, error) {
	var mf matrixFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	p := Default()
	seen := make(map[Edge]bool)
	for i, e := range mf.Edges {
		from, ok := ParseStage(e.From)
		if !ok {
			return nil, fmt.Errorf("edge %d: unknown stage %q", i, e.From)
		}
		to, ok := ParseStage(e.To)
		if !ok {
			return nil, fmt.Errorf("edge %d: unknown stage %q", i, e.To)
		}
		edge := Edge{From: from, To: to}
		if !p.IsValidTransition(from, to) {
			return nil, fmt.Errorf("edge %d: %s is not part of the stage sequence", i, edge)
		}
		if seen[edge] {
			return nil, fmt.Errorf("edge %d: %s listed twice", i, edge)
		}
		seen[edge] = true

		roles := make([]Role, 0, len(e.Roles))
		for _, raw := range e.Roles {
			role := NormalizeRole(raw)
			if role == RoleNone {
				return nil, fmt.Errorf("edge %d: unknown role %q", i, raw)
			}
			if role == RoleAdmin {
				continue
			}
			roles = append(roles, role)
		}
		p.rules[edge] = roles
	}
	return p, nil
}
