// Copyright 2025 The Acteon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/pkg/errors"
)

// Definitions is the YAML shape for declarative workflow configuration:
// chain DAGs, state machines and quota policies, in one file or spread
// over a directory.
type Definitions struct {
	Chains        []ChainConfig `yaml:"chains,omitempty"`
	StateMachines []SMConfig    `yaml:"state_machines,omitempty"`
	Quotas        []QuotaPolicy `yaml:"quotas,omitempty"`
}

// LoadDefinitions parses one definitions file.
func LoadDefinitions(path string) (*Definitions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading definitions %s", path)
	}
	var defs Definitions
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, &errors.ConfigError{Key: path, Reason: err.Error()}
	}
	if err := defs.Validate(); err != nil {
		return nil, errors.Wrapf(err, "definitions %s", path)
	}
	return &defs, nil
}

// LoadDefinitionsDir merges every .yaml/.yml file in dir, non-recursive.
// Files load in name order; duplicate names across files are rejected.
func LoadDefinitionsDir(dir string) (*Definitions, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading definitions directory %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	merged := &Definitions{}
	for _, name := range names {
		defs, err := LoadDefinitions(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		merged.Chains = append(merged.Chains, defs.Chains...)
		merged.StateMachines = append(merged.StateMachines, defs.StateMachines...)
		merged.Quotas = append(merged.Quotas, defs.Quotas...)
	}
	if err := merged.Validate(); err != nil {
		return nil, errors.Wrapf(err, "definitions directory %s", dir)
	}
	return merged, nil
}

// Validate checks every definition and rejects duplicate names.
func (d *Definitions) Validate() error {
	chainNames := make(map[string]bool, len(d.Chains))
	for i := range d.Chains {
		if err := d.Chains[i].Validate(); err != nil {
			return err
		}
		if chainNames[d.Chains[i].Name] {
			return &errors.ConfigError{Key: "chains", Reason: "duplicate chain " + d.Chains[i].Name}
		}
		chainNames[d.Chains[i].Name] = true
	}
	smNames := make(map[string]bool, len(d.StateMachines))
	for i := range d.StateMachines {
		if err := d.StateMachines[i].Validate(); err != nil {
			return err
		}
		if smNames[d.StateMachines[i].Name] {
			return &errors.ConfigError{Key: "state_machines", Reason: "duplicate state machine " + d.StateMachines[i].Name}
		}
		smNames[d.StateMachines[i].Name] = true
	}
	quotaNames := make(map[string]bool, len(d.Quotas))
	for i := range d.Quotas {
		if err := d.Quotas[i].Validate(); err != nil {
			return err
		}
		if quotaNames[d.Quotas[i].Name] {
			return &errors.ConfigError{Key: "quotas", Reason: "duplicate quota " + d.Quotas[i].Name}
		}
		quotaNames[d.Quotas[i].Name] = true
	}
	return nil
}
