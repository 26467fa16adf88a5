package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/polisai/polis-pii/pkg/pii"
	"gopkg.in/yaml.v3"
)

// DefaultPolicyName names the policy used when no policy file is configured.
const DefaultPolicyName = "default"

// Policy is the on-disk detection policy: a name plus the flat option map accepted
// by pii.ParseOptions.
//
//	name: strict
//	options:
//	  default_mask_strategy: hash
//	  enable_passport: true
//	  partial_suffix_credit_card: 4
type Policy struct {
	Name    string         `yaml:"name" json:"name"`
	Options map[string]any `yaml:"options" json:"options"`
}

// ParsePolicy decodes a policy document. YAML is tried first, then JSON.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if jsonErr := dec.Decode(&policy); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse policy: %v", err)
		}
	}

	if strings.TrimSpace(policy.Name) == "" {
		policy.Name = DefaultPolicyName
	}
	return &policy, nil
}

// LoadPolicy reads and parses a policy file. An empty path yields the default policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{Name: DefaultPolicyName}, nil
	}

	// #nosec G304 -- Policy path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	policy, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policy, nil
}

// PIIOptions converts the option map into engine options. A non-empty saltOverride
// replaces any hash_salt from the file.
func (p *Policy) PIIOptions(saltOverride string) (pii.Options, error) {
	opts, err := pii.ParseOptions(p.Options)
	if err != nil {
		return pii.Options{}, fmt.Errorf("policy %q: %w", p.Name, err)
	}
	if saltOverride != "" {
		opts.HashSalt = saltOverride
	}
	return opts, nil
}
