package auth

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Wildcard in a member list admits every user.
const Wildcard = "*"

// Policy decides who may join which conversation. Conversations not listed
// fall back to Default.
//
//	default: deny
//	conversations:
//	  general: ["*"]
//	  ops: [alice, bob]
type Policy struct {
	Default       string              `yaml:"default"`
	Conversations map[string][]string `yaml:"conversations"`
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes and checks a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	switch p.Default {
	case "":
		p.Default = "deny"
	case "allow", "deny":
	default:
		return nil, fmt.Errorf("default must be allow or deny, got %q", p.Default)
	}
	return &p, nil
}

// CanJoin implements membership.Authorizer.
func (p *Policy) CanJoin(_ context.Context, userID, conversationID string) (bool, error) {
	members, listed := p.Conversations[conversationID]
	if !listed {
		return p.Default == "allow", nil
	}
	for _, m := range members {
		if m == Wildcard || m == userID {
			return true, nil
		}
	}
	return false, nil
}
