package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seoshield/proxy/pkg/types"
)

// botRulesDocument is the YAML shape of a bot rule registry file.
type botRulesDocument struct {
	Rules []types.ClassifierRule `yaml:"rules"`
}

// blocklistDocument is the YAML shape of a renderer blocklist file.
type blocklistDocument struct {
	Domains []string `yaml:"domains"`
	Paths   []string `yaml:"paths"`
}

// LoadBotRules parses a YAML bot rule registry. Returns nil when path is
// empty (the built-in registry applies).
func LoadBotRules(path string) ([]types.ClassifierRule, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bot rules file: %w", err)
	}

	var doc botRulesDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse bot rules file %s: %w", path, err)
	}

	for i, rule := range doc.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("bot rules file %s: rule %d has no id", path, i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("bot rules file %s: rule %q has no pattern", path, rule.ID)
		}
		if rule.Priority < 0 || rule.Priority > 100 {
			return nil, fmt.Errorf("bot rules file %s: rule %q priority %d out of range 0-100", path, rule.ID, rule.Priority)
		}
	}
	return doc.Rules, nil
}

// Blocklist holds extra render-time blocking configuration loaded from file.
type Blocklist struct {
	Domains []string
	Paths   []string
}

// LoadBlocklist parses a YAML blocklist file of additional blocked domains
// and path fragments. Returns an empty blocklist when path is empty.
func LoadBlocklist(path string) (*Blocklist, error) {
	if path == "" {
		return &Blocklist{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blocklist file: %w", err)
	}

	var doc blocklistDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse blocklist file %s: %w", path, err)
	}

	return &Blocklist{Domains: doc.Domains, Paths: doc.Paths}, nil
}
