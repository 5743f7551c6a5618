package link

import (
	"strings"

	"teststand/config"
)

var kindOrder = []string{config.RuleKindPath, config.RuleKindProbe, config.RuleKindDescription}

// Classifier assigns a role to a device from ordered signature rules. All
// path rules are tried before probe rules, and probe rules before
// description rules; within a kind the configured order wins.
type Classifier struct {
	rules []config.ClassifierRule
}

// NewClassifier builds a classifier. An empty rule list uses the defaults.
func NewClassifier(rules []config.ClassifierRule) *Classifier {
	if len(rules) == 0 {
		rules = config.DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the role for a device and its first probe line.
func (c *Classifier) Classify(dev Device, probe string) (string, bool) {
	subject := map[string]string{
		config.RuleKindPath:        strings.ToUpper(dev.Path),
		config.RuleKindProbe:       strings.ToUpper(probe),
		config.RuleKindDescription: strings.ToUpper(dev.Description),
	}
	for _, kind := range kindOrder {
		text := subject[kind]
		if text == "" {
			continue
		}
		for _, rule := range c.rules {
			if rule.Kind == kind && strings.Contains(text, strings.ToUpper(rule.Contains)) {
				return rule.Role, true
			}
		}
	}
	return "", false
}
