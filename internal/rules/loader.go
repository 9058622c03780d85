package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads a rule set from a YAML file. Missing file is not an error:
// the default rule set is written there first, then returned.
func Load(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		defaults := DefaultRules()
		if werr := Save(path, defaults); werr != nil {
			return nil, fmt.Errorf("cannot write default rules: %w", werr)
		}
		return defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read rules file %s: %w", path, err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("cannot parse rules file %s: %w", path, err)
	}
	return rf.Rules, nil
}

// Save writes a rule set as YAML.
func Save(path string, rs []Rule) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create rules directory: %w", err)
	}
	data, err := yaml.Marshal(ruleFile{Rules: rs})
	if err != nil {
		return fmt.Errorf("cannot marshal rules: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultRules returns the built-in rule set written on first run.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "greeting",
			Patterns:  []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"},
			MatchType: MatchContains,
			Responses: []string{
				"Hello! How's it going?",
				"Hi there! What's up?",
				"Hey! Good to hear from you.",
			},
			Priority: 50,
			Enabled:  true,
		},
		{
			Name:      "help",
			Patterns:  []string{"help", "support", "assist"},
			MatchType: MatchContains,
			Responses: []string{
				"I'm here to help! What do you need?",
				"Sure, happy to help. What's your question?",
			},
			Priority: 60,
			Enabled:  true,
		},
		{
			Name:      "thanks",
			Patterns:  []string{"thank you", "thanks", "thx", "appreciate"},
			MatchType: MatchContains,
			Responses: []string{
				"You're welcome!",
				"Happy to help!",
				"No problem at all!",
			},
			Priority: 40,
			Enabled:  true,
		},
		{
			Name:      "goodbye",
			Patterns:  []string{"bye", "goodbye", "see you", "take care"},
			MatchType: MatchContains,
			Responses: []string{
				"Goodbye! Have a great day!",
				"Take care!",
				"See you later!",
			},
			Priority: 40,
			Enabled:  true,
		},
		{
			Name:      "status",
			Patterns:  []string{"how are you", "how's it going"},
			MatchType: MatchContains,
			Responses: []string{
				"Doing well, thanks for asking!",
				"All good on my end!",
			},
			Priority: 30,
			Enabled:  true,
		},
		{
			Name:      "yes",
			Patterns:  []string{"yes", "yeah", "yep", "sure", "ok", "okay"},
			MatchType: MatchExact,
			Responses: []string{"Got it!", "Understood!", "Alright!"},
			Priority:  20,
			Enabled:   true,
		},
		{
			Name:      "no",
			Patterns:  []string{"no", "nope", "nah"},
			MatchType: MatchExact,
			Responses: []string{"Okay, no problem.", "Understood.", "Got it."},
			Priority:  20,
			Enabled:   true,
		},
		{
			Name:      "question",
			Patterns:  []string{`\?\s*$`},
			MatchType: MatchRegex,
			Responses: []string{
				"Good question! Let me get back to you on that.",
				"Let me think about that and get back to you.",
			},
			Priority: 10,
			Enabled:  true,
		},
	}
}
