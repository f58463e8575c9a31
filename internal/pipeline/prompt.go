package pipeline

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/metagraph-ai/metagraph/internal/llm"
)

// Prompt is one named template pair with its declared variables.
type Prompt struct {
	RequiredVars   []string `yaml:"required_vars"`
	SystemTemplate string   `yaml:"system_template"`
	UserTemplate   string   `yaml:"user_template"`
}

// PromptSet is a named collection of prompts loaded from one YAML file.
type PromptSet struct {
	prompts map[string]Prompt
}

// LoadPrompts reads a prompt YAML file mapping name to prompt.
func LoadPrompts(path string) (*PromptSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	prompts := make(map[string]Prompt)
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	return &PromptSet{prompts: prompts}, nil
}

var varPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}`)

// Render builds the message pair for a named prompt. Every required variable
// must be present; validation fails before any model call happens.
func (p *PromptSet) Render(name string, vars map[string]string) ([]llm.Message, error) {
	prompt, ok := p.prompts[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt %q", name)
	}

	var missing []string
	for _, v := range prompt.RequiredVars {
		if _, ok := vars[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("prompt %q missing variables %v", name, missing)
	}

	substitute := func(template string) string {
		return varPattern.ReplaceAllStringFunc(template, func(m string) string {
			key := varPattern.FindStringSubmatch(m)[1]
			if val, ok := vars[key]; ok {
				return val
			}
			return m
		})
	}

	var messages []llm.Message
	if prompt.SystemTemplate != "" {
		messages = append(messages, llm.Message{Role: "system", Content: substitute(prompt.SystemTemplate)})
	}
	messages = append(messages, llm.Message{Role: "user", Content: substitute(prompt.UserTemplate)})
	return messages, nil
}
