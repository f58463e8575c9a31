package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var jsonFenceRe = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")

// ParseJSON decodes a model response into v. It accepts either a bare JSON
// document or one wrapped in a ```json fenced code block.
func ParseJSON(input string, v any) error {
	trimmed := strings.TrimSpace(input)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	match := jsonFenceRe.FindStringSubmatch(input)
	if match == nil {
		return fmt.Errorf("response is not valid JSON and has no json code block")
	}
	if err := json.Unmarshal([]byte(match[1]), v); err != nil {
		return fmt.Errorf("parse fenced json: %w", err)
	}
	return nil
}
