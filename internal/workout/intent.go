package workout

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Intent is the structured record extracted from a voice conversation.
type Intent struct {
	Activity        string  `json:"activity"`
	DurationMinutes float64 `json:"duration"`
	Difficulty      string  `json:"difficulty"`
}

// intentSchema mirrors the checks the agent's client tool performs before
// saving workout data.
const intentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["activity", "duration", "difficulty"],
	"properties": {
		"activity": {"type": "string", "pattern": "\\S"},
		"duration": {"type": "number", "exclusiveMinimum": 0},
		"difficulty": {"type": "string", "pattern": "\\S"}
	}
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(intentSchema))
	})
	return schema, schemaErr
}

// ValidationError reports why a workout payload was rejected.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid workout data"
	}
	return "invalid workout data: " + strings.Join(e.Problems, "; ")
}

// ParseIntent validates raw JSON against the intent schema and decodes it.
func ParseIntent(raw json.RawMessage) (Intent, error) {
	if len(raw) == 0 {
		return Intent{}, &ValidationError{Problems: []string{"missing data"}}
	}
	s, err := compiledSchema()
	if err != nil {
		return Intent{}, fmt.Errorf("compile intent schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Intent{}, &ValidationError{Problems: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return Intent{}, &ValidationError{Problems: problems}
	}

	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return Intent{}, &ValidationError{Problems: []string{err.Error()}}
	}
	in.Activity = strings.TrimSpace(in.Activity)
	in.Difficulty = strings.TrimSpace(in.Difficulty)
	return in, nil
}

// Validate runs the same checks as ParseIntent on an already built value.
func (in Intent) Validate() error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	_, err = ParseIntent(raw)
	return err
}
