package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai/jsonschema"

	apperrors "trace-landscape/backend/pkg/errors"
)

var validate = validator.New()

// Execute runs one structured call and decodes the reply into T.
//
// The JSON schema sent to the model is derived from T's json/description tags unless req already
// carries one. T must be a struct; its `validate` tags are checked after decoding.
func Execute[T any](ctx context.Context, gen Generator, req Request) (*T, error) {
	var out T

	if req.Schema == nil {
		schema, err := jsonschema.GenerateSchemaForType(out)
		if err != nil {
			return nil, apperrors.NewInvariantViolation("response schema", err.Error())
		}
		req.Schema = schema
	}

	completion, err := gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	raw := ExtractJSON(completion.Content)
	if raw == "" {
		return nil, apperrors.NewMalformedOutput(req.Name, fmt.Errorf("no JSON object in reply"))
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, apperrors.NewMalformedOutput(req.Name, err)
	}
	if err := validate.Struct(&out); err != nil {
		return nil, apperrors.NewMalformedOutput(req.Name, err)
	}
	return &out, nil
}

// ExtractJSON pulls the outermost JSON object out of a model reply, tolerating markdown fences
// and surrounding prose. It returns "" when the reply holds no object.
func ExtractJSON(content string) string {
	jsonStr := strings.TrimSpace(content)

	// Remove markdown code blocks if present
	if strings.HasPrefix(jsonStr, "```") {
		lines := strings.Split(jsonStr, "\n")
		var jsonLines []string
		inCodeBlock := false
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				inCodeBlock = !inCodeBlock
				continue
			}
			if inCodeBlock {
				jsonLines = append(jsonLines, line)
			}
		}
		jsonStr = strings.Join(jsonLines, "\n")
	}

	// Find JSON object boundaries
	start := strings.Index(jsonStr, "{")
	end := strings.LastIndex(jsonStr, "}")
	if start == -1 || end <= start {
		return ""
	}
	return jsonStr[start : end+1]
}

// MarshalPrompt renders v as indented JSON for inclusion in a user prompt
func MarshalPrompt(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
