package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "api_key_env: {{.SOTTO_KEY_NAME}}",
			env:   map[string]string{"SOTTO_KEY_NAME": "OPENAI_API_KEY"},
			want:  "api_key_env: OPENAI_API_KEY",
		},
		{
			name:  "literal ${VAR} is NOT expanded",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "literal $ survives",
			input: "token: abc$def",
			env:   map[string]string{},
			want:  "token: abc$def",
		},
		{
			name:  "multiple substitutions in one line",
			input: "addr: {{.HOST}}:{{.PORT}}",
			env: map[string]string{
				"HOST": "cache.internal",
				"PORT": "6379",
			},
			want: "addr: cache.internal:6379",
		},
		{
			name:  "missing variable expands to empty",
			input: "webhook: {{.SOTTO_MISSING_VAR}}",
			env:   map[string]string{},
			want:  "webhook: ",
		},
		{
			name:  "no substitution when no variables",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
		{
			name:  "variables in nested YAML structure",
			input: "redis:\n  addr: {{.R_HOST}}\n  db: {{.R_DB}}",
			env: map[string]string{
				"R_HOST": "localhost:6379",
				"R_DB":   "2",
			},
			want: "redis:\n  addr: localhost:6379\n  db: 2",
		},
		{
			name:  "special characters in expanded value",
			input: "url: {{.WEBHOOK}}",
			env:   map[string]string{"WEBHOOK": "https://h.example.com/x?sig=a$b!c"},
			want:  "url: https://h.example.com/x?sig=a$b!c",
		},
		{
			name:  "empty string variable",
			input: "value: {{.EMPTY}}",
			env:   map[string]string{"EMPTY": ""},
			want:  "value: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

func TestExpandEnvPreservesOriginalWhenNoVariables(t *testing.T) {
	input := `
# comment
session:
  mailbox_soft: 50
server:
  allowed_ws_origins:
    - "review.example.com"
`

	result := ExpandEnv([]byte(input))
	assert.Equal(t, input, string(result), "Content without variables should be unchanged")
}

// Malformed template syntax must pass through unchanged rather than
// erroring, so the YAML parser reports the real problem.
func TestExpandEnvMalformedTemplates(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "unclosed template",
			input: "api_key_env: {{.API_KEY",
		},
		{
			name:  "only opening braces",
			input: "api_key_env: {{",
		},
		{
			name:  "variable without leading dot",
			input: "api_key_env: {{API_KEY}}",
		},
		{
			name:  "undefined function",
			input: "api_key_env: {{.API_KEY | upper}}",
		},
		{
			name:  "empty template",
			input: "api_key_env: {{}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("API_KEY", "should-not-appear")

			result := ExpandEnv([]byte(tt.input))

			assert.Equal(t, tt.input, string(result), "malformed template should pass through unchanged")
			assert.NotContains(t, string(result), "should-not-appear")
		})
	}
}

func TestExpandEnvPassThroughToYAMLParser(t *testing.T) {
	// An unclosed template passes through; the YAML parser still accepts
	// it as a string literal when quoted.
	input := `
server:
  host: localhost
  port: 8080
note: "{{.UNCLOSED"
`
	expanded := ExpandEnv([]byte(input))

	var result map[string]any
	err := yaml.Unmarshal(expanded, &result)
	assert.NoError(t, err)
	assert.NotNil(t, result)
}
