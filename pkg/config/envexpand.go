package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables referenced as {{.VAR}} in
// raw YAML content. Go template syntax is used instead of $VAR so that
// literal dollar signs survive untouched, e.g. in webhook auth tokens
// or category regex overrides.
//
// Examples:
//   - {{.OPENAI_API_KEY}} → value of OPENAI_API_KEY
//   - {{.REDIS_HOST}}:{{.REDIS_PORT}} → host:port with both expanded
//   - "p@ss$word" → preserved literally ($ not touched)
//
// Unset variables expand to the empty string; required values are
// enforced later by validation. Malformed template syntax returns the
// input unchanged so the YAML parser can report the real problem.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("sotto").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		// Split on the first = only; values may contain = themselves.
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, env); err != nil {
		return data
	}
	return out.Bytes()
}
