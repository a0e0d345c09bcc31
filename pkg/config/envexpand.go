package config

import "os"

// ExpandEnv replaces ${VAR} and $VAR references in YAML content with
// environment values before parsing. Missing variables expand to the
// empty string so validation reports the field instead of the parser
// tripping over half-expanded syntax. A literal dollar sign is written
// as $$.
//
// Secrets themselves should stay out of config files: fields like
// llm.api_key_env name the variable and the process reads it at use
// time. Expansion exists for endpoints, hosts, and DSNs that differ
// between environments.
func ExpandEnv(data []byte) []byte {
	expanded := os.Expand(string(data), func(key string) string {
		if key == "$" {
			return "$"
		}
		return os.Getenv(key)
	})
	return []byte(expanded)
}
