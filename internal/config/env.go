package config

import "regexp"

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:default} references in data. An unset
// variable without a default expands to the empty string.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) []byte {
	return envRefPattern.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRefPattern.FindSubmatch(ref)
		if v, ok := lookup(string(m[1])); ok && v != "" {
			return []byte(v)
		}
		return m[2]
	})
}
