package config

import (
	"strings"
)

// secretKeys are the settings masked by MaskSecrets and "config set".
var secretKeys = map[string]bool{
	"connection.token": true,
}

func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested settings into dot-separated keys, so
// {"adapter": {"platform_id": "web"}} becomes {"adapter.platform_id": "web"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(k, child, out)
			continue
		}
		out[k] = v
	}
}

// Unflatten is the inverse of Flatten. A scalar standing where a section is
// needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		section := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := section[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[part] = next
			}
			section = next
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with non-empty secrets shown as "***"
// followed by their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			v = "***" + s[max(0, len(s)-4):]
		}
		out[k] = v
	}
	return out
}
