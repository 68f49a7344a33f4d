package config

import "strings"

// keyToPath turns an environment variable name (after its prefix) into
// a dotted koanf path. The first underscore separates the section from
// the field, so later underscores stay inside the field name:
// CAW_STORE_PATH -> store.path, CAW_SERVER_READ_TIMEOUT ->
// server.read_timeout. When the name contains double underscores, only
// those separate nesting levels: CAW_SERVER__READ_TIMEOUT ->
// server.read_timeout.
func keyToPath(key, prefix string) string {
	trimmed := strings.ToLower(strings.TrimPrefix(key, prefix))
	if strings.Contains(trimmed, "__") {
		return strings.ReplaceAll(trimmed, "__", ".")
	}
	return strings.Replace(trimmed, "_", ".", 1)
}
