package schema

import (
	"path"
	"strings"
)

// ValidateWorkspaceID ensures a workspace id matches [A-Za-z0-9._-].
func ValidateWorkspaceID(id WorkspaceID) error {
	raw := string(id)
	if raw == "" || len(raw) > 128 {
		return ErrInvalidWorkspace
	}
	if raw == "." || raw == ".." {
		return ErrInvalidWorkspace
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return ErrInvalidWorkspace
		}
	}
	return nil
}

// ValidateNodeName rejects names that cannot be a single path segment.
func ValidateNodeName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.TrimSpace(name) != name {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\x00\n\r") {
		return ErrInvalidName
	}
	return nil
}

// CleanNodePath normalizes a workspace path to a rooted, slash-separated form.
// It returns false for paths that escape the root or carry control characters.
func CleanNodePath(value string) (string, bool) {
	if strings.ContainsAny(value, "\x00\n\r") {
		return "", false
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", false
		}
	}
	cleaned := path.Clean("/" + trimmed)
	if cleaned == "/" {
		return "", false
	}
	return cleaned, true
}

// LanguageForPath maps a file extension to a language using the table.
func LanguageForPath(p string, table map[string]string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return ""
	}
	return table[ext]
}
