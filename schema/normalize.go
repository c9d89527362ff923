package schema

import (
	"strings"
	"unicode"
)

const maxIdentifierLength = 128

// ValidateSessionKey ensures both key components match [A-Za-z0-9._-] with no normalization.
func ValidateSessionKey(key SessionKey) error {
	if err := validateIdentifier(string(key.WorkspaceID)); err != nil {
		return err
	}
	return validateIdentifier(string(key.TerminalID))
}

// ParseSessionKey parses the workspace::terminal form produced by SessionKey.String.
func ParseSessionKey(value string) (SessionKey, error) {
	workspace, terminal, ok := strings.Cut(strings.TrimSpace(value), "::")
	if !ok {
		return SessionKey{}, ErrInvalidSession
	}
	return NewSessionKey(workspace, terminal)
}

func validateIdentifier(raw string) error {
	if raw == "" || len(raw) > maxIdentifierLength {
		return ErrInvalidSession
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidSession
	}
	for _, r := range raw {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		return ErrInvalidSession
	}
	return nil
}

// NormalizeMouseEncoding maps an empty or unknown encoding to the x10 default.
func NormalizeMouseEncoding(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "sgr":
		return "sgr"
	case "urxvt":
		return "urxvt"
	case "utf8":
		return "utf8"
	default:
		return DefaultMouseEncoding
	}
}
