package state

import (
	"toolflow/internal/domain/session"
)

// AppKey scopes a key to the application (shared across all users).
func AppKey(name string) string { return session.KeyPrefixApp + name }

// UserKey scopes a key to the user (shared across the user's sessions).
func UserKey(name string) string { return session.KeyPrefixUser + name }

// TempKey scopes a key to the current turn; it is never persisted.
func TempKey(name string) string { return session.KeyPrefixTemp + name }

// GetString reads a string value, returning fallback when missing or mistyped.
func GetString(r Reader, key, fallback string) string {
	val, err := r.Get(key)
	if err != nil {
		return fallback
	}
	if s, ok := val.(string); ok {
		return s
	}
	return fallback
}

// GetInt reads an integer value. JSON-decoded numbers (float64) are accepted.
func GetInt(r Reader, key string, fallback int) int {
	val, err := r.Get(key)
	if err != nil {
		return fallback
	}
	switch n := val.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

// GetBool reads a boolean value, returning fallback when missing or mistyped.
func GetBool(r Reader, key string, fallback bool) bool {
	val, err := r.Get(key)
	if err != nil {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}
