package workflow

import "strings"

// Source is one candidate in an ordered fallback chain.
type Source struct {
	Name  string
	Value *string
}

// FromString wraps a plain string as a Source.
func FromString(name, v string) Source {
	return Source{Name: name, Value: &v}
}

// Resolve returns the first non-blank value and the name of the source that
// supplied it.
func Resolve(sources ...Source) (value, from string, ok bool) {
	for _, s := range sources {
		if s.Value == nil {
			continue
		}
		if v := strings.TrimSpace(*s.Value); v != "" {
			return v, s.Name, true
		}
	}
	return "", "", false
}
