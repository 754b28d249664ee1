package fhir

import (
	"strings"

	"github.com/google/uuid"
)

// Ref is a canonical (type, id) pair. Type may be empty when the reference
// text does not carry one (bare id or urn:uuid form).
type Ref struct {
	Type string
	ID   string
}

func (r Ref) String() string {
	if r.Type == "" {
		return r.ID
	}
	return r.Type + "/" + r.ID
}

// ParseReference canonicalizes a reference string. Accepted forms:
//
//	Patient/123
//	Patient/123/_history/2
//	http://server/fhir/Patient/123[/_history/2]
//	urn:uuid:0d4f...        (type left empty)
//	123                     (type left empty)
//
// Contained ("#x") and other non-resolvable references return ok=false.
func ParseReference(ref string) (Ref, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return Ref{}, false
	}

	if strings.HasPrefix(ref, "urn:uuid:") {
		id := strings.TrimPrefix(ref, "urn:uuid:")
		if _, err := uuid.Parse(id); err != nil {
			return Ref{}, false
		}
		return Ref{ID: id}, true
	}
	if strings.HasPrefix(ref, "urn:") {
		return Ref{}, false
	}

	if i := strings.Index(ref, "?"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		parts = parts[:len(parts)-2]
	}

	switch {
	case len(parts) == 1:
		if !IsValidID(parts[0]) {
			return Ref{}, false
		}
		return Ref{ID: parts[0]}, true
	case len(parts) >= 2:
		typ, id := parts[len(parts)-2], parts[len(parts)-1]
		if !IsResourceTypeName(typ) || !IsValidID(id) {
			return Ref{}, false
		}
		return Ref{Type: typ, ID: id}, true
	}
	return Ref{}, false
}

// IsResourceTypeName reports whether s looks like a FHIR resource type name.
func IsResourceTypeName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// IsValidID checks a logical id against the FHIR id grammar [A-Za-z0-9-.]{1,64}.
func IsValidID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}
