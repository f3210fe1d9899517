package evictor

import "strings"

// Identity names one persistent object across cache and store.
type Identity struct {
	Category string
	Name     string
}

func (id Identity) String() string {
	if id.Category == "" {
		return id.Name
	}
	return id.Category + "/" + id.Name
}

// ParseIdentity is inverse of Identity.String.
func ParseIdentity(s string) Identity {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return Identity{Name: s}
	}
	return Identity{Category: s[:i], Name: s[i+1:]}
}

// Mode is declared mode of dispatched operation.
type Mode int

const (
	ReadOnly Mode = iota
	Mutating
)

func (m Mode) String() string {
	if m == Mutating {
		return "mutating"
	}
	return "read-only"
}

// Current describes dispatched call.
type Current struct {
	ID        Identity
	Operation string
	Mode      Mode
}

// Servant is live application object. Servants of category are marshaled
// by category codec.
type Servant = interface{}
