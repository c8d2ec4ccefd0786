package statepath

import (
	"strconv"
	"strings"
)

// IndexRef is one resolved wildcard index in a property name. It is
// either an explicit integer or a reference to the active loop position
// at a 1-based depth (from an index-name segment such as "$2").
type IndexRef struct {
	// Explicit is the literal index. Valid when FromLoop is 0.
	Explicit int

	// FromLoop is the 1-based loop depth to read the index from,
	// or 0 when the index is explicit.
	FromLoop int
}

// Name is a resolved textual property name: the canonical interned
// pattern plus the indexes specified inline, if any.
//
// A name like "items.3.name" canonicalizes to pattern "items.*.name"
// with one explicit index. A name with no inline indexes resolves
// against the ambient loop position instead.
type Name struct {
	Info    *Info
	Indexes []IndexRef
}

// Explicit reports whether the name carries inline indexes for every
// wildcard position.
func (n Name) Explicit() bool {
	return len(n.Indexes) > 0
}

// ParseName resolves a textual property name to its canonical pattern.
// Numeric segments become wildcard segments with explicit indexes;
// index-name segments become wildcard segments whose index is read from
// the active loop position. Specifying indexes for only some wildcard
// positions is unsupported and returns ErrPartialIndex.
func ParseName(name string) (Name, error) {
	segments := strings.Split(name, ".")
	canonical := make([]string, len(segments))
	var indexes []IndexRef

	for i, seg := range segments {
		if idx, err := strconv.Atoi(seg); err == nil && !strings.HasPrefix(seg, "-") {
			canonical[i] = Wildcard
			indexes = append(indexes, IndexRef{Explicit: idx})
			continue
		}
		if depth, ok := IndexName(seg); ok {
			canonical[i] = Wildcard
			indexes = append(indexes, IndexRef{FromLoop: depth})
			continue
		}
		canonical[i] = seg
	}

	info, err := Resolve(strings.Join(canonical, "."))
	if err != nil {
		return Name{}, err
	}

	if len(indexes) > 0 && len(indexes) != info.WildcardCount {
		return Name{}, ErrPartialIndex.
			With("op", "parseName").
			With("name", name).
			With("specified", len(indexes)).
			With("wildcards", info.WildcardCount)
	}

	return Name{Info: info, Indexes: indexes}, nil
}
