// Package statepath parses and interns structured, wildcard-capable
// property paths such as "items.*.name".
//
// Paths are dotted segment lists. The segment "*" is a wildcard standing
// for "any element of the nearest enclosing collection"; segments of the
// form "$1", "$2", ... are index-name shorthands referring to the n-th
// enclosing loop position. Resolved descriptors are interned for the
// lifetime of the process: two Resolve calls with the same pattern return
// the identical *Info, so equality checks are pointer comparisons.
package statepath

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vango-go/bindery/internal/errs"
)

// Wildcard is the segment denoting any element of the enclosing collection.
const Wildcard = "*"

// Errors reported by the resolver.
var (
	// ErrEmptyPattern is returned for an empty pattern or empty segment.
	ErrEmptyPattern = errs.New("B201", errs.CategoryUserData, "empty path pattern or segment")

	// ErrBadIndexName is returned for a malformed index-name segment
	// such as "$0" or "$x".
	ErrBadIndexName = errs.New("B205", errs.CategoryUserData, "malformed index-name segment")

	// ErrPartialIndex is returned when a property name specifies indexes
	// for some but not all wildcard positions. Partial specification is
	// unsupported and never guessed at.
	ErrPartialIndex = errs.New("B102", errs.CategoryInvariant, "partially indexed wildcard path")
)

// Info is the interned descriptor of one path pattern. All fields are
// effectively immutable after Resolve returns.
type Info struct {
	// Pattern is the canonical dotted pattern string.
	Pattern string

	// Segments are the pattern split on ".".
	Segments []string

	// WildcardCount is the number of "*" segments.
	WildcardCount int

	// WildcardParents holds, for each wildcard in left-to-right order,
	// the Info of the path up to and excluding that wildcard.
	WildcardParents []*Info

	// Parent is the Info of the pattern minus its last segment, or nil
	// for single-segment patterns.
	Parent *Info

	// Cumulative is the set of this pattern and all ancestor patterns,
	// used for fast "is X nested under Y" checks.
	Cumulative map[string]struct{}

	// LastWildcard is the Info of the longest prefix ending in a
	// wildcard segment (possibly this Info itself), or nil if the
	// pattern contains no wildcard.
	LastWildcard *Info

	id uint64
}

// ID returns the stable numeric identity of this pattern.
func (i *Info) ID() uint64 {
	return i.id
}

// IsNestedUnder reports whether this path is a structural descendant of
// (or equal to) the given pattern.
func (i *Info) IsNestedUnder(pattern string) bool {
	_, ok := i.Cumulative[pattern]
	return ok
}

var (
	internMu sync.Mutex
	interned = make(map[string]*Info)

	idCounter uint64
)

// nextID returns the next unique pattern ID.
func nextID() uint64 {
	return atomic.AddUint64(&idCounter, 1)
}

// Resolve parses a pattern and returns its interned descriptor.
// Equal patterns yield the identical *Info.
func Resolve(pattern string) (*Info, error) {
	internMu.Lock()
	defer internMu.Unlock()
	return resolveLocked(pattern)
}

// MustResolve is Resolve for patterns known valid at compile time.
// It panics on a malformed pattern.
func MustResolve(pattern string) *Info {
	info, err := Resolve(pattern)
	if err != nil {
		panic("statepath: " + err.Error())
	}
	return info
}

func resolveLocked(pattern string) (*Info, error) {
	if info, ok := interned[pattern]; ok {
		return info, nil
	}
	if pattern == "" {
		return nil, ErrEmptyPattern.With("op", "resolve")
	}

	segments := strings.Split(pattern, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, ErrEmptyPattern.With("op", "resolve").With("pattern", pattern)
		}
		if strings.HasPrefix(seg, "$") {
			if _, err := parseIndexName(seg); err != nil {
				return nil, err.With("pattern", pattern)
			}
		}
	}

	info := &Info{
		Pattern:  pattern,
		Segments: segments,
		id:       nextID(),
	}

	if len(segments) > 1 {
		parent, err := resolveLocked(strings.Join(segments[:len(segments)-1], "."))
		if err != nil {
			return nil, err
		}
		info.Parent = parent
	}

	info.Cumulative = make(map[string]struct{}, len(segments))
	if info.Parent != nil {
		for p := range info.Parent.Cumulative {
			info.Cumulative[p] = struct{}{}
		}
	}
	info.Cumulative[pattern] = struct{}{}

	for k, seg := range segments {
		if seg != Wildcard {
			continue
		}
		info.WildcardCount++
		if k == 0 {
			// A leading wildcard has no enclosing collection.
			return nil, ErrEmptyPattern.With("op", "resolve").With("pattern", pattern)
		}
		wp, err := resolveLocked(strings.Join(segments[:k], "."))
		if err != nil {
			return nil, err
		}
		info.WildcardParents = append(info.WildcardParents, wp)
	}

	switch {
	case segments[len(segments)-1] == Wildcard:
		info.LastWildcard = info
	case info.Parent != nil:
		info.LastWildcard = info.Parent.LastWildcard
	}

	interned[pattern] = info
	return info, nil
}

// parseIndexName parses "$n" into its 1-based loop depth.
func parseIndexName(seg string) (int, *errs.Error) {
	n, err := strconv.Atoi(seg[1:])
	if err != nil || n < 1 {
		return 0, ErrBadIndexName.With("segment", seg)
	}
	return n, nil
}

// IndexName reports whether seg is an index-name shorthand and, if so,
// the 1-based loop depth it refers to.
func IndexName(seg string) (depth int, ok bool) {
	if !strings.HasPrefix(seg, "$") {
		return 0, false
	}
	n, err := parseIndexName(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}
