package osmapi

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/geopush/geopush/internal/changeset"
)

var (
	versionMismatchRe = regexp.MustCompile(`Version mismatch: Provided (\d+), server had: (\d+) of (Node|Way|Relation) (-?\d+)`)
	alreadyDeletedRe  = regexp.MustCompile(`The (node|way|relation) with the id (-?\d+) has already been deleted`)
	stillUsedRe       = regexp.MustCompile(`Precondition failed: (Node|Way|Relation) (-?\d+) is still used by (ways|relations) ([\d,]+)`)
	requiresRe        = regexp.MustCompile(`(Way|Relation) (-?\d+) requires the (nodes|ways|relations) with id in \(?([\d,-]+)\)?`)
	elementNotFoundRe = regexp.MustCompile(`(?i)(node|way|relation) (-?\d+) not found`)
)

// Conflict is what could be learned about the offending element from an
// error body. ID is the id as it was sent, so it may already be remapped.
type Conflict struct {
	ID changeset.ElementID
	// ServerVersion is set for version conflicts.
	ServerVersion int64
	// Related lists referrers for "still used by" and missing ids for
	// "requires".
	Related []changeset.ElementID
}

// ParseConflict extracts the offending element for a failure class. It
// reports false when the body does not name one.
func ParseConflict(class changeset.FailureClass, body string) (Conflict, bool) {
	switch class {
	case changeset.ClassVersionConflict:
		return ParseVersionConflict(body)
	case changeset.ClassElementGone:
		return ParseGone(body)
	case changeset.ClassPrecondition:
		return ParsePrecondition(body)
	}
	return Conflict{}, false
}

// ParseVersionConflict reads "Version mismatch: Provided 1, server had: 2 of Node 5".
func ParseVersionConflict(body string) (Conflict, bool) {
	m := versionMismatchRe.FindStringSubmatch(body)
	if m == nil {
		return Conflict{}, false
	}
	id, ok := elementID(m[3], m[4])
	if !ok {
		return Conflict{}, false
	}
	server, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Conflict{}, false
	}
	return Conflict{ID: id, ServerVersion: server}, true
}

// ParseGone reads "The node with the id 5 has already been deleted" and the
// "not found" variant.
func ParseGone(body string) (Conflict, bool) {
	m := alreadyDeletedRe.FindStringSubmatch(body)
	if m == nil {
		m = elementNotFoundRe.FindStringSubmatch(body)
	}
	if m == nil {
		return Conflict{}, false
	}
	id, ok := elementID(m[1], m[2])
	return Conflict{ID: id}, ok
}

// ParsePrecondition reads both the "is still used by" and the "requires the
// ... with id in" forms.
func ParsePrecondition(body string) (Conflict, bool) {
	if m := stillUsedRe.FindStringSubmatch(body); m != nil {
		id, ok := elementID(m[1], m[2])
		if !ok {
			return Conflict{}, false
		}
		return Conflict{ID: id, Related: idList(strings.TrimSuffix(m[3], "s"), m[4])}, true
	}
	if m := requiresRe.FindStringSubmatch(body); m != nil {
		id, ok := elementID(m[1], m[2])
		if !ok {
			return Conflict{}, false
		}
		return Conflict{ID: id, Related: idList(strings.TrimSuffix(m[3], "s"), m[4])}, true
	}
	return Conflict{}, false
}

func elementID(kind, raw string) (changeset.ElementID, bool) {
	t, err := changeset.ParseElementType(kind)
	if err != nil {
		return changeset.ElementID{}, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return changeset.ElementID{}, false
	}
	return changeset.NewID(t, id), true
}

func idList(kind, raw string) []changeset.ElementID {
	var ids []changeset.ElementID
	for _, part := range strings.Split(raw, ",") {
		if id, ok := elementID(kind, strings.TrimSpace(part)); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
