package changeset

import (
	"fmt"
	"strconv"
	"strings"
)

// ElementType is the kind of a map element.
type ElementType int

const (
	Node ElementType = iota
	Way
	Relation
)

var elementTypes = []ElementType{Node, Way, Relation}

func (t ElementType) String() string {
	switch t {
	case Node:
		return "node"
	case Way:
		return "way"
	case Relation:
		return "relation"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseElementType accepts the osmChange element names, case-insensitive.
func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(s) {
	case "node":
		return Node, nil
	case "way":
		return Way, nil
	case "relation":
		return Relation, nil
	}
	return 0, fmt.Errorf("unknown element type %q", s)
}

// Action is the pending change applied to an element.
type Action int

const (
	Create Action = iota
	Modify
	Delete
)

var actions = []Action{Create, Modify, Delete}

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction accepts the osmChange block names.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "create":
		return Create, nil
	case "modify":
		return Modify, nil
	case "delete":
		return Delete, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// ElementID identifies an element. Negative ids are provisional.
type ElementID struct {
	Type ElementType
	ID   int64
}

func NewID(t ElementType, id int64) ElementID {
	return ElementID{Type: t, ID: id}
}

func (e ElementID) String() string {
	return fmt.Sprintf("%s/%d", e.Type, e.ID)
}

// ParseElementID parses the "type/id" form produced by String.
func ParseElementID(s string) (ElementID, error) {
	kind, raw, ok := strings.Cut(s, "/")
	if !ok {
		return ElementID{}, fmt.Errorf("%w: element id %q", ErrSchema, s)
	}
	t, err := ParseElementType(kind)
	if err != nil {
		return ElementID{}, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return ElementID{}, fmt.Errorf("%w: element id %q", ErrSchema, s)
	}
	return ElementID{Type: t, ID: id}, nil
}

// IsProvisional reports whether the id was assigned by the client.
func (e ElementID) IsProvisional() bool {
	return e.ID < 0
}

// idLess orders provisional ids by ascending magnitude (-1, -2, ...) ahead of
// server ids in ascending order.
func idLess(a, b int64) bool {
	if (a < 0) != (b < 0) {
		return a < 0
	}
	if a < 0 {
		return a > b
	}
	return a < b
}

// Tag is a single key/value pair. Tag order is preserved from the input.
type Tag struct {
	Key   string
	Value string
}

// Member is a relation member reference.
type Member struct {
	Type ElementType
	Ref  int64
	Role string
}

func (m Member) ElementID() ElementID {
	return ElementID{Type: m.Type, ID: m.Ref}
}

// Element is the full payload of a node, way or relation.
type Element struct {
	Type    ElementType
	ID      int64
	Version int64
	// Lat/Lon are kept as loaded so output is byte-stable.
	Lat     string
	Lon     string
	Tags    []Tag
	Nodes   []int64
	Members []Member
}

func (e *Element) ElementID() ElementID {
	return ElementID{Type: e.Type, ID: e.ID}
}

// Refs returns the ids this element references, in order.
func (e *Element) Refs() []ElementID {
	switch e.Type {
	case Way:
		refs := make([]ElementID, 0, len(e.Nodes))
		for _, n := range e.Nodes {
			refs = append(refs, ElementID{Type: Node, ID: n})
		}
		return refs
	case Relation:
		refs := make([]ElementID, 0, len(e.Members))
		for _, m := range e.Members {
			refs = append(refs, m.ElementID())
		}
		return refs
	}
	return nil
}

// References reports whether the element references id.
func (e *Element) References(id ElementID) bool {
	switch e.Type {
	case Way:
		if id.Type != Node {
			return false
		}
		for _, n := range e.Nodes {
			if n == id.ID {
				return true
			}
		}
	case Relation:
		for _, m := range e.Members {
			if m.Type == id.Type && m.Ref == id.ID {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	c := *e
	if e.Tags != nil {
		c.Tags = append([]Tag(nil), e.Tags...)
	}
	if e.Nodes != nil {
		c.Nodes = append([]int64(nil), e.Nodes...)
	}
	if e.Members != nil {
		c.Members = append([]Member(nil), e.Members...)
	}
	return &c
}

// Tag returns the value for key and whether it was present.
func (e *Element) Tag(key string) (string, bool) {
	for _, t := range e.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}
