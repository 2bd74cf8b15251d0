package changeset

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type xmlTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

type xmlNd struct {
	Ref string `xml:"ref,attr"`
}

type xmlMember struct {
	Type string `xml:"type,attr"`
	Ref  string `xml:"ref,attr"`
	Role string `xml:"role,attr"`
}

type xmlElement struct {
	XMLName xml.Name
	ID      string      `xml:"id,attr"`
	Version string      `xml:"version,attr"`
	Lat     string      `xml:"lat,attr"`
	Lon     string      `xml:"lon,attr"`
	Tags    []xmlTag    `xml:"tag"`
	Nds     []xmlNd     `xml:"nd"`
	Members []xmlMember `xml:"member"`
}

// Change is one entry of an osmChange document, in document order.
type Change struct {
	Action  Action
	Element *Element
}

// ChangeDocument is a parsed osmChange document.
type ChangeDocument struct {
	Changes []Change
	// IfUnused is set when a delete block carries if-unused.
	IfUnused bool
}

// LoadFile loads one osmChange document from disk.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open changeset %s: %w", path, err)
	}
	defer f.Close()
	return s.Load(f, path)
}

// Load parses one osmChange document and merges it into the store. The
// document is parsed completely before merging, so a failed load leaves the
// store untouched.
func (s *Store) Load(r io.Reader, source string) error {
	doc, err := ParseChangeDocument(r)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range doc.Changes {
		s.merge(c.Action, c.Element)
	}
	if doc.IfUnused {
		s.deleteIfUnused = true
	}
	slog.Debug("changeset load", "source", source, "changes", len(doc.Changes), "total", len(s.index))
	return nil
}

// ParseChangeDocument decodes an osmChange document without merging it.
func ParseChangeDocument(r io.Reader) (*ChangeDocument, error) {
	dec := xml.NewDecoder(r)
	var (
		doc      ChangeDocument
		sawRoot  bool
		action   Action
		inAction bool
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			switch {
			case !sawRoot:
				if name != "osmChange" {
					return nil, fmt.Errorf("%w: root element %q, want osmChange", ErrSchema, name)
				}
				sawRoot = true
			case !inAction:
				if _, err := ParseElementType(name); err == nil {
					return nil, fmt.Errorf("%w: %s outside an action block", ErrSchema, name)
				}
				a, err := ParseAction(name)
				if err != nil {
					// bounds and other decorations are not changes
					if err := dec.Skip(); err != nil {
						return nil, fmt.Errorf("%w: %v", ErrParse, err)
					}
					continue
				}
				action = a
				inAction = true
				if a == Delete && attr(t, "if-unused") != "" {
					doc.IfUnused = true
				}
			default:
				var xe xmlElement
				if err := dec.DecodeElement(&xe, &t); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrParse, err)
				}
				elem, err := xe.toElement()
				if err != nil {
					return nil, err
				}
				doc.Changes = append(doc.Changes, Change{Action: action, Element: elem})
			}
		case xml.EndElement:
			if inAction {
				if _, err := ParseAction(t.Name.Local); err == nil {
					inAction = false
				}
			}
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("%w: empty document", ErrParse)
	}
	return &doc, nil
}

// ParseElements decodes every node, way and relation found in an osm
// document, such as the response of an element GET.
func ParseElements(r io.Reader) ([]*Element, error) {
	dec := xml.NewDecoder(r)
	var elems []*Element
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return elems, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if _, err := ParseElementType(start.Name.Local); err != nil {
			continue
		}
		var xe xmlElement
		if err := dec.DecodeElement(&xe, &start); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		elem, err := xe.toElement()
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
	}
}

func (xe *xmlElement) toElement() (*Element, error) {
	t, err := ParseElementType(xe.XMLName.Local)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if strings.TrimSpace(xe.ID) == "" {
		return nil, fmt.Errorf("%w: %s without id", ErrSchema, t)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(xe.ID), 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: %s has invalid id %q", ErrSchema, t, xe.ID)
	}

	e := &Element{Type: t, ID: id, Lat: xe.Lat, Lon: xe.Lon}
	if xe.Version != "" {
		v, err := strconv.ParseInt(xe.Version, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %d has invalid version %q", ErrSchema, t, id, xe.Version)
		}
		e.Version = v
	}
	for _, tag := range xe.Tags {
		e.Tags = append(e.Tags, Tag{Key: tag.K, Value: tag.V})
	}
	if t == Way {
		for _, nd := range xe.Nds {
			ref, err := strconv.ParseInt(nd.Ref, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: way %d has invalid node ref %q", ErrSchema, id, nd.Ref)
			}
			e.Nodes = append(e.Nodes, ref)
		}
	}
	if t == Relation {
		for _, m := range xe.Members {
			mt, err := ParseElementType(m.Type)
			if err != nil {
				return nil, fmt.Errorf("%w: relation %d: %v", ErrSchema, id, err)
			}
			ref, err := strconv.ParseInt(m.Ref, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: relation %d has invalid member ref %q", ErrSchema, id, m.Ref)
			}
			e.Members = append(e.Members, Member{Type: mt, Ref: ref, Role: m.Role})
		}
	}
	return e, nil
}

func attr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
