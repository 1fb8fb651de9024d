// Package wire builds and inspects raw XMPP stanzas as generic elements.
//
// The higher-level packages in this repository deal with stanzas whose payloads
// are server extensions with no schema worth generating types for. Element keeps
// the full structure (name, attributes, children, character data) so handlers can
// predicate-check relevance without a dedicated parser per payload.
package wire

import (
	"context"
	"encoding/xml"
	"sort"
	"strings"
)

// Element is one XML element of a stanza, including its subtree.
type Element struct {
	Name     string
	Attrs    map[string]string
	Children []Element
	Text     string
}

// Sender sends a single outbound element over the session transport.
// The session is the only implementation outside of tests; every other
// component writes to the connection exclusively through this interface.
type Sender interface {
	Send(ctx context.Context, el Element) error
}

// New builds an element. attrs may be nil.
func New(name string, attrs map[string]string, children ...Element) Element {
	return Element{Name: name, Attrs: attrs, Children: children}
}

// Text builds a text-only child element, e.g. <max>30</max>.
func Text(name, text string) Element {
	return Element{Name: name, Text: text}
}

// WithText returns a copy of el with character data set.
func (el Element) WithText(text string) Element {
	el.Text = text
	return el
}

// Is reports whether the element has the given local name.
func (el Element) Is(name string) bool {
	return el.Name == name
}

// Attr returns the value of the named attribute, or "".
func (el Element) Attr(name string) string {
	return el.Attrs[name]
}

// Matches reports whether the element has the given name and every attribute
// filter. An empty filter value matches any value as long as the attribute is
// present.
func (el Element) Matches(name string, filters map[string]string) bool {
	if el.Name != name {
		return false
	}
	for k, want := range filters {
		got, ok := el.Attrs[k]
		if !ok {
			return false
		}
		if want != "" && got != want {
			return false
		}
	}
	return true
}

// Child walks the given path of local names and returns the first match at
// each level. The second return is false if any step is absent.
func (el Element) Child(path ...string) (Element, bool) {
	cur := el
	for _, name := range path {
		found := false
		for i := range cur.Children {
			if cur.Children[i].Name == name {
				cur = cur.Children[i]
				found = true
				break
			}
		}
		if !found {
			return Element{}, false
		}
	}
	return cur, true
}

// ChildText returns the character data of the element at path, or "".
func (el Element) ChildText(path ...string) string {
	c, ok := el.Child(path...)
	if !ok {
		return ""
	}
	return c.Text
}

// HasChild reports whether a child with the given local name exists,
// optionally constrained to a namespace via the xmlns attribute.
func (el Element) HasChild(name, xmlns string) bool {
	for i := range el.Children {
		c := &el.Children[i]
		if c.Name != name {
			continue
		}
		if xmlns == "" || c.Attrs["xmlns"] == xmlns {
			return true
		}
	}
	return false
}

// MarshalXML implements xml.Marshaler. Attributes are written in sorted key
// order so encoded output is stable.
func (el Element) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: el.Name}}
	keys := make([]string, 0, len(el.Attrs))
	for k := range el.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		start.Attr = append(start.Attr, xml.Attr{Name: attrName(k), Value: el.Attrs[k]})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if el.Text != "" {
		if err := e.EncodeToken(xml.CharData(el.Text)); err != nil {
			return err
		}
	}
	for _, c := range el.Children {
		if err := c.MarshalXML(e, xml.StartElement{}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML implements xml.Unmarshaler. Only structural correctness is
// required; unknown shapes decode into a plain element tree and it is up to
// the handlers to decide whether they are relevant.
func (el *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	el.Name = start.Name.Local
	el.Attrs = nil
	el.Children = nil
	el.Text = ""
	for _, a := range start.Attr {
		if el.Attrs == nil {
			el.Attrs = make(map[string]string, len(start.Attr))
		}
		el.Attrs[flatName(a.Name)] = a.Value
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var child Element
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			el.Text += strings.TrimSpace(string(t))
		case xml.EndElement:
			return nil
		}
	}
}

func attrName(k string) xml.Name {
	// xmlns is special-cased by encoding/xml when given a namespace.
	return xml.Name{Local: k}
}

func flatName(n xml.Name) string {
	if n.Space == "xmlns" {
		return "xmlns:" + n.Local
	}
	if n.Local == "xmlns" || n.Space == "" {
		return n.Local
	}
	return n.Local
}

// Marshal renders the element as a standalone XML fragment.
func Marshal(el Element) ([]byte, error) {
	return xml.Marshal(el)
}

// Unmarshal parses a standalone XML fragment into an element tree.
func Unmarshal(data []byte) (Element, error) {
	var el Element
	if err := xml.Unmarshal(data, &el); err != nil {
		return Element{}, err
	}
	return el, nil
}
