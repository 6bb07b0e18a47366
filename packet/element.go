// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package packet

import (
	"encoding/xml"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/fmuc/internal/attr"
	"mellium.im/fmuc/internal/ns"
)

// Element is a generic XML element tree.
// Namespace declarations are not stored as attributes, the resolved namespace
// lives in XMLName.Space.
// Character data of an element with no children is kept verbatim when
// decoding. In mixed content all character data is joined into Text and
// dropped if it is only whitespace, so the indentation between children does
// not survive, nor does the position of text relative to the children.
type Element struct {
	XMLName xml.Name
	Attr    []xml.Attr
	Text    string
	Child   []Element
}

// NewElement returns an element with the provided name and children.
func NewElement(name xml.Name, child ...Element) Element {
	return Element{XMLName: name, Child: child}
}

// FromMarshaler decodes the tokens produced by m into an Element.
func FromMarshaler(m xmlstream.Marshaler) (Element, error) {
	return ReadElement(m.TokenReader())
}

// ReadElement decodes the first element read from r.
func ReadElement(r xml.TokenReader) (Element, error) {
	var e Element
	err := xml.NewTokenDecoder(r).Decode(&e)
	return e, err
}

// WithAttr returns a copy of e with the unqualified attribute local set to
// value.
func (e Element) WithAttr(local, value string) Element {
	c := e.Copy()
	c.Attr = attr.Set(c.Attr, local, value)
	return c
}

// WithText returns a copy of e with its character data set to text.
func (e Element) WithText(text string) Element {
	c := e.Copy()
	c.Text = text
	return c
}

// AttrValue returns the value of the unqualified attribute local or an empty
// string.
func (e Element) AttrValue(local string) string {
	_, v := attr.Get(e.Attr, local)
	return v
}

// HasAttr reports whether e carries the unqualified attribute local.
func (e Element) HasAttr(local string) bool {
	idx, _ := attr.Get(e.Attr, local)
	return idx >= 0
}

// Find returns the first child with the given name.
func (e Element) Find(space, local string) (Element, bool) {
	for _, c := range e.Child {
		if sameName(c.XMLName, xml.Name{Space: space, Local: local}) {
			return c, true
		}
	}
	return Element{}, false
}

// Copy returns a deep copy of e.
func (e Element) Copy() Element {
	c := Element{
		XMLName: e.XMLName,
		Text:    e.Text,
	}
	if e.Attr != nil {
		c.Attr = make([]xml.Attr, len(e.Attr))
		copy(c.Attr, e.Attr)
	}
	if e.Child != nil {
		c.Child = copyElements(e.Child)
	}
	return c
}

// Equal reports whether e and o are structurally equal.
// Attribute order is ignored and the stanza content namespaces are treated
// as one, so that an element built locally without a namespace equals the
// same element after it has been read back from a stream.
func (e Element) Equal(o Element) bool {
	if !sameName(e.XMLName, o.XMLName) || e.Text != o.Text {
		return false
	}
	if !attr.Equal(e.Attr, o.Attr) {
		return false
	}
	return EqualElements(e.Child, o.Child)
}

// EqualElements compares two ordered element lists with Element.Equal.
func EqualElements(a, b []Element) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// StartElement returns the start token of e.
func (e Element) StartElement() xml.StartElement {
	start := xml.StartElement{Name: e.XMLName}
	if len(e.Attr) > 0 {
		start.Attr = make([]xml.Attr, len(e.Attr))
		copy(start.Attr, e.Attr)
	}
	return start
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (e Element) TokenReader() xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(e.Child)+1)
	if e.Text != "" {
		inner = append(inner, xmlstream.Token(xml.CharData(e.Text)))
	}
	for _, c := range e.Child {
		inner = append(inner, c.TokenReader())
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), e.StartElement())
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (e Element) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, e.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface.
func (e Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	_, err := e.WriteXML(enc)
	return err
}

// UnmarshalXML satisfies the xml.Unmarshaler interface.
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	e.XMLName = start.Name
	e.Attr = attr.StripNS(start.Attr)
	e.Text = ""
	e.Child = nil

	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var c Element
			if err := c.UnmarshalXML(d, t); err != nil {
				return err
			}
			e.Child = append(e.Child, c)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if s := text.String(); len(e.Child) == 0 || strings.TrimSpace(s) != "" {
				e.Text = s
			}
			return nil
		}
	}
}

func copyElements(in []Element) []Element {
	if in == nil {
		return nil
	}
	out := make([]Element, len(in))
	for i, c := range in {
		out[i] = c.Copy()
	}
	return out
}

func sameName(a, b xml.Name) bool {
	if a.Local != b.Local {
		return false
	}
	if a.Space == b.Space {
		return true
	}
	return ns.IsStanzaContent(a.Space) && ns.IsStanzaContent(b.Space)
}
