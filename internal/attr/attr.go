// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr contains helpers for working with lists of XML attributes.
package attr // import "mellium.im/fmuc/internal/attr"

import (
	"encoding/xml"

	"mellium.im/fmuc/internal/ns"
)

// Get returns the index and value of the first unqualified attribute with the
// provided local name from a list of attributes, or -1 and an empty string if
// no such attribute exists.
func Get(attr []xml.Attr, local string) (int, string) {
	for i, a := range attr {
		if a.Name.Space == "" && a.Name.Local == local {
			return i, a.Value
		}
	}
	return -1, ""
}

// Set returns attr with the unqualified attribute local set to value,
// replacing the first existing attribute of that name or appending a new one.
// The backing array of attr may be modified.
func Set(attr []xml.Attr, local, value string) []xml.Attr {
	if idx, _ := Get(attr, local); idx >= 0 {
		attr[idx].Value = value
		return attr
	}
	return append(attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
}

// Delete returns attr without any unqualified attribute named local.
func Delete(attr []xml.Attr, local string) []xml.Attr {
	out := make([]xml.Attr, 0, len(attr))
	for _, a := range attr {
		if a.Name.Space == "" && a.Name.Local == local {
			continue
		}
		out = append(out, a)
	}
	return out
}

// StripNS returns a copy of attr without namespace declarations.
// Element names already carry their resolved namespace so the declarations
// would be duplicated by the encoder.
func StripNS(attr []xml.Attr) []xml.Attr {
	if len(attr) == 0 {
		return nil
	}
	out := make([]xml.Attr, 0, len(attr))
	for _, a := range attr {
		if a.Name.Space == ns.XMLNS || (a.Name.Space == "" && a.Name.Local == ns.XMLNS) {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Equal reports whether a and b contain the same attributes irrespective of
// order.
func Equal(a, b []xml.Attr) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, x := range a {
		for j, y := range b {
			if !used[j] && x.Name == y.Name && x.Value == y.Value {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}
