// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the fmuc packages.
package ns // import "mellium.im/fmuc/internal/ns"

// List of commonly used namespaces.
const (
	Client    = "jabber:client"
	Server    = "jabber:server"
	Component = "jabber:component:accept"
	Stanza    = "urn:ietf:params:xml:ns:xmpp-stanzas"
	XML       = "http://www.w3.org/XML/1998/namespace"
	XMLNS     = "xmlns"
)

// IsStanzaContent reports whether space is a namespace that stanza level
// children (body, subject, status, …) may be qualified with.
// The empty namespace counts since locally constructed elements often omit it.
func IsStanzaContent(space string) bool {
	switch space {
	case "", Client, Server, Component:
		return true
	}
	return false
}
