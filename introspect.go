package dbus

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// The following types mirror the org.freedesktop.DBus.Introspectable
// XML schema for the CONSUMER side: parsing another object's
// introspection data well enough to recover each method/signal's
// declared signature.

type annotationData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type argData struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

type methodData struct {
	Name       string           `xml:"name,attr"`
	Arg        []argData        `xml:"arg"`
	Annotation []annotationData `xml:"annotation"`
}

type signalData struct {
	Name string    `xml:"name,attr"`
	Arg  []argData `xml:"arg"`
}

type propertyData struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

type interfaceData struct {
	Name     string         `xml:"name,attr"`
	Method   []methodData   `xml:"method"`
	Signal   []signalData   `xml:"signal"`
	Property []propertyData `xml:"property"`
}

type introspectData struct {
	XMLName   xml.Name        `xml:"node"`
	Name      string          `xml:"name,attr"`
	Interface []interfaceData `xml:"interface"`
	Node      []introspectData `xml:"node"`
}

// Introspect is the parsed form of one object's introspection XML.
type Introspect interface {
	InterfaceNames() []string
	GetInterfaceData(name string) InterfaceData
}

type InterfaceData interface {
	GetName() string
	GetMethodData(name string) MethodData
	GetSignalData(name string) SignalData
}

type MethodData interface {
	GetName() string
	GetInSignature() string
	GetOutSignature() string
}

type SignalData interface {
	GetName() string
	GetSignature() string
}

// NewIntrospect parses xmlIntro, the reply body of an Introspect call.
func NewIntrospect(xmlIntro string) (Introspect, error) {
	var data introspectData
	dec := xml.NewDecoder(bytes.NewReader([]byte(xmlIntro)))
	if err := dec.Decode(&data); err != nil {
		return nil, wrap(err, "dbus: parse introspection XML")
	}
	return data, nil
}

func (d introspectData) InterfaceNames() []string {
	names := make([]string, len(d.Interface))
	for i, iface := range d.Interface {
		names[i] = iface.Name
	}
	return names
}

func (d introspectData) GetInterfaceData(name string) InterfaceData {
	for _, v := range d.Interface {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (p interfaceData) GetName() string { return p.Name }

func (p interfaceData) GetMethodData(name string) MethodData {
	for _, v := range p.Method {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (p interfaceData) GetSignalData(name string) SignalData {
	for _, v := range p.Signal {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (p methodData) GetName() string { return p.Name }

func (p methodData) GetInSignature() (sig string) {
	for _, a := range p.Arg {
		if strings.EqualFold(a.Direction, "in") {
			sig += a.Type
		}
	}
	return sig
}

func (p methodData) GetOutSignature() (sig string) {
	for _, a := range p.Arg {
		if strings.EqualFold(a.Direction, "out") || a.Direction == "" {
			sig += a.Type
		}
	}
	return sig
}

func (p signalData) GetName() string { return p.Name }

func (p signalData) GetSignature() (sig string) {
	for _, a := range p.Arg {
		sig += a.Type
	}
	return sig
}

// GenerateIntrospectXML builds the introspection document for the
// interfaces bound at path, plus childNames — the immediate child
// segments of path that the server has other objects bound under, so
// a generic dbus-send / d-feet style client can walk the object tree.
func GenerateIntrospectXML(ifaces map[string]*Interface, childNames []string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">` + "\n")
	b.WriteString("<node>\n")

	names := make([]string, 0, len(ifaces))
	for name := range ifaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		iface := ifaces[name]
		fmt.Fprintf(&b, "  <interface name=%q>\n", iface.Name)
		writeAnnotations(&b, "    ", iface.Annotations)

		methodNames := sortedKeys(iface.Methods)
		for _, mname := range methodNames {
			m := iface.Methods[mname]
			fmt.Fprintf(&b, "    <method name=%q>\n", m.Name)
			writeArgs(&b, "      ", m.InSignature, "in")
			writeArgs(&b, "      ", m.OutSignature, "out")
			writeAnnotations(&b, "      ", m.Annotations)
			b.WriteString("    </method>\n")
		}

		signalNames := sortedKeys(iface.Signals)
		for _, sname := range signalNames {
			s := iface.Signals[sname]
			fmt.Fprintf(&b, "    <signal name=%q>\n", s.Name)
			writeArgs(&b, "      ", s.Signature, "")
			writeAnnotations(&b, "      ", s.Annotations)
			b.WriteString("    </signal>\n")
		}

		propNames := sortedKeys(iface.Properties)
		for _, pname := range propNames {
			p := iface.Properties[pname]
			if len(p.Annotations) == 0 {
				fmt.Fprintf(&b, "    <property name=%q type=%q access=%q/>\n", p.Name, string(p.Signature), p.Access.String())
				continue
			}
			fmt.Fprintf(&b, "    <property name=%q type=%q access=%q>\n", p.Name, string(p.Signature), p.Access.String())
			writeAnnotations(&b, "      ", p.Annotations)
			b.WriteString("    </property>\n")
		}

		b.WriteString("  </interface>\n")
	}

	sort.Strings(childNames)
	for _, child := range childNames {
		fmt.Fprintf(&b, "  <node name=%q/>\n", child)
	}

	b.WriteString("</node>\n")
	return b.String()
}

func writeArgs(b *strings.Builder, indent string, sig Signature, direction string) {
	toks, err := sig.Iterate()
	if err != nil {
		return
	}
	for _, t := range toks {
		if direction == "" {
			fmt.Fprintf(b, "%s<arg type=%q/>\n", indent, tokenSignature(t))
		} else {
			fmt.Fprintf(b, "%s<arg type=%q direction=%q/>\n", indent, tokenSignature(t), direction)
		}
	}
}

func tokenSignature(t Token) string {
	switch t.Code {
	case 'a':
		return "a" + tokenSignature(*t.Elem)
	case '(', '{':
		s := string(t.Code)
		for _, f := range t.Fields {
			s += tokenSignature(f)
		}
		if t.Code == '(' {
			s += ")"
		} else {
			s += "}"
		}
		return s
	default:
		return string(t.Code)
	}
}

func writeAnnotations(b *strings.Builder, indent string, annotations map[string]string) {
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s<annotation name=%q value=%q/>\n", indent, k, annotations[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
