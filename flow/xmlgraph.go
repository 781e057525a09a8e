package flow

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// flowIndex is the parsed-once view of a definition's sequence flows,
// keyed by source, target, and flow id; the per-source and per-target
// lists keep document order for exclusive-gateway branch selection and
// parallel-gateway fork emission.
type flowIndex struct {
	bySource map[string][]SequenceFlow
	byTarget map[string][]SequenceFlow
	byID     map[string]SequenceFlow
}

// xmlNode mirrors the minimal subset of the notation's XML tree the
// engine reads: local element names only, namespace-agnostic beyond the
// root, with attributes and raw inner text retained for conditions.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (n xmlNode) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (n xmlNode) child(local string) (xmlNode, bool) {
	for _, c := range n.Children {
		if c.XMLName.Local == local {
			return c, true
		}
	}
	return xmlNode{}, false
}

func (n xmlNode) childrenNamed(local string) []xmlNode {
	var out []xmlNode
	for _, c := range n.Children {
		if c.XMLName.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// Parse decodes XML source text into a ProcessDefinition. It locates the
// <process> element by local name (namespace agnostic beyond the root),
// reads id/key/name, and builds the elementId -> Element map plus a
// document-order flow index. id is the definition's storage identity;
// key is the notation's own process id read from the <process id="...">
// attribute. Name is the process's "name" attribute, defaulting to key
// when that attribute is absent.
func Parse(id, source string) (*ProcessDefinition, error) {
	var root xmlNode
	if err := xml.NewDecoder(strings.NewReader(source)).Decode(&root); err != nil {
		return nil, fmt.Errorf("flow: parse source: %w", err)
	}

	proc, err := findProcess(root)
	if err != nil {
		return nil, err
	}

	def := &ProcessDefinition{
		ID:          id,
		Key:         proc.attr("id"),
		Name:        proc.attr("name"),
		Source:      source,
		ContentHash: HashSource(source),
		Elements:    make(map[string]Element),
	}
	if def.Key == "" {
		return nil, fmt.Errorf("flow: process element has no id attribute")
	}
	if def.Name == "" {
		def.Name = def.Key
	}

	idx := &flowIndex{
		bySource: make(map[string][]SequenceFlow),
		byTarget: make(map[string][]SequenceFlow),
		byID:     make(map[string]SequenceFlow),
	}

	for _, child := range proc.Children {
		switch child.XMLName.Local {
		case "startEvent":
			addElement(def, child, KindStartEvent)
		case "endEvent":
			addElement(def, child, KindEndEvent)
		case "serviceTask":
			e := newElement(child, KindServiceTask)
			e.Implementation = child.attr("implementation")
			if e.Implementation == "" {
				e.Implementation = child.attr("type")
			}
			def.Elements[e.ID] = e
		case "scriptTask":
			e := newElement(child, KindScriptTask)
			e.Script = child.Content
			def.Elements[e.ID] = e
		case "exclusiveGateway":
			e := newElement(child, KindExclusiveGateway)
			e.Default = child.attr("default")
			def.Elements[e.ID] = e
		case "parallelGateway":
			addElement(def, child, KindParallelGateway)
		case "sequenceFlow":
			f := SequenceFlow{
				ID:     child.attr("id"),
				Source: child.attr("sourceRef"),
				Target: child.attr("targetRef"),
			}
			if cond, ok := child.child("conditionExpression"); ok {
				f.ConditionText = strings.TrimSpace(cond.Content)
			}
			idx.bySource[f.Source] = append(idx.bySource[f.Source], f)
			idx.byTarget[f.Target] = append(idx.byTarget[f.Target], f)
			if f.ID != "" {
				idx.byID[f.ID] = f
			}
		}
	}

	def.flows = idx
	return def, nil
}

func newElement(n xmlNode, kind ElementKind) Element {
	return Element{
		ID:   n.attr("id"),
		Name: n.attr("name"),
		Kind: kind,
	}
}

func addElement(def *ProcessDefinition, n xmlNode, kind ElementKind) {
	e := newElement(n, kind)
	def.Elements[e.ID] = e
}

// findProcess walks the decoded tree looking for the <process> element by
// local name, tolerating any namespace prefix or root wrapper the source
// uses around it.
func findProcess(n xmlNode) (xmlNode, error) {
	if n.XMLName.Local == "process" {
		return n, nil
	}
	for _, c := range n.Children {
		if found, err := findProcess(c); err == nil {
			return found, nil
		}
	}
	return xmlNode{}, fmt.Errorf("flow: no <process> element found in source")
}

// Reparse rebuilds elementID -> Element and the flow index from the
// definition's retained source text instead of caching a mutable index on
// ProcessDefinition, keeping the type free of any lazily-populated field
// that would need synchronization.
func Reparse(def *ProcessDefinition) (*ProcessDefinition, error) {
	return Parse(def.ID, def.Source)
}
