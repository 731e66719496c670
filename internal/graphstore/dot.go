package graphstore

import (
	"fmt"
	"sort"
	"strings"
)

// DotExporter exports the dependency graph into DOT (design §6 `graph`
// CLI verb), grounded on libs/depgraph's DotExporter / the Hash-based hue
// map used to color nodes by type.
type DotExporter struct {
	// CheckDeps colors edges black/red by whether the destination node is
	// currently live (true) or a dangling reference (false).
	CheckDeps bool
}

const dotIndent = "\t"

// Export walks every node reachable from root (inclusive) and renders a
// `digraph G { ... }` description.
func (e *DotExporter) Export(t *Txn, root NodeID) (string, error) {
	nodes, err := e.collectNodes(t, root)
	if err != nil {
		return "", err
	}
	hue := hueMap(nodes)
	var sb strings.Builder
	sb.WriteString("digraph G {\n")
	for _, n := range nodes {
		shape := "ellipse"
		if n.Type == TypeDir || n.Type == TypeGeneratedDir || n.Type == TypeRoot {
			shape = "box"
		}
		if n.Type == TypeGhost {
			shape = "diamond"
		}
		color := "black"
		if n.Type == TypeGhost {
			color = "grey"
		}
		label := n.Name
		if n.Type == TypeCommand && n.Display != "" {
			label = n.Display
		}
		fmt.Fprintf(&sb, "%s%s [color = %s, fillcolor = \"%.3f 0.600 0.800\", "+
			"shape = %s, style = filled, label = %q];\n",
			dotIndent, nodeID(n.ID), color, hue[n.Type], shape, label)
	}
	for _, n := range nodes {
		links, err := t.OutgoingLinks(n.ID)
		if err != nil {
			return "", err
		}
		for _, l := range links {
			edgeColor := "black"
			if e.CheckDeps {
				if _, err := t.GetNode(l.To); err != nil {
					edgeColor = "red"
				}
			}
			style := "solid"
			if l.Style == StyleNormal {
				style = "dashed"
			}
			fmt.Fprintf(&sb, "%s%s -> %s [color = %s, style = %s, tooltip = %q];\n",
				dotIndent, nodeID(n.ID), nodeID(l.To), edgeColor, style, l.Style.String())
		}
	}
	sb.WriteString("}\n")
	return sb.String(), nil
}

func (e *DotExporter) collectNodes(t *Txn, root NodeID) ([]Node, error) {
	var out []Node
	seen := map[NodeID]bool{}
	var walk func(NodeID) error
	walk = func(id NodeID) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		n, err := t.GetNode(id)
		if err != nil {
			return err
		}
		out = append(out, n)
		children, err := t.SelectByDir(id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func nodeID(id NodeID) string {
	return fmt.Sprintf("\"n%d\"", id)
}

// hueMap assigns a deterministic HSV hue per node type so the rendering is
// stable across runs, mirroring libs/depgraph's genHueMap.
func hueMap(nodes []Node) map[NodeType]float32 {
	types := map[NodeType]bool{}
	for _, n := range nodes {
		types[n.Type] = true
	}
	var sorted []NodeType
	for t := range types {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	hues := map[NodeType]float32{}
	if len(sorted) == 0 {
		return hues
	}
	for i, t := range sorted {
		hues[t] = float32(i) / float32(len(sorted))
	}
	return hues
}
