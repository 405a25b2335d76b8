// Package visualize renders the operator graph of a scenario as a diagram.
package visualize

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"

	"github.com/l7mp/reactive-collections/pkg/scenario"
)

// Graph is the operator graph of a scenario: a leaf, a chain of operators and the observer at the
// end of the chain.
type Graph struct {
	Name  string
	Nodes []Node
}

// Node is one collection in the graph.
type Node struct {
	ID    string
	Label string
	Kind  string
	// Output is the element type the node produces: items or groups.
	Output string
	// Nested is set for operators that follow nested sources.
	Nested bool
}

const (
	KindLeaf     = "leaf"
	KindOperator = "operator"
	KindObserver = "observer"

	outputItems  = "items"
	outputGroups = "groups"
)

// BuildGraph constructs the graph of a scenario, including the implicit flattening of a group-by
// that is not the last stage.
func BuildGraph(s *scenario.Scenario) *Graph {
	g := &Graph{Name: s.Name}
	g.add(Node{Label: fmt.Sprintf("list %v", s.Source), Kind: KindLeaf, Output: outputItems})

	for i, st := range s.Pipeline {
		switch {
		case st.Where != nil:
			g.add(Node{Label: fmt.Sprintf("where x%%%d == %d", st.Where.Mod, st.Where.Rem),
				Kind: KindOperator, Output: outputItems})
		case st.SelectMany != nil:
			label := fmt.Sprintf("selectMany x*10+[0..%d]", st.SelectMany.Fanout-1)
			if st.SelectMany.Observable {
				label += " (observable)"
			}
			g.add(Node{Label: label, Kind: KindOperator, Output: outputItems, Nested: st.SelectMany.Observable})
		case st.GroupBy != nil:
			g.add(Node{Label: fmt.Sprintf("groupBy x%%%d", st.GroupBy.Mod), Kind: KindOperator, Output: outputGroups})
			if i < len(s.Pipeline)-1 {
				g.add(Node{Label: "flatten groups", Kind: KindOperator, Output: outputItems, Nested: true})
			}
		}
	}

	g.add(Node{Label: "recorder", Kind: KindObserver})
	return g
}

func (g *Graph) add(n Node) {
	n.ID = fmt.Sprintf("n%d", len(g.Nodes))
	g.Nodes = append(g.Nodes, n)
}

// String returns the chain in one line.
func (g *Graph) String() string {
	labels := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		labels = append(labels, n.Label)
	}
	return strings.Join(labels, " -> ")
}

// nodeStyle decorates a rendered node according to the kind of its collection.
type nodeStyle func(n Node, node dot.Node)

// dotStyle styles nodes with Graphviz attributes.
func dotStyle(n Node, node dot.Node) {
	node.Attr("fontname", "helvetica")
	switch n.Kind {
	case KindLeaf:
		node.Attr("shape", "ellipse").Attr("style", "filled").Attr("fillcolor", "lightgreen")
	case KindObserver:
		node.Attr("shape", "box").Attr("style", "filled,rounded").Attr("fillcolor", "lightyellow")
	default:
		node.Attr("shape", "box").
			Attr("style", "filled,rounded").
			Attr("fillcolor", "lightblue").
			Attr("color", "darkblue").
			Attr("penwidth", "2")
	}
}

// mermaidStyle styles nodes for the Mermaid renderer, which takes typed shapes and CSS styles.
func mermaidStyle(n Node, node dot.Node) {
	switch n.Kind {
	case KindLeaf:
		node.Attr("shape", dot.MermaidShapeStadium).Attr("style", "fill:lightgreen")
	case KindObserver:
		node.Attr("shape", dot.MermaidShapeSubroutine).Attr("style", "fill:lightyellow")
	default:
		node.Attr("shape", dot.MermaidShapeRound).Attr("style", "fill:lightblue,stroke:darkblue,stroke-width:2px")
	}
}

// BuildDotGraph creates a Graphviz dot.Graph from the visualization graph.
func BuildDotGraph(g *Graph) *dot.Graph {
	return buildGraph(g, dotStyle)
}

func buildGraph(g *Graph, style nodeStyle) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t")
	graph.Attr("fontsize", "16")

	var prev *dot.Node
	var prevOutput string
	for _, n := range g.Nodes {
		node := graph.Node(n.ID).Attr("label", n.Label)
		style(n, node)

		if prev != nil {
			edge := graph.Edge(*prev, node).
				Attr("label", prevOutput).
				Attr("fontname", "helvetica").
				Attr("fontsize", "10")
			if n.Nested {
				// nested sources are followed through refcounted subscriptions
				edge.Attr("style", "dashed").Attr("color", "blue")
			}
		}
		prev, prevOutput = &node, n.Output
	}

	return graph
}
