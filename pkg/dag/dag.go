package dag

import (
	"fmt"
	"sort"
)

var ErrNotAcyclic = fmt.Errorf("graph is not acyclic")

// DirectedAcyclicGraph keeps "depends on" edges between named nodes. An edge
// from a to b means a needs b to be resolved first.
type DirectedAcyclicGraph struct {
	nodes map[string]node
}

type node struct {
	id    string
	edges map[string]struct{}
}

func (n node) addEdge(toNodeId string) {
	n.edges[toNodeId] = struct{}{}
}

func (n node) getEdgeTargets() []string {
	nodeIds := make([]string, 0, len(n.edges))
	for e := range n.edges {
		nodeIds = append(nodeIds, e)
	}
	sort.Strings(nodeIds)
	return nodeIds
}

func newNode(id string) node {
	return node{
		id:    id,
		edges: make(map[string]struct{}),
	}
}

func NewDirectedAcyclicGraph() *DirectedAcyclicGraph {
	return &DirectedAcyclicGraph{
		nodes: make(map[string]node),
	}
}

func (g *DirectedAcyclicGraph) containsNode(nodeId string) bool {
	_, ok := g.nodes[nodeId]
	return ok
}

func (g *DirectedAcyclicGraph) AddNodeIdempotent(nodeId string) {
	if !g.containsNode(nodeId) {
		g.nodes[nodeId] = newNode(nodeId)
	}
}

func (g *DirectedAcyclicGraph) getOrAddNode(nodeId string) node {
	n, ok := g.nodes[nodeId]
	if !ok {
		n = newNode(nodeId)
		g.nodes[nodeId] = n
	}
	return n
}

func (g *DirectedAcyclicGraph) AddEdge(fromNodeId string, toNodeId string) {
	f := g.getOrAddNode(fromNodeId)
	g.AddNodeIdempotent(toNodeId)
	f.addEdge(toNodeId)
}

// TopologicalSort returns every node so that each one comes after all the
// nodes it has an edge to. Ties are broken by node id.
func (g *DirectedAcyclicGraph) TopologicalSort() ([]string, error) {
	nodeIds := make([]string, 0, len(g.nodes))
	for nodeId := range g.nodes {
		nodeIds = append(nodeIds, nodeId)
	}
	sort.Strings(nodeIds)

	result := newOrderedSet()
	state := make(map[string]visitState, len(g.nodes))
	for _, nodeId := range nodeIds {
		if err := g.visit(nodeId, state, result); err != nil {
			return nil, err
		}
	}
	return result.getElements(), nil
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

func (g *DirectedAcyclicGraph) visit(nodeId string, state map[string]visitState, results *orderedSet) error {
	switch state[nodeId] {
	case visited:
		return nil
	case visiting:
		return fmt.Errorf("%w: cycle through %s", ErrNotAcyclic, nodeId)
	}
	state[nodeId] = visiting

	for _, edge := range g.nodes[nodeId].getEdgeTargets() {
		if err := g.visit(edge, state, results); err != nil {
			return err
		}
	}

	state[nodeId] = visited
	results.add(nodeId)
	return nil
}

type orderedSet struct {
	elements []string
	set      map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{
		elements: make([]string, 0),
		set:      make(map[string]struct{}),
	}
}

func (os *orderedSet) add(element string) {
	if _, ok := os.set[element]; !ok {
		os.elements = append(os.elements, element)
		os.set[element] = struct{}{}
	}
}

func (os *orderedSet) getElements() []string {
	return os.elements
}
