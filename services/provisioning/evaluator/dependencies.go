package evaluator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/kaytu-io/kaytu-marketplace/pkg/dag"
)

const parametersIdentifier = "Parameters"

var (
	ErrCircularReference   = errors.New("circular reference is detected in the parameter list")
	ErrUnresolvedReference = errors.New("unresolved parameter reference")
)

type referenceVisitor struct {
	seen  map[string]struct{}
	names []string
}

func (v *referenceVisitor) Visit(node *ast.Node) {
	member, ok := (*node).(*ast.MemberNode)
	if !ok {
		return
	}
	ident, ok := member.Node.(*ast.IdentifierNode)
	if !ok || ident.Value != parametersIdentifier {
		return
	}
	prop, ok := member.Property.(*ast.StringNode)
	if !ok {
		return
	}
	if _, dup := v.seen[prop.Value]; dup {
		return
	}
	v.seen[prop.Value] = struct{}{}
	v.names = append(v.names, prop.Value)
}

// References lists the parameter names an expression reads through
// Parameters["name"] or Parameters.name, in order of appearance.
func References(expression string) ([]string, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}
	v := &referenceVisitor{seen: map[string]struct{}{}}
	ast.Walk(&tree.Node, v)
	return v.names, nil
}

// SortParameters orders parameters so that every one comes after the
// parameters it references. References to names in known are treated as
// already resolved.
func SortParameters(parameters map[string]string, known map[string]any) ([]string, error) {
	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	graph := dag.NewDirectedAcyclicGraph()
	for _, name := range names {
		graph.AddNodeIdempotent(name)

		refs, err := References(parameters[name])
		if err != nil {
			return nil, fmt.Errorf("can not evaluate expression %s for parameter %s: %w", parameters[name], name, err)
		}
		for _, ref := range refs {
			if _, ok := parameters[ref]; ok {
				graph.AddEdge(name, ref)
				continue
			}
			if _, ok := known[ref]; ok {
				continue
			}
			return nil, fmt.Errorf("%w: parameter %s references %s", ErrUnresolvedReference, name, ref)
		}
	}

	order, err := graph.TopologicalSort()
	if err != nil {
		if errors.Is(err, dag.ErrNotAcyclic) {
			return nil, fmt.Errorf("%w: %v", ErrCircularReference, err)
		}
		return nil, err
	}
	return order, nil
}
