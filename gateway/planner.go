package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/Peleke/MindMirror-sub002/pkg/cache"
)

// planKind classifies how an operation is answered.
type planKind int

const (
	// planLocal operations select only introspection and meta fields;
	// the gateway answers them without contacting any service.
	planLocal planKind = iota
	// planSingle operations are owned by one service; request and
	// response pass through verbatim.
	planSingle
	// planFanout operations span services; the gateway executes one
	// sub-operation per owner and merges the results.
	planFanout
)

// resultKey is one top-level response key in request order. Service is
// empty for keys the gateway answers itself.
type resultKey struct {
	key     string
	service string
	nonNull bool
}

// branch is the sub-operation sent to one service during a fan-out.
type branch struct {
	service string
	keys    []string
	query   string
}

// plan is the execution strategy for one operation against one
// activated graph. Plans are immutable and shared across requests;
// variable values are forwarded at execution time and never baked in.
type plan struct {
	kind     planKind
	op       ast.Operation
	opName   string
	service  string
	branches []branch
	order    []resultKey
	locals   map[string]*ast.Field
}

// planner resolves operations into plans. Plans are cached keyed by
// artifact hash, so a reload naturally stops serving stale routing.
type planner struct {
	plans cache.Cache[*plan]
}

func newPlanner(cacheSize int, opts ...cache.Option[*plan]) (*planner, error) {
	if cacheSize <= 0 {
		return &planner{plans: cache.NewNoop[*plan]()}, nil
	}
	plans, err := cache.NewLRU[*plan](cacheSize, opts...)
	if err != nil {
		return nil, err
	}
	return &planner{plans: plans}, nil
}

func (p *planner) clear() {
	_ = p.plans.Clear()
}

func (p *planner) close() {
	_ = p.plans.Close()
}

// plan parses, validates, and routes one request. Errors come back in
// GraphQL form so handlers can render them directly.
func (p *planner) plan(g *graph, query, operationName string) (*plan, gqlerror.List) {
	key := planCacheKey(g.hash(), operationName, query)
	if cached, ok := p.plans.Get(key); ok {
		return cached, nil
	}

	doc, errs := gqlparser.LoadQuery(g.schema, query)
	if errs != nil {
		return nil, errs
	}

	op := doc.Operations.ForName(operationName)
	if op == nil {
		if operationName == "" {
			return nil, planErrorf("operationName is required when the document defines multiple operations")
		}
		return nil, planErrorf("operation %q is not defined in the document", operationName)
	}
	if op.Operation == ast.Subscription {
		return nil, planErrorf("subscriptions are not supported")
	}

	pl, errs := buildPlan(g, doc, op)
	if errs != nil {
		return nil, errs
	}

	_, _ = p.plans.Set(key, pl)
	return pl, nil
}

// branchBuild accumulates the fields one service owns while the
// selection set is walked.
type branchBuild struct {
	service string
	fields  ast.SelectionSet
	keys    []string
}

func buildPlan(g *graph, doc *ast.QueryDocument, op *ast.OperationDefinition) (*plan, gqlerror.List) {
	var (
		order     []resultKey
		runs      []*branchBuild
		byService = map[string]*branchBuild{}
		keyOwner  = map[string]*branchBuild{}
		locals    map[string]*ast.Field
		hasSchema bool
	)

	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			// Flattening a top-level fragment would detach its
			// directives, so it is rejected rather than guessed at.
			return nil, planErrorf("top-level selections must be named fields")
		}

		key := field.Alias
		nonNull := field.Definition != nil && field.Definition.Type != nil && field.Definition.Type.NonNull

		switch field.Name {
		case "__schema", "__type":
			hasSchema = true
			fallthrough
		case "__typename":
			if locals == nil {
				locals = map[string]*ast.Field{}
			}
			if _, seen := locals[key]; seen {
				continue
			}
			locals[key] = field
			order = append(order, resultKey{key: key, nonNull: nonNull})
			continue
		}

		service, ok := g.route(field.Name)
		if !ok {
			// Validation passed, so the artifact routing table is
			// missing an entry it should have.
			return nil, planErrorf("no service owns field %q", field.Name)
		}

		if owner, seen := keyOwner[key]; seen {
			// Same response key twice: the validator guarantees the
			// fields merge, so fold the duplicate into its first run.
			if owner.service != service {
				return nil, planErrorf("field %q cannot merge across services", key)
			}
			owner.fields = append(owner.fields, field)
			continue
		}

		var run *branchBuild
		if op.Operation == ast.Mutation {
			// Mutations execute serially, so a new run starts whenever
			// ownership changes. Queries group freely per service.
			if len(runs) > 0 && runs[len(runs)-1].service == service {
				run = runs[len(runs)-1]
			}
		} else {
			run = byService[service]
		}
		if run == nil {
			run = &branchBuild{service: service}
			runs = append(runs, run)
			if op.Operation != ast.Mutation {
				byService[service] = run
			}
		}

		run.fields = append(run.fields, field)
		run.keys = append(run.keys, key)
		keyOwner[key] = run
		order = append(order, resultKey{key: key, service: service, nonNull: nonNull})
	}

	if hasSchema && len(runs) > 0 {
		return nil, planErrorf("schema introspection cannot be combined with service fields")
	}

	pl := &plan{
		op:     op.Operation,
		opName: op.Name,
		order:  order,
		locals: locals,
	}

	distinct := map[string]bool{}
	for _, run := range runs {
		distinct[run.service] = true
	}

	switch {
	case len(runs) == 0:
		pl.kind = planLocal
	case len(distinct) == 1:
		// One owner answers everything, __typename included, so the
		// original request is forwarded untouched.
		pl.kind = planSingle
		pl.service = runs[0].service
	default:
		pl.kind = planFanout
		for _, run := range runs {
			pl.branches = append(pl.branches, branch{
				service: run.service,
				keys:    run.keys,
				query:   renderBranch(doc, op, run.fields),
			})
		}
	}

	return pl, nil
}

// renderBranch prints one service's sub-operation: the owned fields,
// variable definitions pruned to the ones those fields reach, and the
// fragments they use.
func renderBranch(doc *ast.QueryDocument, op *ast.OperationDefinition, fields ast.SelectionSet) string {
	frags := reachableFragments(doc, fields)

	used := map[string]bool{}
	for _, d := range op.Directives {
		directiveVariables(d, used)
	}
	selectionVariables(fields, used)
	for _, frag := range frags {
		for _, d := range frag.Directives {
			directiveVariables(d, used)
		}
		selectionVariables(frag.SelectionSet, used)
	}

	var defs ast.VariableDefinitionList
	for _, def := range op.VariableDefinitions {
		if used[def.Variable] {
			defs = append(defs, def)
		}
	}

	sub := &ast.QueryDocument{
		Operations: ast.OperationList{{
			Operation:           op.Operation,
			Name:                op.Name,
			VariableDefinitions: defs,
			Directives:          op.Directives,
			SelectionSet:        fields,
		}},
		Fragments: frags,
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(sub)
	return strings.TrimSpace(buf.String())
}

// reachableFragments returns the fragments fields use, directly or
// through other fragments, in document order.
func reachableFragments(doc *ast.QueryDocument, fields ast.SelectionSet) ast.FragmentDefinitionList {
	seen := map[string]bool{}
	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				walk(s.SelectionSet)
			case *ast.InlineFragment:
				walk(s.SelectionSet)
			case *ast.FragmentSpread:
				if seen[s.Name] {
					continue
				}
				seen[s.Name] = true
				if frag := doc.Fragments.ForName(s.Name); frag != nil {
					walk(frag.SelectionSet)
				}
			}
		}
	}
	walk(fields)

	var frags ast.FragmentDefinitionList
	for _, frag := range doc.Fragments {
		if seen[frag.Name] {
			frags = append(frags, frag)
		}
	}
	return frags
}

func selectionVariables(set ast.SelectionSet, used map[string]bool) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			for _, arg := range s.Arguments {
				valueVariables(arg.Value, used)
			}
			for _, d := range s.Directives {
				directiveVariables(d, used)
			}
			selectionVariables(s.SelectionSet, used)
		case *ast.InlineFragment:
			for _, d := range s.Directives {
				directiveVariables(d, used)
			}
			selectionVariables(s.SelectionSet, used)
		case *ast.FragmentSpread:
			for _, d := range s.Directives {
				directiveVariables(d, used)
			}
		}
	}
}

func directiveVariables(d *ast.Directive, used map[string]bool) {
	for _, arg := range d.Arguments {
		valueVariables(arg.Value, used)
	}
}

func valueVariables(v *ast.Value, used map[string]bool) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		used[v.Raw] = true
	}
	for _, child := range v.Children {
		valueVariables(child.Value, used)
	}
}

func planCacheKey(hash, operationName, query string) string {
	sum := sha256.Sum256([]byte(hash + "\x00" + operationName + "\x00" + query))
	return hex.EncodeToString(sum[:])
}

func planErrorf(format string, args ...interface{}) gqlerror.List {
	return gqlerror.List{{
		Message:    fmt.Sprintf(format, args...),
		Extensions: map[string]interface{}{"code": codeValidationFailed},
	}}
}
