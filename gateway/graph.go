package gateway

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// graph is one activated supergraph: the artifact it came from and the
// parsed schema operations validate against. Graphs are immutable;
// reloads swap the whole value.
type graph struct {
	artifact *platform.Supergraph
	schema   *ast.Schema

	introOnce sync.Once
	introJSON json.RawMessage
}

// newGraph parses and validates an artifact. An artifact whose SDL
// does not re-parse or whose routing cannot resolve a service URL is
// never activated.
func newGraph(artifact *platform.Supergraph) (*graph, error) {
	if artifact == nil {
		return nil, errors.WrapInvalid(stderrors.New("artifact cannot be nil"),
			"Gateway", "newGraph", "artifact validation")
	}
	if err := artifact.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "newGraph",
			fmt.Sprintf("artifact %s validation", artifact.Hash))
	}

	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "supergraph", Input: artifact.SDL})
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrParsingFailed, err),
			"Gateway", "newGraph", fmt.Sprintf("parse supergraph %s", artifact.Hash))
	}

	return &graph{
		artifact: artifact,
		schema:   schema,
	}, nil
}

// route returns the service owning a top-level field.
func (g *graph) route(field string) (string, bool) {
	service, ok := g.artifact.Routing[field]
	return service, ok
}

// url returns a service's GraphQL endpoint.
func (g *graph) url(service string) (string, error) {
	base, ok := g.artifact.ServiceURLs[service]
	if !ok || base == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrURLUnresolved, service),
			"Gateway", "url", fmt.Sprintf("resolve %s", service))
	}
	return strings.TrimSuffix(base, "/") + platform.DefaultGraphQLPath, nil
}

// hash returns the artifact content hash the graph serves.
func (g *graph) hash() string {
	return g.artifact.Hash
}
