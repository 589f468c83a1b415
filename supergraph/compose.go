package supergraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/pkg/cache"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Composer defaults.
const (
	DefaultSchemaTTL           = 15 * time.Minute
	DefaultSchemaSweepInterval = time.Minute
)

// Composer merges subgraph schemas into one supergraph.
type Composer struct {
	schemas cache.Cache[*ast.Schema]
	logger  *slog.Logger
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer) error

// WithSchemaCache replaces the parsed-schema cache.
func WithSchemaCache(c cache.Cache[*ast.Schema]) ComposerOption {
	return func(cm *Composer) error {
		if c == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Composer", "WithSchemaCache",
				"cache cannot be nil")
		}
		cm.schemas = c
		return nil
	}
}

// WithComposerLogger sets the logger. Nil falls back to slog.Default.
func WithComposerLogger(logger *slog.Logger) ComposerOption {
	return func(cm *Composer) error {
		if logger != nil {
			cm.logger = logger
		}
		return nil
	}
}

// NewComposer creates a composer. The context bounds the cache's
// background sweeper.
func NewComposer(ctx context.Context, opts ...ComposerOption) (*Composer, error) {
	cm := &Composer{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(cm); err != nil {
			return nil, err
		}
	}
	if cm.schemas == nil {
		schemas, err := cache.NewTTL[*ast.Schema](ctx, DefaultSchemaTTL, DefaultSchemaSweepInterval)
		if err != nil {
			return nil, errors.WrapFatal(err, "Composer", "NewComposer", "schema cache")
		}
		cm.schemas = schemas
	}
	return cm, nil
}

// Close releases the schema cache.
func (cm *Composer) Close() error {
	return cm.schemas.Close()
}

// fieldOwner records which service contributed a root field.
type fieldOwner struct {
	service string
	def     *ast.FieldDefinition
}

// typeOwner records which service first contributed a named type, with
// its canonical rendering for shape comparison.
type typeOwner struct {
	service string
	shape   string
}

// Compose merges subgraph schemas into a supergraph: root Query and
// Mutation fields combined, shared value types required to agree on
// shape, every top-level field routed to its owning service. The
// composed SDL is re-parsed before it is returned, so a supergraph
// that fails validation never leaves this function.
func (cm *Composer) Compose(ctx context.Context, env platform.Environment, subgraphs []*platform.SubgraphSchema) (*platform.Supergraph, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if len(subgraphs) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no subgraphs to compose", errors.ErrInvalidData),
			"Composer", "Compose", "input validation")
	}

	ordered := append([]*platform.SubgraphSchema(nil), subgraphs...)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].Service < ordered[b].Service })

	queryFields := map[string]fieldOwner{}
	mutationFields := map[string]fieldOwner{}
	sharedTypes := map[string]typeOwner{}
	typeDefs := map[string]*ast.Definition{}
	serviceURLs := map[string]string{}
	subgraphHashes := map[string]string{}

	seen := map[string]bool{}
	for _, sub := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, errors.WrapTransient(err, "Composer", "Compose", "context cancelled")
		}
		if err := sub.Validate(); err != nil {
			return nil, err
		}
		if seen[sub.Service] {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: service %s appears twice", errors.ErrInvalidData, sub.Service),
				"Composer", "Compose", "input validation")
		}
		seen[sub.Service] = true

		schema, err := cm.parseSubgraph(sub)
		if err != nil {
			return nil, err
		}

		if err := mergeRootFields(queryFields, schema.Query, sub.Service); err != nil {
			return nil, err
		}
		if err := mergeRootFields(mutationFields, schema.Mutation, sub.Service); err != nil {
			return nil, err
		}
		if err := mergeNamedTypes(sharedTypes, typeDefs, schema, sub.Service); err != nil {
			return nil, err
		}

		if sub.URL != "" {
			serviceURLs[sub.Service] = sub.URL
		}
		subgraphHashes[sub.Service] = sub.Hash
	}

	if len(queryFields) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no query fields across %d subgraphs", errors.ErrCompositionConflict, len(ordered)),
			"Composer", "Compose", "merge root fields")
	}

	routing, err := buildRouting(queryFields, mutationFields)
	if err != nil {
		return nil, err
	}

	sdl := renderSupergraphSDL(queryFields, mutationFields, typeDefs)

	// Re-parse the merged document. Shape comparison is per-definition;
	// this catches whole-schema breakage such as an interface merged
	// away from one of its implementors.
	if _, gqlErr := gqlparser.LoadSchema(&ast.Source{Name: "supergraph", Input: sdl}); gqlErr != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrCompositionConflict, gqlErr),
			"Composer", "Compose", "composed schema validation")
	}

	artifact := &platform.Supergraph{
		Environment:    env,
		SDL:            sdl,
		Routing:        routing,
		ServiceURLs:    serviceURLs,
		Hash:           artifactHash(sdl, routing),
		SubgraphHashes: subgraphHashes,
		ComposedAt:     time.Now().UTC(),
	}

	cm.logger.Info("supergraph composed",
		"environment", env.String(),
		"subgraphs", len(ordered),
		"fields", len(routing),
		"hash", artifact.Hash)

	return artifact, nil
}

// parseSubgraph parses one subgraph SDL, reusing the cached parse when
// the content hash is unchanged.
func (cm *Composer) parseSubgraph(sub *platform.SubgraphSchema) (*ast.Schema, error) {
	key := sub.Hash
	if key == "" {
		key = HashSDL(sub.SDL)
	}
	if schema, ok := cm.schemas.Get(key); ok {
		return schema, nil
	}

	schema, gqlErr := gqlparser.LoadSchema(&ast.Source{Name: sub.Service, Input: sub.SDL})
	if gqlErr != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s: %s", errors.ErrParsingFailed, sub.Service, gqlErr),
			"Composer", "parseSubgraph", "parse subgraph schema")
	}

	if _, err := cm.schemas.Set(key, schema); err != nil {
		cm.logger.Debug("schema cache set failed", "service", sub.Service, "error", err)
	}
	return schema, nil
}

// mergeRootFields folds one subgraph's root fields into the merged map.
// A field contributed by two services is a conflict; silently picking
// one would route the other service's traffic away from it.
func mergeRootFields(merged map[string]fieldOwner, root *ast.Definition, service string) error {
	if root == nil {
		return nil
	}
	for _, field := range root.Fields {
		// LoadSchema appends the __schema and __type meta fields to
		// every query root.
		if strings.HasPrefix(field.Name, "__") {
			continue
		}
		if existing, ok := merged[field.Name]; ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: field %q defined by both %s and %s",
					errors.ErrCompositionConflict, field.Name, existing.service, service),
				"Composer", "Compose", "merge root fields")
		}
		merged[field.Name] = fieldOwner{service: service, def: field}
	}
	return nil
}

// mergeNamedTypes folds one subgraph's named types into the merged set.
// A type defined by several services must render to the same canonical
// shape in each.
func mergeNamedTypes(shared map[string]typeOwner, defs map[string]*ast.Definition, schema *ast.Schema, service string) error {
	names := make([]string, 0, len(schema.Types))
	for name := range schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := schema.Types[name]
		if def.BuiltIn || strings.HasPrefix(name, "__") {
			continue
		}
		if def == schema.Query || def == schema.Mutation || def == schema.Subscription {
			continue
		}

		shape := formatDefinition(def)
		if existing, ok := shared[name]; ok {
			if existing.shape != shape {
				return errors.WrapInvalid(
					fmt.Errorf("%w: type %q differs between %s and %s",
						errors.ErrCompositionConflict, name, existing.service, service),
					"Composer", "Compose", "merge named types")
			}
			continue
		}
		shared[name] = typeOwner{service: service, shape: shape}
		defs[name] = def
	}
	return nil
}

// buildRouting maps each top-level field to its owning service. A name
// used as a query field by one service and a mutation field by another
// would make the route ambiguous.
func buildRouting(queryFields, mutationFields map[string]fieldOwner) (map[string]string, error) {
	routing := make(map[string]string, len(queryFields)+len(mutationFields))
	for name, owner := range queryFields {
		routing[name] = owner.service
	}
	for name, owner := range mutationFields {
		if existing, ok := routing[name]; ok && existing != owner.service {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: field %q is a query on %s and a mutation on %s",
					errors.ErrCompositionConflict, name, existing, owner.service),
				"Composer", "Compose", "build routing")
		}
		routing[name] = owner.service
	}
	return routing, nil
}

// renderSupergraphSDL emits the merged document: Query, then Mutation,
// then named types sorted, everything in canonical order.
func renderSupergraphSDL(queryFields, mutationFields map[string]fieldOwner, typeDefs map[string]*ast.Definition) string {
	var b strings.Builder

	b.WriteString("type Query {\n")
	for _, name := range sortedKeys(queryFields) {
		fmt.Fprintf(&b, "  %s\n", formatField(queryFields[name].def))
	}
	b.WriteString("}\n")

	if len(mutationFields) > 0 {
		b.WriteString("\ntype Mutation {\n")
		for _, name := range sortedKeys(mutationFields) {
			fmt.Fprintf(&b, "  %s\n", formatField(mutationFields[name].def))
		}
		b.WriteString("}\n")
	}

	typeNames := make([]string, 0, len(typeDefs))
	for name := range typeDefs {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)
	for _, name := range typeNames {
		b.WriteString("\n")
		b.WriteString(formatDefinition(typeDefs[name]))
		b.WriteString("\n")
	}

	return b.String()
}

func sortedKeys(m map[string]fieldOwner) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDefinition renders one named type canonically: members sorted,
// descriptions and directives dropped. Equal shapes render equal.
func formatDefinition(def *ast.Definition) string {
	var b strings.Builder
	switch def.Kind {
	case ast.Scalar:
		fmt.Fprintf(&b, "scalar %s", def.Name)

	case ast.Union:
		members := append([]string(nil), def.Types...)
		sort.Strings(members)
		fmt.Fprintf(&b, "union %s = %s", def.Name, strings.Join(members, " | "))

	case ast.Enum:
		values := make([]string, 0, len(def.EnumValues))
		for _, v := range def.EnumValues {
			values = append(values, v.Name)
		}
		sort.Strings(values)
		fmt.Fprintf(&b, "enum %s {\n", def.Name)
		for _, v := range values {
			fmt.Fprintf(&b, "  %s\n", v)
		}
		b.WriteString("}")

	case ast.Object, ast.Interface:
		keyword := "type"
		if def.Kind == ast.Interface {
			keyword = "interface"
		}
		fmt.Fprintf(&b, "%s %s", keyword, def.Name)
		if len(def.Interfaces) > 0 {
			ifaces := append([]string(nil), def.Interfaces...)
			sort.Strings(ifaces)
			fmt.Fprintf(&b, " implements %s", strings.Join(ifaces, " & "))
		}
		b.WriteString(" {\n")
		for _, f := range sortedFieldList(def.Fields) {
			fmt.Fprintf(&b, "  %s\n", formatField(f))
		}
		b.WriteString("}")

	case ast.InputObject:
		fmt.Fprintf(&b, "input %s {\n", def.Name)
		for _, f := range sortedFieldList(def.Fields) {
			fmt.Fprintf(&b, "  %s\n", formatField(f))
		}
		b.WriteString("}")
	}
	return b.String()
}

// formatField renders one field or input field: arguments sorted by
// name, default values as literals.
func formatField(f *ast.FieldDefinition) string {
	var b strings.Builder
	b.WriteString(f.Name)
	if len(f.Arguments) > 0 {
		args := append(ast.ArgumentDefinitionList(nil), f.Arguments...)
		sort.Slice(args, func(a, b int) bool { return args[a].Name < args[b].Name })
		parts := make([]string, 0, len(args))
		for _, a := range args {
			part := fmt.Sprintf("%s: %s", a.Name, a.Type.String())
			if a.DefaultValue != nil {
				part += " = " + a.DefaultValue.String()
			}
			parts = append(parts, part)
		}
		fmt.Fprintf(&b, "(%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, ": %s", f.Type.String())
	if f.DefaultValue != nil {
		fmt.Fprintf(&b, " = %s", f.DefaultValue.String())
	}
	return b.String()
}

func sortedFieldList(fields ast.FieldList) []*ast.FieldDefinition {
	out := append(ast.FieldList(nil), fields...)
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// artifactHash identifies a composition by its SDL and routing.
// Service URLs are excluded: redeploying the same schemas to new
// addresses is the same composition.
func artifactHash(sdl string, routing map[string]string) string {
	h := sha256.New()
	io.WriteString(h, sdl)
	fields := make([]string, 0, len(routing))
	for f := range routing {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		fmt.Fprintf(h, "\n%s=%s", f, routing[f])
	}
	return hex.EncodeToString(h.Sum(nil))
}
