package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Introspection wire model. Shapes follow the graphql-js conventions
// clients expect: absent collections are null, present-but-empty ones
// are [].
type introspectionTypeName struct {
	Name string `json:"name"`
}

type introspectionPayload struct {
	QueryType        *introspectionTypeName   `json:"queryType"`
	MutationType     *introspectionTypeName   `json:"mutationType"`
	SubscriptionType *introspectionTypeName   `json:"subscriptionType"`
	Types            []introspectionType      `json:"types"`
	Directives       []introspectionDirective `json:"directives"`
}

type introspectionType struct {
	Kind          string                    `json:"kind"`
	Name          string                    `json:"name"`
	Description   *string                   `json:"description"`
	Fields        []introspectionField      `json:"fields"`
	InputFields   []introspectionInputValue `json:"inputFields"`
	Interfaces    []introspectionTypeRef    `json:"interfaces"`
	EnumValues    []introspectionEnumValue  `json:"enumValues"`
	PossibleTypes []introspectionTypeRef    `json:"possibleTypes"`
}

type introspectionField struct {
	Name              string                    `json:"name"`
	Description       *string                   `json:"description"`
	Args              []introspectionInputValue `json:"args"`
	Type              introspectionTypeRef      `json:"type"`
	IsDeprecated      bool                      `json:"isDeprecated"`
	DeprecationReason *string                   `json:"deprecationReason"`
}

type introspectionInputValue struct {
	Name         string               `json:"name"`
	Description  *string              `json:"description"`
	Type         introspectionTypeRef `json:"type"`
	DefaultValue *string              `json:"defaultValue"`
}

type introspectionEnumValue struct {
	Name              string  `json:"name"`
	Description       *string `json:"description"`
	IsDeprecated      bool    `json:"isDeprecated"`
	DeprecationReason *string `json:"deprecationReason"`
}

type introspectionTypeRef struct {
	Kind   string                `json:"kind"`
	Name   *string               `json:"name"`
	OfType *introspectionTypeRef `json:"ofType"`
}

type introspectionDirective struct {
	Name        string                    `json:"name"`
	Description *string                   `json:"description"`
	Locations   []string                  `json:"locations"`
	Args        []introspectionInputValue `json:"args"`
}

// introspection returns the __schema payload, built once per graph.
func (g *graph) introspection() json.RawMessage {
	g.introOnce.Do(func() {
		payload, err := json.Marshal(buildIntrospection(g.schema))
		if err != nil {
			payload = []byte("null")
		}
		g.introJSON = payload
	})
	return g.introJSON
}

// introspectionValue answers one __schema or __type field. The full
// object is returned regardless of the sub-selection; clients read the
// fields they asked for.
func introspectionValue(g *graph, field *ast.Field, variables json.RawMessage) (json.RawMessage, *gqlerror.Error) {
	switch field.Name {
	case "__schema":
		return g.introspection(), nil

	case "__type":
		name, gqlErr := typeNameArgument(field, variables)
		if gqlErr != nil {
			return nil, gqlErr
		}
		def, ok := g.schema.Types[name]
		if !ok {
			return json.RawMessage("null"), nil
		}
		payload, err := json.Marshal(buildType(g.schema, def))
		if err != nil {
			return nil, &gqlerror.Error{
				Message:    "introspection serialization failed",
				Extensions: map[string]interface{}{"code": codeInternal},
			}
		}
		return payload, nil

	default:
		return nil, &gqlerror.Error{
			Message:    fmt.Sprintf("cannot answer field %q locally", field.Name),
			Extensions: map[string]interface{}{"code": codeInternal},
		}
	}
}

// typeNameArgument resolves the name argument of __type, following a
// variable to its value or declared default when needed.
func typeNameArgument(field *ast.Field, variables json.RawMessage) (string, *gqlerror.Error) {
	arg := field.Arguments.ForName("name")
	if arg == nil || arg.Value == nil {
		return "", &gqlerror.Error{
			Message:    "__type requires a name argument",
			Extensions: map[string]interface{}{"code": codeValidationFailed},
		}
	}

	value := arg.Value
	if value.Kind != ast.Variable {
		return value.Raw, nil
	}

	if len(variables) > 0 {
		var vars map[string]json.RawMessage
		if err := json.Unmarshal(variables, &vars); err == nil {
			if raw, ok := vars[value.Raw]; ok {
				var name string
				if err := json.Unmarshal(raw, &name); err != nil {
					return "", &gqlerror.Error{
						Message:    fmt.Sprintf("variable $%s must be a string", value.Raw),
						Extensions: map[string]interface{}{"code": codeValidationFailed},
					}
				}
				return name, nil
			}
		}
	}

	if def := value.VariableDefinition; def != nil && def.DefaultValue != nil {
		return def.DefaultValue.Raw, nil
	}

	return "", &gqlerror.Error{
		Message:    fmt.Sprintf("variable $%s is not set", value.Raw),
		Extensions: map[string]interface{}{"code": codeValidationFailed},
	}
}

func buildIntrospection(schema *ast.Schema) introspectionPayload {
	payload := introspectionPayload{
		Types:      []introspectionType{},
		Directives: []introspectionDirective{},
	}
	if schema.Query != nil {
		payload.QueryType = &introspectionTypeName{Name: schema.Query.Name}
	}
	if schema.Mutation != nil {
		payload.MutationType = &introspectionTypeName{Name: schema.Mutation.Name}
	}
	// SubscriptionType stays null: the gateway does not execute
	// subscriptions, so it does not advertise them.

	names := make([]string, 0, len(schema.Types))
	for name := range schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		payload.Types = append(payload.Types, buildType(schema, schema.Types[name]))
	}

	dirNames := make([]string, 0, len(schema.Directives))
	for name := range schema.Directives {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		payload.Directives = append(payload.Directives, buildDirective(schema, schema.Directives[name]))
	}

	return payload
}

func buildType(schema *ast.Schema, def *ast.Definition) introspectionType {
	t := introspectionType{
		Kind:        string(def.Kind),
		Name:        def.Name,
		Description: nilIfEmpty(def.Description),
	}

	switch def.Kind {
	case ast.Object, ast.Interface:
		t.Fields = []introspectionField{}
		for _, f := range def.Fields {
			// Meta fields like __schema live on the root type in the
			// parsed schema but never appear in introspection output.
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			t.Fields = append(t.Fields, buildField(schema, f))
		}
		t.Interfaces = []introspectionTypeRef{}
		for _, name := range def.Interfaces {
			t.Interfaces = append(t.Interfaces, namedTypeRef(schema, name))
		}
		if def.Kind == ast.Interface {
			t.PossibleTypes = possibleTypeRefs(schema, def)
		}

	case ast.Union:
		t.PossibleTypes = possibleTypeRefs(schema, def)

	case ast.Enum:
		t.EnumValues = []introspectionEnumValue{}
		for _, v := range def.EnumValues {
			deprecated, reason := deprecation(v.Directives)
			t.EnumValues = append(t.EnumValues, introspectionEnumValue{
				Name:              v.Name,
				Description:       nilIfEmpty(v.Description),
				IsDeprecated:      deprecated,
				DeprecationReason: reason,
			})
		}

	case ast.InputObject:
		t.InputFields = []introspectionInputValue{}
		for _, f := range def.Fields {
			t.InputFields = append(t.InputFields,
				buildInputValue(schema, f.Name, f.Description, f.Type, f.DefaultValue))
		}
	}

	return t
}

func buildField(schema *ast.Schema, f *ast.FieldDefinition) introspectionField {
	args := []introspectionInputValue{}
	for _, a := range f.Arguments {
		args = append(args, buildInputValue(schema, a.Name, a.Description, a.Type, a.DefaultValue))
	}
	deprecated, reason := deprecation(f.Directives)
	return introspectionField{
		Name:              f.Name,
		Description:       nilIfEmpty(f.Description),
		Args:              args,
		Type:              typeRefFromAst(schema, f.Type),
		IsDeprecated:      deprecated,
		DeprecationReason: reason,
	}
}

func buildInputValue(schema *ast.Schema, name, description string, typ *ast.Type, def *ast.Value) introspectionInputValue {
	iv := introspectionInputValue{
		Name:        name,
		Description: nilIfEmpty(description),
		Type:        typeRefFromAst(schema, typ),
	}
	if def != nil {
		// Introspection delivers defaults as GraphQL literals.
		s := def.String()
		iv.DefaultValue = &s
	}
	return iv
}

func buildDirective(schema *ast.Schema, d *ast.DirectiveDefinition) introspectionDirective {
	args := []introspectionInputValue{}
	for _, a := range d.Arguments {
		args = append(args, buildInputValue(schema, a.Name, a.Description, a.Type, a.DefaultValue))
	}
	locations := make([]string, 0, len(d.Locations))
	for _, loc := range d.Locations {
		locations = append(locations, string(loc))
	}
	return introspectionDirective{
		Name:        d.Name,
		Description: nilIfEmpty(d.Description),
		Locations:   locations,
		Args:        args,
	}
}

func typeRefFromAst(schema *ast.Schema, t *ast.Type) introspectionTypeRef {
	if t.NonNull {
		inner := *t
		inner.NonNull = false
		ref := typeRefFromAst(schema, &inner)
		return introspectionTypeRef{Kind: "NON_NULL", OfType: &ref}
	}
	if t.Elem != nil {
		ref := typeRefFromAst(schema, t.Elem)
		return introspectionTypeRef{Kind: "LIST", OfType: &ref}
	}
	return namedTypeRef(schema, t.NamedType)
}

func namedTypeRef(schema *ast.Schema, name string) introspectionTypeRef {
	kind := "OBJECT"
	if def, ok := schema.Types[name]; ok {
		kind = string(def.Kind)
	}
	n := name
	return introspectionTypeRef{Kind: kind, Name: &n}
}

func possibleTypeRefs(schema *ast.Schema, def *ast.Definition) []introspectionTypeRef {
	possible := schema.PossibleTypes[def.Name]
	names := make([]string, 0, len(possible))
	for _, p := range possible {
		names = append(names, p.Name)
	}
	sort.Strings(names)

	refs := []introspectionTypeRef{}
	for _, name := range names {
		refs = append(refs, namedTypeRef(schema, name))
	}
	return refs
}

func deprecation(directives ast.DirectiveList) (bool, *string) {
	d := directives.ForName("deprecated")
	if d == nil {
		return false, nil
	}
	reason := "No longer supported"
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		reason = arg.Value.Raw
	}
	return true, &reason
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
