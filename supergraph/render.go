package supergraph

import (
	"fmt"
	"sort"
	"strings"
)

// Introspection wire model, mirroring the __schema response shape.
type introspectionSchema struct {
	QueryType        *namedTypeRef `json:"queryType"`
	MutationType     *namedTypeRef `json:"mutationType"`
	SubscriptionType *namedTypeRef `json:"subscriptionType"`
	Types            []fullType    `json:"types"`
}

type namedTypeRef struct {
	Name string `json:"name"`
}

type fullType struct {
	Kind          string       `json:"kind"`
	Name          string       `json:"name"`
	Fields        []typeField  `json:"fields"`
	InputFields   []inputValue `json:"inputFields"`
	Interfaces    []typeRef    `json:"interfaces"`
	EnumValues    []enumValue  `json:"enumValues"`
	PossibleTypes []typeRef    `json:"possibleTypes"`
}

type typeField struct {
	Name string       `json:"name"`
	Args []inputValue `json:"args"`
	Type typeRef      `json:"type"`
}

type inputValue struct {
	Name         string  `json:"name"`
	Type         typeRef `json:"type"`
	DefaultValue *string `json:"defaultValue"`
}

type enumValue struct {
	Name string `json:"name"`
}

type typeRef struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name"`
	OfType *typeRef `json:"ofType"`
}

// Built-in scalars every GraphQL schema carries; redeclaring them in
// SDL is invalid.
var builtinScalars = map[string]bool{
	"String":  true,
	"Int":     true,
	"Float":   true,
	"Boolean": true,
	"ID":      true,
}

// renderSDL converts an introspection response to SDL. Root types are
// rendered first, remaining types sorted by name. Introspection meta
// types and built-in scalars are skipped.
func renderSDL(schema introspectionSchema) (string, error) {
	rootNames := map[string]string{}
	if schema.QueryType != nil {
		rootNames[schema.QueryType.Name] = "query"
	}
	if schema.MutationType != nil {
		rootNames[schema.MutationType.Name] = "mutation"
	}
	if schema.SubscriptionType != nil {
		rootNames[schema.SubscriptionType.Name] = "subscription"
	}

	byName := make(map[string]fullType, len(schema.Types))
	names := make([]string, 0, len(schema.Types))
	for _, t := range schema.Types {
		if strings.HasPrefix(t.Name, "__") || builtinScalars[t.Name] {
			continue
		}
		byName[t.Name] = t
		names = append(names, t.Name)
	}
	sort.Strings(names)

	var b strings.Builder

	// A schema block only matters when roots are not named Query,
	// Mutation, and Subscription.
	if needsSchemaBlock(schema) {
		b.WriteString("schema {\n")
		for _, op := range []string{"query", "mutation", "subscription"} {
			for name, kind := range rootNames {
				if kind == op {
					fmt.Fprintf(&b, "  %s: %s\n", op, name)
				}
			}
		}
		b.WriteString("}\n\n")
	}

	rendered := map[string]bool{}
	renderOne := func(name string) error {
		t, ok := byName[name]
		if !ok || rendered[name] {
			return nil
		}
		rendered[name] = true
		block, err := renderType(t)
		if err != nil {
			return err
		}
		if block != "" {
			b.WriteString(block)
			b.WriteString("\n\n")
		}
		return nil
	}

	if schema.QueryType != nil {
		if err := renderOne(schema.QueryType.Name); err != nil {
			return "", err
		}
	}
	if schema.MutationType != nil {
		if err := renderOne(schema.MutationType.Name); err != nil {
			return "", err
		}
	}
	if schema.SubscriptionType != nil {
		if err := renderOne(schema.SubscriptionType.Name); err != nil {
			return "", err
		}
	}
	for _, name := range names {
		if err := renderOne(name); err != nil {
			return "", err
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func needsSchemaBlock(schema introspectionSchema) bool {
	if schema.QueryType != nil && schema.QueryType.Name != "Query" {
		return true
	}
	if schema.MutationType != nil && schema.MutationType.Name != "Mutation" {
		return true
	}
	if schema.SubscriptionType != nil && schema.SubscriptionType.Name != "Subscription" {
		return true
	}
	return false
}

func renderType(t fullType) (string, error) {
	var b strings.Builder
	switch t.Kind {
	case "SCALAR":
		fmt.Fprintf(&b, "scalar %s", t.Name)

	case "UNION":
		members := make([]string, 0, len(t.PossibleTypes))
		for _, m := range t.PossibleTypes {
			members = append(members, m.Name)
		}
		sort.Strings(members)
		fmt.Fprintf(&b, "union %s = %s", t.Name, strings.Join(members, " | "))

	case "ENUM":
		values := make([]string, 0, len(t.EnumValues))
		for _, v := range t.EnumValues {
			values = append(values, v.Name)
		}
		sort.Strings(values)
		fmt.Fprintf(&b, "enum %s {\n", t.Name)
		for _, v := range values {
			fmt.Fprintf(&b, "  %s\n", v)
		}
		b.WriteString("}")

	case "OBJECT", "INTERFACE":
		keyword := "type"
		if t.Kind == "INTERFACE" {
			keyword = "interface"
		}
		fmt.Fprintf(&b, "%s %s", keyword, t.Name)
		if len(t.Interfaces) > 0 {
			ifaces := make([]string, 0, len(t.Interfaces))
			for _, i := range t.Interfaces {
				ifaces = append(ifaces, i.Name)
			}
			sort.Strings(ifaces)
			fmt.Fprintf(&b, " implements %s", strings.Join(ifaces, " & "))
		}
		b.WriteString(" {\n")
		fields := append([]typeField(nil), t.Fields...)
		sort.Slice(fields, func(a, b int) bool { return fields[a].Name < fields[b].Name })
		for _, f := range fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			line, err := renderField(f)
			if err != nil {
				return "", fmt.Errorf("type %s: %w", t.Name, err)
			}
			fmt.Fprintf(&b, "  %s\n", line)
		}
		b.WriteString("}")

	case "INPUT_OBJECT":
		fmt.Fprintf(&b, "input %s {\n", t.Name)
		fields := append([]inputValue(nil), t.InputFields...)
		sort.Slice(fields, func(a, b int) bool { return fields[a].Name < fields[b].Name })
		for _, f := range fields {
			line, err := renderInputValue(f)
			if err != nil {
				return "", fmt.Errorf("input %s: %w", t.Name, err)
			}
			fmt.Fprintf(&b, "  %s\n", line)
		}
		b.WriteString("}")

	default:
		return "", fmt.Errorf("unknown type kind %q for %s", t.Kind, t.Name)
	}
	return b.String(), nil
}

func renderField(f typeField) (string, error) {
	var b strings.Builder
	b.WriteString(f.Name)
	if len(f.Args) > 0 {
		args := append([]inputValue(nil), f.Args...)
		sort.Slice(args, func(a, b int) bool { return args[a].Name < args[b].Name })
		parts := make([]string, 0, len(args))
		for _, a := range args {
			part, err := renderInputValue(a)
			if err != nil {
				return "", fmt.Errorf("field %s: %w", f.Name, err)
			}
			parts = append(parts, part)
		}
		fmt.Fprintf(&b, "(%s)", strings.Join(parts, ", "))
	}
	ref, err := renderTypeRef(&f.Type)
	if err != nil {
		return "", fmt.Errorf("field %s: %w", f.Name, err)
	}
	fmt.Fprintf(&b, ": %s", ref)
	return b.String(), nil
}

func renderInputValue(v inputValue) (string, error) {
	ref, err := renderTypeRef(&v.Type)
	if err != nil {
		return "", fmt.Errorf("argument %s: %w", v.Name, err)
	}
	s := fmt.Sprintf("%s: %s", v.Name, ref)
	if v.DefaultValue != nil {
		// Introspection delivers defaults as GraphQL literals.
		s += " = " + *v.DefaultValue
	}
	return s, nil
}

func renderTypeRef(t *typeRef) (string, error) {
	if t == nil {
		return "", fmt.Errorf("type reference truncated, nesting exceeds introspection depth")
	}
	switch t.Kind {
	case "NON_NULL":
		inner, err := renderTypeRef(t.OfType)
		if err != nil {
			return "", err
		}
		return inner + "!", nil
	case "LIST":
		inner, err := renderTypeRef(t.OfType)
		if err != nil {
			return "", err
		}
		return "[" + inner + "]", nil
	default:
		if t.Name == "" {
			return "", fmt.Errorf("type reference missing name")
		}
		return t.Name, nil
	}
}
