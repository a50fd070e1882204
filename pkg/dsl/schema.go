package dsl

import (
	"reflect"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/qtype-ai/qtype/pkg/secret"
)

// DocumentSchema builds the JSON schema for a qtype document. Editors and CI
// pipelines validate YAML against it; the cli exposes it through the schema
// command.
func DocumentSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Mapper:         schemaMapper,
	}

	props := jsonschema.NewProperties()
	props.Set("id", &jsonschema.Schema{Type: "string"})
	props.Set("description", &jsonschema.Schema{Type: "string"})
	props.Set("references", &jsonschema.Schema{
		Type:  "array",
		Items: &jsonschema.Schema{Ref: "#"},
	})
	props.Set("types", &jsonschema.Schema{Type: "array", Items: typeDefSchema()})
	props.Set("variables", &jsonschema.Schema{Type: "array", Items: reflectOne(r, &Variable{})})
	props.Set("memories", &jsonschema.Schema{Type: "array", Items: reflectOne(r, &Memory{})})
	props.Set("models", &jsonschema.Schema{Type: "array", Items: variantUnion(r, modelTypes)})
	props.Set("auths", &jsonschema.Schema{Type: "array", Items: variantUnion(r, authTypes)})
	props.Set("tools", &jsonschema.Schema{Type: "array", Items: variantUnion(r, toolTypes)})
	props.Set("indexes", &jsonschema.Schema{Type: "array", Items: variantUnion(r, indexTypes)})
	props.Set("telemetry", reflectOne(r, &TelemetrySink{}))
	props.Set("flows", &jsonschema.Schema{Type: "array", Items: flowSchema(r)})

	return &jsonschema.Schema{
		Version:              jsonschema.Version,
		ID:                   "https://qtype.ai/schemas/document.json",
		Title:                "QType Document",
		Type:                 "object",
		Properties:           props,
		Required:             []string{"id"},
		AdditionalProperties: jsonschema.FalseSchema,
	}
}

// schemaMapper overrides reflection for the scalar-spelled types: durations,
// type references, entity references, and secrets all read as strings with
// an optional mapping form.
func schemaMapper(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeOf(time.Duration(0)):
		return &jsonschema.Schema{Type: "string", Description: "duration, for example 30s or 2m"}
	case reflect.TypeOf(TypeRef{}):
		return &jsonschema.Schema{Type: "string", Description: "type reference: a primitive, T?, list[T], or a custom type id"}
	case reflect.TypeOf(Ref{}):
		return &jsonschema.Schema{OneOf: []*jsonschema.Schema{
			{Type: "string", Description: "entity id"},
			{Type: "object", Description: "inline definition, or {ref: id}"},
		}}
	case reflect.TypeOf(secret.Value{}):
		secretProps := jsonschema.NewProperties()
		secretProps.Set("secret_name", &jsonschema.Schema{Type: "string"})
		secretProps.Set("key", &jsonschema.Schema{Type: "string"})
		return &jsonschema.Schema{OneOf: []*jsonschema.Schema{
			{Type: "string", Description: "literal value"},
			{
				Type:                 "object",
				Properties:           secretProps,
				Required:             []string{"secret_name"},
				AdditionalProperties: jsonschema.FalseSchema,
			},
		}}
	}
	return nil
}

// variantUnion reflects every constructor in a dispatch table and stamps the
// discriminator into each branch, so validators report the allowed type
// names.
func variantUnion[T any](r *jsonschema.Reflector, table map[string]func() T) *jsonschema.Schema {
	union := &jsonschema.Schema{}
	for _, tag := range mapKeys(table) {
		sub := reflectOne(r, table[tag]())
		if sub.Properties == nil {
			sub.Properties = jsonschema.NewProperties()
		}
		sub.Properties.Set("type", &jsonschema.Schema{Type: "string", Enum: []any{tag}})
		sub.Required = append([]string{"type"}, sub.Required...)
		union.OneOf = append(union.OneOf, sub)
	}
	return union
}

func flowSchema(r *jsonschema.Reflector) *jsonschema.Schema {
	schema := reflectOne(r, &Flow{})
	if steps, ok := schema.Properties.Get("steps"); ok {
		steps.Type = "array"
		steps.Items = variantUnion(r, stepTypes)
	}
	return schema
}

// typeDefSchema is written by hand: properties is an ordered mapping of
// field name to type reference, which reflection cannot express.
func typeDefSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("id", &jsonschema.Schema{Type: "string"})
	props.Set("description", &jsonschema.Schema{Type: "string"})
	props.Set("properties", &jsonschema.Schema{
		Type:                 "object",
		Description:          "object fields in declaration order",
		AdditionalProperties: &jsonschema.Schema{Type: "string"},
	})
	props.Set("element", &jsonschema.Schema{Type: "string", Description: "element type of an array type"})
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             []string{"id"},
		AdditionalProperties: jsonschema.FalseSchema,
	}
}

func reflectOne(r *jsonschema.Reflector, v any) *jsonschema.Schema {
	schema := r.Reflect(v)
	schema.Version = ""
	return schema
}
