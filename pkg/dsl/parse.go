package dsl

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/loader"
	"github.com/qtype-ai/qtype/pkg/secret"
)

// Variant constructors keyed by the type discriminator each entity list
// accepts. Unknown discriminators report the known set.
var (
	stepTypes = map[string]func() Step{
		"LLMInference":     func() Step { return &LLMInference{} },
		"Agent":            func() Step { return &Agent{} },
		"PromptTemplate":   func() Step { return &PromptTemplate{} },
		"InvokeTool":       func() Step { return &InvokeTool{} },
		"InvokeFlow":       func() Step { return &InvokeFlow{} },
		"Condition":        func() Step { return &Condition{} },
		"FileSource":       func() Step { return &FileSource{} },
		"SQLSource":        func() Step { return &SQLSource{} },
		"DocumentSource":   func() Step { return &DocumentSource{} },
		"DocumentSplitter": func() Step { return &DocumentSplitter{} },
		"DocumentEmbedder": func() Step { return &DocumentEmbedder{} },
		"VectorSearch":     func() Step { return &VectorSearch{} },
		"DocumentSearch":   func() Step { return &DocumentSearch{} },
		"IndexUpsert":      func() Step { return &IndexUpsert{} },
		"Reranker":         func() Step { return &Reranker{} },
		"Aggregate":        func() Step { return &Aggregate{} },
		"Explode":          func() Step { return &Explode{} },
		"Collect":          func() Step { return &Collect{} },
		"FieldExtractor":   func() Step { return &FieldExtractor{} },
		"Construct":        func() Step { return &Construct{} },
		"Decoder":          func() Step { return &Decoder{} },
		"Echo":             func() Step { return &Echo{} },
	}

	modelTypes = map[string]func() ModelDef{
		"Model":          func() ModelDef { return &Model{} },
		"EmbeddingModel": func() ModelDef { return &EmbeddingModel{} },
	}

	authTypes = map[string]func() AuthDef{
		"api_key": func() AuthDef { return &APIKeyAuth{} },
		"bearer":  func() AuthDef { return &BearerAuth{} },
		"oauth2":  func() AuthDef { return &OAuth2Auth{} },
		"aws":     func() AuthDef { return &AWSAuth{} },
	}

	toolTypes = map[string]func() ToolDef{
		"APITool":      func() ToolDef { return &APITool{} },
		"FunctionTool": func() ToolDef { return &FunctionTool{} },
		"MCPTool":      func() ToolDef { return &MCPTool{} },
		"PluginTool":   func() ToolDef { return &PluginTool{} },
	}

	indexTypes = map[string]func() IndexDef{
		"VectorIndex":   func() IndexDef { return &VectorIndex{} },
		"DocumentIndex": func() IndexDef { return &DocumentIndex{} },
	}
)

// Parse turns a loaded document into an Application. Every entity gets its
// defaults filled and its fields validated, and problems accumulate so a
// single pass reports them all. References between entities stay symbolic;
// the linker resolves them.
func Parse(doc *loader.Document) (*Application, error) {
	p := &parser{doc: doc}
	app := p.application(doc.Root)
	if err := p.diags.Err(); err != nil {
		return nil, err
	}
	return app, nil
}

type parser struct {
	doc   *loader.Document
	diags errdefs.Diagnostics
}

func (p *parser) application(node *yaml.Node) *Application {
	node = deref(node)
	if node == nil {
		p.diags.Add(errdefs.Parserf("document is empty"))
		return nil
	}
	if node.Kind != yaml.MappingNode {
		p.errorf(node, "application document must be a mapping")
		return nil
	}

	app := &Application{}
	app.setPos(p.doc.Pos(node))
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := deref(node.Content[i+1])
		switch key {
		case "id":
			app.ID = p.scalar(value, "application id")
		case "description":
			app.Description = p.scalar(value, "application description")
		case "references":
			for _, item := range p.sequence(value, "references") {
				item = deref(item)
				if item.Kind != yaml.MappingNode {
					p.errorf(item, "references entries must be application documents, use !include")
					continue
				}
				if ref := p.application(item); ref != nil {
					app.References = append(app.References, ref)
				}
			}
		case "types":
			for _, item := range p.sequence(value, "types") {
				if td := p.typeDef(deref(item)); td != nil {
					app.Types = append(app.Types, td)
				}
			}
		case "variables":
			app.Variables = parseList(p, value, "variables", func() *Variable { return &Variable{} })
		case "memories":
			app.Memories = parseList(p, value, "memories", func() *Memory { return &Memory{} })
		case "models":
			app.Models = parseTagged(p, value, "model", modelTypes)
		case "auths":
			app.Auths = parseTagged(p, value, "auth", authTypes)
		case "tools":
			app.Tools = parseTagged(p, value, "tool", toolTypes)
		case "indexes":
			app.Indexes = parseTagged(p, value, "index", indexTypes)
		case "telemetry":
			app.Telemetry = p.telemetry(value)
		case "flows":
			for _, item := range p.sequence(value, "flows") {
				if f := p.flow(deref(item)); f != nil {
					app.Flows = append(app.Flows, f)
				}
			}
		default:
			p.errorf(node.Content[i], "unknown application field '%s'", key)
		}
	}

	app.SetDefaults()
	if err := app.Validate(); err != nil {
		p.diags.Add(invalidf(err, p.doc.Pos(node)))
	}
	return app
}

func (p *parser) telemetry(node *yaml.Node) *TelemetrySink {
	node = deref(node)
	if node.Kind == yaml.SequenceNode {
		p.errorf(node, "telemetry accepts a single sink, not a list")
		return nil
	}
	raw := p.raw(node)
	if raw == nil {
		return nil
	}
	sink := &TelemetrySink{}
	if err := decodeEntity(raw, sink, p.doc.Pos(node)); err != nil {
		p.diags.AddAll(errdefs.CodeParser, err)
		return nil
	}
	return sink
}

// flow decodes the header fields through the usual entity path but walks the
// steps sequence by node so each step error points at its own line.
func (p *parser) flow(node *yaml.Node) *Flow {
	raw := p.raw(node)
	if raw == nil {
		return nil
	}
	delete(raw, "steps")
	delete(raw, "type")

	flow := &Flow{}
	if err := decode(raw, flow); err != nil {
		p.diags.AddAll(errdefs.CodeParser, parseError(err, p.doc.Pos(node)))
		return nil
	}
	flow.setPos(p.doc.Pos(node))

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "steps" {
			continue
		}
		for _, item := range p.sequence(deref(node.Content[i+1]), "steps") {
			item = deref(item)
			stepRaw := p.raw(item)
			if stepRaw == nil {
				continue
			}
			step, err := decodeVariant(stepRaw, p.doc.Pos(item), "step", stepTypes)
			if err != nil {
				p.diags.AddAll(errdefs.CodeParser, err)
				continue
			}
			flow.Steps = append(flow.Steps, step)
		}
	}

	flow.SetDefaults()
	if err := flow.Validate(); err != nil {
		p.diags.Add(invalidf(err, p.doc.Pos(node)))
	}
	return flow
}

// typeDef is decoded by hand because properties is an ordered mapping of
// field name to type reference and the declaration order matters.
func (p *parser) typeDef(node *yaml.Node) *TypeDef {
	if node.Kind != yaml.MappingNode {
		p.errorf(node, "custom type must be a mapping")
		return nil
	}
	td := &TypeDef{}
	td.setPos(p.doc.Pos(node))
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := deref(node.Content[i+1])
		switch key {
		case "id":
			td.ID = p.scalar(value, "custom type id")
		case "description":
			td.Description = p.scalar(value, "custom type description")
		case "properties":
			if value.Kind != yaml.MappingNode {
				p.errorf(value, "properties must map field names to type references")
				continue
			}
			for j := 0; j+1 < len(value.Content); j += 2 {
				name := value.Content[j].Value
				ref, err := typeRefNode(deref(value.Content[j+1]))
				if err != nil {
					p.errorf(value.Content[j+1], "field '%s': %v", name, err)
					continue
				}
				td.Fields = append(td.Fields, &FieldDef{Name: name, Type: ref})
			}
		case "element":
			ref, err := typeRefNode(value)
			if err != nil {
				p.errorf(value, "element: %v", err)
				continue
			}
			td.Element = &ref
		default:
			p.errorf(node.Content[i], "unknown custom type field '%s'", key)
		}
	}
	td.SetDefaults()
	if err := td.Validate(); err != nil {
		p.diags.Add(invalidf(err, p.doc.Pos(node)))
		return nil
	}
	return td
}

func typeRefNode(node *yaml.Node) (TypeRef, error) {
	if node.Kind != yaml.ScalarNode {
		return TypeRef{}, fmt.Errorf("expected a type reference string")
	}
	return ParseTypeRef(node.Value)
}

func parseList[T Entity](p *parser, node *yaml.Node, context string, build func() T) []T {
	var out []T
	for _, item := range p.sequence(node, context) {
		item = deref(item)
		raw := p.raw(item)
		if raw == nil {
			continue
		}
		entity := build()
		if err := decodeEntity(raw, entity, p.doc.Pos(item)); err != nil {
			p.diags.AddAll(errdefs.CodeParser, err)
			continue
		}
		out = append(out, entity)
	}
	return out
}

func parseTagged[T Entity](p *parser, node *yaml.Node, label string, table map[string]func() T) []T {
	var out []T
	for _, item := range p.sequence(node, label+" list") {
		item = deref(item)
		raw := p.raw(item)
		if raw == nil {
			continue
		}
		entity, err := decodeVariant(raw, p.doc.Pos(item), label, table)
		if err != nil {
			p.diags.AddAll(errdefs.CodeParser, err)
			continue
		}
		out = append(out, entity)
	}
	return out
}

// Node access helpers. Each one records a diagnostic and returns a zero
// value on shape mismatch so callers can keep going.

func (p *parser) sequence(node *yaml.Node, context string) []*yaml.Node {
	node = deref(node)
	if node.Kind != yaml.SequenceNode {
		p.errorf(node, "%s must be a sequence", context)
		return nil
	}
	return node.Content
}

func (p *parser) scalar(node *yaml.Node, context string) string {
	if node.Kind != yaml.ScalarNode {
		p.errorf(node, "%s must be a scalar", context)
		return ""
	}
	return node.Value
}

func (p *parser) raw(node *yaml.Node) map[string]any {
	node = deref(node)
	if node.Kind != yaml.MappingNode {
		p.errorf(node, "expected a mapping")
		return nil
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		p.errorf(node, "%v", err)
		return nil
	}
	return raw
}

func (p *parser) errorf(node *yaml.Node, format string, args ...any) {
	p.diags.Add(errdefs.Parserf(format, args...).WithPos(p.doc.Pos(node)))
}

func deref(node *yaml.Node) *yaml.Node {
	if node != nil && node.Kind == yaml.AliasNode && node.Alias != nil {
		return node.Alias
	}
	return node
}

// Entry points for materializing inline definitions. The linker calls these
// when a reference slot carries a body instead of an id.

// DecodeStep builds a step from a raw definition body.
func DecodeStep(raw map[string]any, pos errdefs.Position) (Step, error) {
	return decodeVariant(raw, pos, "step", stepTypes)
}

// DecodeModel builds a model from a raw definition body.
func DecodeModel(raw map[string]any, pos errdefs.Position) (ModelDef, error) {
	return decodeVariant(raw, pos, "model", modelTypes)
}

// DecodeAuth builds an authorization provider from a raw definition body.
func DecodeAuth(raw map[string]any, pos errdefs.Position) (AuthDef, error) {
	return decodeVariant(raw, pos, "auth", authTypes)
}

// DecodeTool builds a tool from a raw definition body.
func DecodeTool(raw map[string]any, pos errdefs.Position) (ToolDef, error) {
	return decodeVariant(raw, pos, "tool", toolTypes)
}

// DecodeIndex builds an index from a raw definition body.
func DecodeIndex(raw map[string]any, pos errdefs.Position) (IndexDef, error) {
	return decodeVariant(raw, pos, "index", indexTypes)
}

// DecodeMemory builds a memory from a raw definition body. Memories carry no
// type discriminator.
func DecodeMemory(raw map[string]any, pos errdefs.Position) (*Memory, error) {
	m := &Memory{}
	if err := decodeEntity(raw, m, pos); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeFlow builds a flow from a raw definition body, including its steps.
func DecodeFlow(raw map[string]any, pos errdefs.Position) (*Flow, error) {
	body := maps.Clone(raw)
	delete(body, "type")
	rawSteps, _ := body["steps"].([]any)
	delete(body, "steps")

	flow := &Flow{}
	if err := decode(body, flow); err != nil {
		return nil, parseError(err, pos)
	}
	flow.setPos(pos)

	for i, rs := range rawSteps {
		stepRaw, ok := rs.(map[string]any)
		if !ok {
			return nil, errdefs.Parserf("step %d of flow '%s' must be a mapping", i, flow.ID).
				WithReason(errdefs.ReasonFieldInvalid).
				WithPos(pos)
		}
		step, err := DecodeStep(stepRaw, pos)
		if err != nil {
			return nil, err
		}
		flow.Steps = append(flow.Steps, step)
	}

	flow.SetDefaults()
	if err := flow.Validate(); err != nil {
		return nil, invalidf(err, pos)
	}
	return flow, nil
}

func decodeVariant[T Entity](raw map[string]any, pos errdefs.Position, label string, table map[string]func() T) (T, error) {
	var zero T
	tag, ok := raw["type"].(string)
	if !ok || tag == "" {
		return zero, errdefs.Parserf("%s definition is missing its type", label).
			WithReason(errdefs.ReasonDiscriminatorMissing).
			WithPos(pos)
	}
	build, ok := table[tag]
	if !ok {
		return zero, errdefs.Parserf("unknown %s type '%s' (known: %v)", label, tag, mapKeys(table)).
			WithReason(errdefs.ReasonUnknownVariant).
			WithPos(pos)
	}
	entity := build()
	body := maps.Clone(raw)
	delete(body, "type")
	if err := decodeEntity(body, entity, pos); err != nil {
		return zero, err
	}
	return entity, nil
}

func decodeEntity(raw map[string]any, entity Entity, pos errdefs.Position) error {
	if err := decode(raw, entity); err != nil {
		return parseError(err, pos)
	}
	entity.setPos(pos)
	entity.SetDefaults()
	if err := entity.Validate(); err != nil {
		return invalidf(err, pos)
	}
	return nil
}

func decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		Squash:           true,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       decodeHooks(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		refDecodeHook,
		typeRefDecodeHook,
		secretDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// refDecodeHook accepts the three reference spellings: a bare id, an
// explicit {ref: id} mapping, and an inline definition body.
func refDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Ref{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return RefTo(v), nil
	case Ref:
		return v, nil
	case map[string]any:
		if body, has := v["ref"]; has && len(v) == 1 {
			id, ok := body.(string)
			if !ok {
				return nil, fmt.Errorf("ref must be a string id, got %T", body)
			}
			return RefTo(id), nil
		}
		return InlineRef(v), nil
	}
	return nil, fmt.Errorf("expected an id, {ref: id}, or an inline definition, got %T", data)
}

func typeRefDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(TypeRef{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseTypeRef(v)
	case TypeRef:
		return v, nil
	}
	return nil, fmt.Errorf("expected a type reference string, got %T", data)
}

// secretDecodeHook accepts a literal scalar or a {secret_name, key} mapping
// pointing at the application's secret resolver.
func secretDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(secret.Value{}) {
		return data, nil
	}
	switch v := data.(type) {
	case secret.Value:
		return v, nil
	case string:
		return secret.FromLiteral(v), nil
	case map[string]any:
		name, _ := v["secret_name"].(string)
		if name == "" {
			return nil, fmt.Errorf("secret mapping requires a secret_name")
		}
		for k := range v {
			if k != "secret_name" && k != "key" {
				return nil, fmt.Errorf("unknown secret field '%s'", k)
			}
		}
		key, _ := v["key"].(string)
		return secret.FromRef(name, key), nil
	case int, int64, uint64, float64, bool:
		return secret.FromLiteral(fmt.Sprint(v)), nil
	}
	return nil, fmt.Errorf("expected a literal or {secret_name: ...}, got %T", data)
}

// parseError turns a decode failure into positioned diagnostics, splitting
// mapstructure's bundled field errors so each one reports separately.
func parseError(err error, pos errdefs.Position) error {
	var merr *mapstructure.Error
	if errors.As(err, &merr) {
		diags := &errdefs.Diagnostics{}
		for _, msg := range merr.Errors {
			diags.Add(errdefs.Parserf("%s", msg).WithReason(errdefs.ReasonFieldInvalid).WithPos(pos))
		}
		return diags.Err()
	}
	return errdefs.Wrapf(errdefs.CodeParser, err, "cannot decode definition").WithPos(pos)
}

func invalidf(err error, pos errdefs.Position) *errdefs.Error {
	return errdefs.Parserf("%v", err).WithReason(errdefs.ReasonFieldInvalid).WithPos(pos)
}

func mapKeys[T any](m map[string]T) []string {
	return slices.Sorted(maps.Keys(m))
}
