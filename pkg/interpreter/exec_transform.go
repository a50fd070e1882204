package interpreter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
)

// promptExec renders a template against the message's variables. The
// placeholder set is fixed at build time; a placeholder the message cannot
// satisfy fails that message only.
type promptExec struct {
	r            *flowRun
	s            *ir.Step
	template     string
	placeholders []string
}

func buildPromptTemplate(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.PromptTemplate)
	names, err := dsl.TemplatePlaceholders(def.Template)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.CodeFatal, err, "step '%s': bad template", step.ID()).
			WithReason(errdefs.ReasonTemplateError)
	}
	x := &promptExec{r: r, s: step, template: def.Template, placeholders: names}
	return newMapStage(r, step, nil, x.render), nil
}

func (x *promptExec) render(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	vars := make(map[string]any, len(x.placeholders))
	for _, name := range x.placeholders {
		v, ok := msg.Var(name)
		if !ok {
			return nil, errdefs.Failuref("step '%s': template variable '%s' missing from message",
				x.s.ID(), name).WithReason(errdefs.ReasonTemplateError)
		}
		vars[name] = v
	}
	text, err := dsl.RenderTemplate(x.template, vars)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.CodeMessageFailure, err, "step '%s'", x.s.ID()).
			WithReason(errdefs.ReasonTemplateError)
	}
	out := x.s.Outputs()[0]
	return []*FlowMessage{msg.WithVar(out.ID(), text)}, nil
}

// echoExec forwards input values to output variables positionally.
type echoExec struct {
	r *flowRun
	s *ir.Step
}

func buildEcho(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	x := &echoExec{r: r, s: step}
	return newMapStage(r, step, nil, x.forward), nil
}

func (x *echoExec) forward(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	out := msg
	inputs, outputs := x.s.Inputs(), x.s.Outputs()
	for i, o := range outputs {
		if i >= len(inputs) {
			break
		}
		v, ok, err := requireVar(msg, x.s.ID(), inputs[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = out.WithVar(o.ID(), v)
	}
	return []*FlowMessage{out}, nil
}

// extractExec selects one value out of a structured input with a compiled
// path expression.
type extractExec struct {
	r     *flowRun
	s     *ir.Step
	steps []pathStep
}

func buildFieldExtractor(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.FieldExtractor)
	steps, err := parsePath(def.JSONPath)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.CodeFatal, err, "step '%s': bad json_path", step.ID())
	}
	x := &extractExec{r: r, s: step, steps: steps}
	return newMapStage(r, step, nil, x.extract), nil
}

func (x *extractExec) extract(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	in := x.s.Inputs()[0]
	out := x.s.Outputs()[0]
	raw, ok, err := requireVar(msg, x.s.ID(), in)
	if err != nil || !ok {
		return []*FlowMessage{msg}, err
	}
	doc, err := toJSONValue(raw)
	if err != nil {
		return nil, errdefs.Failuref("step '%s': %v", x.s.ID(), err)
	}
	v, err := evalPath(x.steps, doc)
	if err != nil {
		return nil, errdefs.Failuref("step '%s': %v", x.s.ID(), err)
	}
	v = coerceToType(v, out.Type(), x.r.it.app.Types())
	if err := dsl.ValidateValue(v, out.Type(), x.r.it.app.Types()); err != nil {
		return nil, errdefs.Failuref("step '%s': extracted value: %v", x.s.ID(), err)
	}
	return []*FlowMessage{msg.WithVar(out.ID(), v)}, nil
}

// constructExec assembles a custom-typed value from the message's variables,
// one field per binding.
type constructExec struct {
	r   *flowRun
	s   *ir.Step
	def *dsl.Construct
	typ *dsl.TypeDef
}

func buildConstruct(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.Construct)
	ref := def.OutputType.Required()
	typ, ok := r.it.app.Types().Lookup(ref.CustomID())
	if !ok || !typ.IsObject() {
		return nil, errdefs.Fatalf("step '%s': output type %s is not an object type", step.ID(), def.OutputType)
	}
	x := &constructExec{r: r, s: step, def: def, typ: typ}
	return newMapStage(r, step, nil, x.assemble), nil
}

func (x *constructExec) assemble(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	value := make(map[string]any, len(x.typ.Fields))
	for _, f := range x.typ.Fields {
		varID := f.Name
		if bound, ok := x.def.Bindings[f.Name]; ok {
			varID = bound
		}
		v, ok := msg.Var(varID)
		if !ok {
			if f.Type.IsOptional() {
				continue
			}
			return nil, errdefs.Failuref("step '%s': no value for field '%s'", x.s.ID(), f.Name)
		}
		value[f.Name] = coerceToType(v, f.Type, x.r.it.app.Types())
	}
	out := x.s.Outputs()[0]
	if err := dsl.ValidateValue(value, out.Type(), x.r.it.app.Types()); err != nil {
		return nil, errdefs.Failuref("step '%s': constructed value: %v", x.s.ID(), err)
	}
	return []*FlowMessage{msg.WithVar(out.ID(), value)}, nil
}

// decoderExec parses a text input into structured form. Strict mode fails
// the message on any parse error; lenient mode salvages what it can and
// falls back to the declared fallback value.
type decoderExec struct {
	r       *flowRun
	s       *ir.Step
	def     *dsl.Decoder
	pattern *regexp.Regexp
}

func buildDecoder(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.Decoder)
	x := &decoderExec{r: r, s: step, def: def}
	if def.Format == "custom" {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.CodeFatal, err, "step '%s': bad pattern", step.ID())
		}
		x.pattern = re
	}
	return newMapStage(r, step, nil, x.decode), nil
}

func (x *decoderExec) decode(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	in := x.s.Inputs()[0]
	out := x.s.Outputs()[0]
	raw, ok, err := requireVar(msg, x.s.ID(), in)
	if err != nil || !ok {
		return []*FlowMessage{msg}, err
	}
	text := formatValue(raw)

	var v any
	var decodeErr error
	switch x.def.Format {
	case "json":
		v, decodeErr = x.decodeJSON(text)
	case "xml":
		v, decodeErr = decodeXML(text)
	case "csv":
		v, decodeErr = x.decodeCSV(text)
	case "custom":
		v, decodeErr = x.decodeCustom(text)
	default:
		return nil, errdefs.Fatalf("step '%s': unsupported format '%s'", x.s.ID(), x.def.Format)
	}
	if decodeErr != nil {
		if !x.def.StrictMode && x.def.Fallback != nil {
			v = x.def.Fallback
		} else {
			return nil, errdefs.Failuref("step '%s': decode %s: %v", x.s.ID(), x.def.Format, decodeErr)
		}
	}

	target := out.Type()
	if !x.def.Schema.IsZero() {
		target = x.def.Schema
	}
	v = coerceToType(v, target, x.r.it.app.Types())
	if err := dsl.ValidateValue(v, target, x.r.it.app.Types()); err != nil {
		return nil, errdefs.Failuref("step '%s': decoded value: %v", x.s.ID(), err)
	}
	return []*FlowMessage{msg.WithVar(out.ID(), v)}, nil
}

func (x *decoderExec) decodeJSON(text string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(text), &v)
	if err == nil {
		return v, nil
	}
	if x.def.StrictMode {
		return nil, err
	}
	// Models wrap JSON in prose and code fences; dig the document out.
	salvaged, ok := embeddedJSON(text)
	if !ok {
		return nil, errors.New("input is not a JSON document")
	}
	if err := json.Unmarshal([]byte(salvaged), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// embeddedJSON finds the first balanced object or array inside free text.
func embeddedJSON(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	open := text[start]
	var closing byte = '}'
	if open == '[' {
		closing = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// decodeXML walks the token stream into nested maps: child elements become
// fields, repeated children become lists, character data becomes the value
// of leaf elements.
func decodeXML(text string) (any, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			v, err := decodeXMLElement(dec, start)
			if err != nil {
				return nil, err
			}
			return map[string]any{start.Name.Local: v}, nil
		}
	}
}

func decodeXMLElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	fields := make(map[string]any)
	for _, attr := range start.Attr {
		fields[attr.Name.Local] = attr.Value
	}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("unexpected end of document")
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeXMLElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			switch existing := fields[name].(type) {
			case nil:
				fields[name] = child
			case []any:
				fields[name] = append(existing, child)
			default:
				fields[name] = []any{existing, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(fields) == 0 {
				return strings.TrimSpace(text.String()), nil
			}
			return fields, nil
		}
	}
}

// decodeCSV parses the whole input, binding rows to the header, and returns
// a list of row objects.
func (x *decoderExec) decodeCSV(text string) (any, error) {
	rd := csv.NewReader(strings.NewReader(text))
	rd.Comma = []rune(x.def.Delimiter)[0]
	records, err := rd.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("input has no rows")
	}
	header := records[0]
	rows := make([]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[strings.TrimSpace(name)] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decodeCustom matches the pattern and binds named capture groups to fields.
func (x *decoderExec) decodeCustom(text string) (any, error) {
	match := x.pattern.FindStringSubmatch(text)
	if match == nil {
		return nil, errors.New("pattern did not match")
	}
	fields := make(map[string]any)
	for i, name := range x.pattern.SubexpNames() {
		if name != "" && i < len(match) {
			fields[name] = match[i]
		}
	}
	return fields, nil
}
