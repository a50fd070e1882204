package dsl

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Cardinality describes how a step transforms stream arity: how many
// messages it emits per message consumed.
type Cardinality string

const (
	// CardinalitySource emits messages without consuming any.
	CardinalitySource Cardinality = "Source"
	// CardinalityOneToOne emits exactly one message per input.
	CardinalityOneToOne Cardinality = "OneToOne"
	// CardinalityOneToMany fans one input out into many messages.
	CardinalityOneToMany Cardinality = "OneToMany"
	// CardinalityManyToOne drains its input stream into one message.
	CardinalityManyToOne Cardinality = "ManyToOne"
)

// DefaultConcurrency bounds in-flight messages per step when the document
// does not say otherwise.
const DefaultConcurrency = 5

// DefaultAgentMaxIterations bounds the agent tool-call cycle.
const DefaultAgentMaxIterations = 8

// Step is the contract shared by every step variant. The set of variants is
// closed; the executor factory dispatches on Type.
type Step interface {
	Entity
	Type() string
	Cardinality() Cardinality

	// Meta returns the fields shared by every variant.
	Meta() *StepMeta
}

// StepMeta carries the base step contract: identity, the flow variables the
// step consumes and produces, and its scheduling knobs.
type StepMeta struct {
	ID          string        `yaml:"id" json:"id"`
	Inputs      []string      `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs     []string      `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	entityPos
}

func (m *StepMeta) EntityID() string { return m.ID }
func (m *StepMeta) Meta() *StepMeta  { return m }

func (m *StepMeta) SetDefaults() {
	if m.Concurrency == 0 {
		m.Concurrency = DefaultConcurrency
	}
}

func (m *StepMeta) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("step is missing an id")
	}
	if m.Concurrency < 1 {
		return fmt.Errorf("step '%s': concurrency must be positive", m.ID)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("step '%s': timeout cannot be negative", m.ID)
	}
	for _, list := range [][]string{m.Inputs, m.Outputs} {
		seen := make(map[string]bool, len(list))
		for _, id := range list {
			if id == "" {
				return fmt.Errorf("step '%s' names an empty variable", m.ID)
			}
			if seen[id] {
				return fmt.Errorf("step '%s' names variable '%s' twice", m.ID, id)
			}
			seen[id] = true
		}
	}
	return nil
}

// autoOutput is implemented by steps that synthesize a default output
// variable when the document declares none.
type autoOutput interface {
	defaultOutput() *Variable
}

// LLMInference sends the accumulated context to a generative model and
// writes the response. With no declared outputs it writes {id}.response.
type LLMInference struct {
	StepMeta

	Model         Ref    `yaml:"model" json:"model"`
	Memory        Ref    `yaml:"memory,omitempty" json:"memory,omitempty"`
	SystemMessage string `yaml:"system_message,omitempty" json:"system_message,omitempty"`
}

func (s *LLMInference) Type() string             { return "LLMInference" }
func (s *LLMInference) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *LLMInference) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Model.IsZero() {
		return fmt.Errorf("step '%s' is missing a model", s.ID)
	}
	return nil
}

func (s *LLMInference) defaultOutput() *Variable {
	return &Variable{ID: s.ID + ".response", Type: PrimitiveRef(KindText)}
}

// Agent is an LLMInference that may call tools. The model drives the
// tool-call cycle until it produces a final message or MaxIterations runs
// out.
type Agent struct {
	LLMInference

	Tools         []Ref `yaml:"tools,omitempty" json:"tools,omitempty"`
	MaxIterations int   `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

func (s *Agent) Type() string { return "Agent" }

func (s *Agent) SetDefaults() {
	s.LLMInference.SetDefaults()
	if s.MaxIterations == 0 {
		s.MaxIterations = DefaultAgentMaxIterations
	}
}

func (s *Agent) Validate() error {
	if err := s.LLMInference.Validate(); err != nil {
		return err
	}
	if s.MaxIterations < 1 {
		return fmt.Errorf("step '%s': max_iterations must be positive", s.ID)
	}
	return nil
}

// PromptTemplate substitutes message variables into a template. Placeholders
// use {name} syntax; doubled braces escape literals. Writes {id}.prompt when
// no output is declared.
type PromptTemplate struct {
	StepMeta

	Template string `yaml:"template" json:"template"`
}

func (s *PromptTemplate) Type() string             { return "PromptTemplate" }
func (s *PromptTemplate) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *PromptTemplate) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Template == "" {
		return fmt.Errorf("step '%s' is missing a template", s.ID)
	}
	if _, err := TemplatePlaceholders(s.Template); err != nil {
		return fmt.Errorf("step '%s': %w", s.ID, err)
	}
	if len(s.Outputs) > 1 {
		return fmt.Errorf("step '%s' must produce exactly one output", s.ID)
	}
	return nil
}

func (s *PromptTemplate) defaultOutput() *Variable {
	return &Variable{ID: s.ID + ".prompt", Type: PrimitiveRef(KindText)}
}

// InvokeTool calls a declared tool. InputBindings maps tool parameter ids to
// flow variable ids; OutputBindings maps tool output ids back. Unbound
// parameters match flow variables by name.
type InvokeTool struct {
	StepMeta

	Tool           Ref               `yaml:"tool" json:"tool"`
	InputBindings  map[string]string `yaml:"input_bindings,omitempty" json:"input_bindings,omitempty"`
	OutputBindings map[string]string `yaml:"output_bindings,omitempty" json:"output_bindings,omitempty"`
}

func (s *InvokeTool) Type() string             { return "InvokeTool" }
func (s *InvokeTool) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *InvokeTool) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Tool.IsZero() {
		return fmt.Errorf("step '%s' is missing a tool", s.ID)
	}
	return nil
}

// InvokeFlow runs another flow to completion per message, with only the
// bound variables crossing the boundary.
type InvokeFlow struct {
	StepMeta

	Flow           Ref               `yaml:"flow" json:"flow"`
	InputBindings  map[string]string `yaml:"input_bindings,omitempty" json:"input_bindings,omitempty"`
	OutputBindings map[string]string `yaml:"output_bindings,omitempty" json:"output_bindings,omitempty"`
}

func (s *InvokeFlow) Type() string             { return "InvokeFlow" }
func (s *InvokeFlow) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *InvokeFlow) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Flow.IsZero() {
		return fmt.Errorf("step '%s' is missing a flow", s.ID)
	}
	return nil
}

// Condition routes each message to one of two branch steps by comparing the
// step's input value with the value of the Equals variable. Branches name
// sibling steps or embed them inline.
type Condition struct {
	StepMeta

	Equals string `yaml:"equals" json:"equals"`
	Then   Ref    `yaml:"then" json:"then"`
	Else   Ref    `yaml:"else,omitempty" json:"else,omitempty"`
}

func (s *Condition) Type() string             { return "Condition" }
func (s *Condition) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *Condition) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Equals == "" {
		return fmt.Errorf("step '%s' is missing an equals variable", s.ID)
	}
	if s.Then.IsZero() {
		return fmt.Errorf("step '%s' is missing a then branch", s.ID)
	}
	return nil
}

// FileSource reads a local file and emits one message per record, binding
// columns or fields to the step's outputs.
type FileSource struct {
	StepMeta

	Path      string `yaml:"path" json:"path"`
	Format    string `yaml:"format,omitempty" json:"format,omitempty"`
	Delimiter string `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
	NoHeader  bool   `yaml:"no_header,omitempty" json:"no_header,omitempty"`
}

func (s *FileSource) Type() string             { return "FileSource" }
func (s *FileSource) Cardinality() Cardinality { return CardinalitySource }

func (s *FileSource) SetDefaults() {
	s.StepMeta.SetDefaults()
	if s.Format == "" {
		switch strings.ToLower(filepath.Ext(s.Path)) {
		case ".jsonl", ".ndjson":
			s.Format = "jsonl"
		case ".xlsx":
			s.Format = "xlsx"
		case ".txt", ".log":
			s.Format = "lines"
		default:
			s.Format = "csv"
		}
	}
	if s.Delimiter == "" {
		s.Delimiter = ","
	}
}

func (s *FileSource) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Path == "" {
		return fmt.Errorf("step '%s' is missing a path", s.ID)
	}
	switch s.Format {
	case "csv", "jsonl", "xlsx", "lines":
	default:
		return fmt.Errorf("step '%s': unsupported format '%s'", s.ID, s.Format)
	}
	if len(s.Delimiter) != 1 {
		return fmt.Errorf("step '%s': delimiter must be a single character", s.ID)
	}
	return nil
}

// SQLSource runs a query and emits one message per row, binding columns to
// the step's outputs. The driver is picked from the connection string
// scheme.
type SQLSource struct {
	StepMeta

	Connection string `yaml:"connection" json:"connection"`
	Query      string `yaml:"query" json:"query"`
	Auth       Ref    `yaml:"auth,omitempty" json:"auth,omitempty"`
}

func (s *SQLSource) Type() string             { return "SQLSource" }
func (s *SQLSource) Cardinality() Cardinality { return CardinalitySource }

func (s *SQLSource) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Connection == "" {
		return fmt.Errorf("step '%s' is missing a connection", s.ID)
	}
	if s.Query == "" {
		return fmt.Errorf("step '%s' is missing a query", s.ID)
	}
	return nil
}

// DocumentSource reads documents through a registered reader module and
// emits one message per document.
type DocumentSource struct {
	StepMeta

	ReaderModule string         `yaml:"reader_module" json:"reader_module"`
	Args         map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	LoaderArgs   map[string]any `yaml:"loader_args,omitempty" json:"loader_args,omitempty"`
}

func (s *DocumentSource) Type() string             { return "DocumentSource" }
func (s *DocumentSource) Cardinality() Cardinality { return CardinalitySource }

func (s *DocumentSource) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.ReaderModule == "" {
		return fmt.Errorf("step '%s' is missing a reader_module", s.ID)
	}
	return nil
}

// DocumentSplitter fans one document out into chunks, one message per chunk,
// each retaining the parent document id.
type DocumentSplitter struct {
	StepMeta

	SplitterName string `yaml:"splitter_name,omitempty" json:"splitter_name,omitempty"`
	ChunkSize    int    `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	ChunkOverlap int    `yaml:"chunk_overlap,omitempty" json:"chunk_overlap,omitempty"`
}

func (s *DocumentSplitter) Type() string             { return "DocumentSplitter" }
func (s *DocumentSplitter) Cardinality() Cardinality { return CardinalityOneToMany }

func (s *DocumentSplitter) SetDefaults() {
	s.StepMeta.SetDefaults()
	if s.SplitterName == "" {
		s.SplitterName = "recursive"
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = 512
	}
	if s.ChunkOverlap == 0 {
		s.ChunkOverlap = 50
	}
}

func (s *DocumentSplitter) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("step '%s': chunk_size must be positive", s.ID)
	}
	if s.ChunkOverlap < 0 || s.ChunkOverlap >= s.ChunkSize {
		return fmt.Errorf("step '%s': chunk_overlap must be smaller than chunk_size", s.ID)
	}
	return nil
}

// DocumentEmbedder fills chunk vectors through an embedding model. BatchSize
// groups chunks into one provider call; zero embeds them one by one.
type DocumentEmbedder struct {
	StepMeta

	Model     Ref `yaml:"model" json:"model"`
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

func (s *DocumentEmbedder) Type() string             { return "DocumentEmbedder" }
func (s *DocumentEmbedder) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *DocumentEmbedder) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Model.IsZero() {
		return fmt.Errorf("step '%s' is missing a model", s.ID)
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("step '%s': batch_size cannot be negative", s.ID)
	}
	return nil
}

// VectorSearch queries a vector index with the input embedding or text and
// writes the scored results.
type VectorSearch struct {
	StepMeta

	Index          Ref            `yaml:"index" json:"index"`
	DefaultTopK    int            `yaml:"default_top_k,omitempty" json:"default_top_k,omitempty"`
	ScoreThreshold float64        `yaml:"score_threshold,omitempty" json:"score_threshold,omitempty"`
	Filters        map[string]any `yaml:"filters,omitempty" json:"filters,omitempty"`
}

func (s *VectorSearch) Type() string             { return "VectorSearch" }
func (s *VectorSearch) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *VectorSearch) SetDefaults() {
	s.StepMeta.SetDefaults()
	if s.DefaultTopK == 0 {
		s.DefaultTopK = 10
	}
}

func (s *VectorSearch) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Index.IsZero() {
		return fmt.Errorf("step '%s' is missing an index", s.ID)
	}
	if s.DefaultTopK < 1 {
		return fmt.Errorf("step '%s': default_top_k must be positive", s.ID)
	}
	return nil
}

// DocumentSearch queries a document index by keyword.
type DocumentSearch struct {
	StepMeta

	Index        Ref            `yaml:"index" json:"index"`
	MaxResults   int            `yaml:"max_results,omitempty" json:"max_results,omitempty"`
	SearchFields []string       `yaml:"search_fields,omitempty" json:"search_fields,omitempty"`
	Filters      map[string]any `yaml:"filters,omitempty" json:"filters,omitempty"`
}

func (s *DocumentSearch) Type() string             { return "DocumentSearch" }
func (s *DocumentSearch) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *DocumentSearch) SetDefaults() {
	s.StepMeta.SetDefaults()
	if s.MaxResults == 0 {
		s.MaxResults = 10
	}
}

func (s *DocumentSearch) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Index.IsZero() {
		return fmt.Errorf("step '%s' is missing an index", s.ID)
	}
	if s.MaxResults < 1 {
		return fmt.Errorf("step '%s': max_results must be positive", s.ID)
	}
	return nil
}

// IndexUpsert writes the input chunks or documents into an index and
// forwards them. BatchSize groups writes into one backend call.
type IndexUpsert struct {
	StepMeta

	Index     Ref `yaml:"index" json:"index"`
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

func (s *IndexUpsert) Type() string             { return "IndexUpsert" }
func (s *IndexUpsert) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *IndexUpsert) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Index.IsZero() {
		return fmt.Errorf("step '%s' is missing an index", s.ID)
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("step '%s': batch_size cannot be negative", s.ID)
	}
	return nil
}

// Reranker reorders a list of search results with a rerank model and keeps
// the top N.
type Reranker struct {
	StepMeta

	Model Ref `yaml:"model" json:"model"`
	TopN  int `yaml:"top_n,omitempty" json:"top_n,omitempty"`
}

func (s *Reranker) Type() string             { return "Reranker" }
func (s *Reranker) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *Reranker) SetDefaults() {
	s.StepMeta.SetDefaults()
	if s.TopN == 0 {
		s.TopN = 5
	}
}

func (s *Reranker) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Model.IsZero() {
		return fmt.Errorf("step '%s' is missing a model", s.ID)
	}
	if s.TopN < 1 {
		return fmt.Errorf("step '%s': top_n must be positive", s.ID)
	}
	return nil
}

// Aggregate drains its input stream and emits exactly one message carrying
// the run's statistics. Writes {id}.stats when no output is declared.
type Aggregate struct {
	StepMeta
}

func (s *Aggregate) Type() string             { return "Aggregate" }
func (s *Aggregate) Cardinality() Cardinality { return CardinalityManyToOne }

func (s *Aggregate) defaultOutput() *Variable {
	return &Variable{ID: s.ID + ".stats", Type: CustomRef("AggregateStats")}
}

// Explode emits one message per element of a list-typed input, replacing the
// list with the element.
type Explode struct {
	StepMeta
}

func (s *Explode) Type() string             { return "Explode" }
func (s *Explode) Cardinality() Cardinality { return CardinalityOneToMany }

// Collect gathers messages into a single message carrying a list. Size
// bounds each batch; zero collects until the upstream completes.
type Collect struct {
	StepMeta

	Size int `yaml:"size,omitempty" json:"size,omitempty"`
}

func (s *Collect) Type() string             { return "Collect" }
func (s *Collect) Cardinality() Cardinality { return CardinalityManyToOne }

func (s *Collect) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.Size < 0 {
		return fmt.Errorf("step '%s': size cannot be negative", s.ID)
	}
	return nil
}

// FieldExtractor projects a value out of a structured input with a JSONPath
// expression.
type FieldExtractor struct {
	StepMeta

	JSONPath string `yaml:"json_path" json:"json_path"`
}

func (s *FieldExtractor) Type() string             { return "FieldExtractor" }
func (s *FieldExtractor) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *FieldExtractor) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.JSONPath == "" {
		return fmt.Errorf("step '%s' is missing a json_path", s.ID)
	}
	return nil
}

// Construct assembles a custom-typed value from the step's inputs. Bindings
// map type fields to input variables; unbound fields match by name.
type Construct struct {
	StepMeta

	OutputType TypeRef           `yaml:"output_type" json:"output_type"`
	Bindings   map[string]string `yaml:"bindings,omitempty" json:"bindings,omitempty"`
}

func (s *Construct) Type() string             { return "Construct" }
func (s *Construct) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *Construct) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	if s.OutputType.IsZero() {
		return fmt.Errorf("step '%s' is missing an output_type", s.ID)
	}
	return nil
}

// Decoder parses a text or bytes input into structured form.
type Decoder struct {
	StepMeta

	Format     string  `yaml:"format" json:"format"`
	Schema     TypeRef `yaml:"schema,omitempty" json:"schema,omitempty"`
	StrictMode bool    `yaml:"strict_mode,omitempty" json:"strict_mode,omitempty"`
	Fallback   any     `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Pattern    string  `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Delimiter  string  `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
}

func (s *Decoder) Type() string             { return "Decoder" }
func (s *Decoder) Cardinality() Cardinality { return CardinalityOneToOne }

func (s *Decoder) SetDefaults() {
	s.StepMeta.SetDefaults()
	if s.Delimiter == "" {
		s.Delimiter = ","
	}
}

func (s *Decoder) Validate() error {
	if err := s.StepMeta.Validate(); err != nil {
		return err
	}
	switch s.Format {
	case "json", "xml", "csv":
	case "custom":
		if s.Pattern == "" {
			return fmt.Errorf("step '%s': custom format needs a pattern", s.ID)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return fmt.Errorf("step '%s': invalid pattern: %w", s.ID, err)
		}
		named := 0
		for _, name := range re.SubexpNames() {
			if name != "" {
				named++
			}
		}
		if named == 0 {
			return fmt.Errorf("step '%s': pattern needs at least one named capture group", s.ID)
		}
	case "":
		return fmt.Errorf("step '%s' is missing a format", s.ID)
	default:
		return fmt.Errorf("step '%s': unsupported format '%s'", s.ID, s.Format)
	}
	if len(s.Delimiter) != 1 {
		return fmt.Errorf("step '%s': delimiter must be a single character", s.ID)
	}
	return nil
}

// Echo forwards its inputs as outputs unchanged.
type Echo struct {
	StepMeta
}

func (s *Echo) Type() string             { return "Echo" }
func (s *Echo) Cardinality() Cardinality { return CardinalityOneToOne }
