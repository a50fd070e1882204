package interpreter

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel/attribute"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
	"github.com/qtype-ai/qtype/pkg/rag"
)

// sourceStage runs a head executor: for each seed it receives, it streams
// generated record messages downstream. Records inherit the seed's
// variables, so flow inputs stay visible next to every record. A generation
// error that is not fatal becomes one trailing failed message; records
// already emitted stand.
type sourceStage struct {
	r   *flowRun
	s   *ir.Step
	gen func(ctx context.Context, seed *FlowMessage, emit func(*FlowMessage) error) error
}

func (s *sourceStage) step() *ir.Step { return s.s }

func (s *sourceStage) run(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	ctx, span := s.r.it.tel.StartSpan(ctx, "flow.step",
		attribute.String("step", s.s.ID()),
		attribute.String("type", s.s.Type()),
	)
	err := s.pump(ctx, in, out)
	span.End(err)
	return err
}

func (s *sourceStage) pump(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	send := func(msg *FlowMessage) error {
		select {
		case out <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		var seed *FlowMessage
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			seed = m
		}
		if seed.Failed() {
			if err := send(seed); err != nil {
				return err
			}
			continue
		}

		s.r.emit(Event{Kind: EventStartStep, StepID: s.s.ID()})
		start := time.Now()
		count := 0
		genCtx, cancel := ctx, context.CancelFunc(func() {})
		if t := s.s.Timeout(); t > 0 {
			genCtx, cancel = context.WithTimeout(ctx, t)
		}
		err := s.gen(genCtx, seed, func(msg *FlowMessage) error {
			count++
			return send(msg.WithStep(s.s.ID()))
		})
		cancel()
		s.r.it.metrics.RecordStep(ctx, s.s.ID(), s.s.Type(), time.Since(start), err)

		switch {
		case err == nil:
		case errdefs.IsFatal(err):
			s.r.emit(Event{Kind: EventError, StepID: s.s.ID(), Error: err.Error()})
			return err
		case errdefs.IsCancelled(err) && ctx.Err() != nil:
			return err
		default:
			if errdefs.IsCancelled(err) {
				err = errdefs.Wrapf(errdefs.CodeMessageFailure, err, "step '%s' timed out", s.s.ID())
			}
			s.r.emit(Event{Kind: EventError, StepID: s.s.ID(), Error: err.Error()})
			if sendErr := send(seed.WithError(err).WithStep(s.s.ID())); sendErr != nil {
				return sendErr
			}
		}
		s.r.emit(Event{Kind: EventFinishStep, StepID: s.s.ID()})
		s.r.it.log.DebugContext(ctx, "source drained", "step", s.s.ID(), "records", count)
	}
}

// fileSourceExec reads a local file record by record. CSV columns bind to
// outputs by header name, or positionally without a header; jsonl fields
// bind by name; lines feed the single text output.
type fileSourceExec struct {
	r   *flowRun
	s   *ir.Step
	def *dsl.FileSource
}

func buildFileSource(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.FileSource)
	x := &fileSourceExec{r: r, s: step, def: def}
	return &sourceStage{r: r, s: step, gen: x.read}, nil
}

func (x *fileSourceExec) read(ctx context.Context, seed *FlowMessage, emit func(*FlowMessage) error) error {
	f, err := os.Open(x.def.Path)
	if err != nil {
		return errdefs.Failuref("step '%s': open %s: %v", x.s.ID(), x.def.Path, err)
	}
	defer f.Close()

	switch x.def.Format {
	case "csv":
		return x.readCSV(ctx, f, seed, emit)
	case "jsonl":
		return x.readJSONL(ctx, f, seed, emit)
	case "xlsx":
		return x.readXLSX(ctx, f, seed, emit)
	default:
		return x.readLines(ctx, f, seed, emit)
	}
}

// columnIndex maps output ids to record positions: by header name, or
// positionally when the file carries none.
func (x *fileSourceExec) columnIndex(header []string) (map[string]int, error) {
	outputs := x.s.Outputs()
	cols := make(map[string]int, len(outputs))
	if header == nil {
		for i, o := range outputs {
			cols[o.ID()] = i
		}
		return cols, nil
	}
	byName := make(map[string]int, len(header))
	for i, name := range header {
		byName[strings.TrimSpace(name)] = i
	}
	for _, o := range outputs {
		idx, ok := byName[o.ID()]
		if !ok {
			if o.Optional() {
				continue
			}
			return nil, errdefs.Failuref("step '%s': %s has no column '%s'", x.s.ID(), x.def.Path, o.ID())
		}
		cols[o.ID()] = idx
	}
	return cols, nil
}

func (x *fileSourceExec) rowVars(rec []string, cols map[string]int) (map[string]any, error) {
	outputs := x.s.Outputs()
	vars := make(map[string]any, len(cols))
	for _, o := range outputs {
		idx, ok := cols[o.ID()]
		if !ok {
			continue
		}
		if idx >= len(rec) {
			return nil, errdefs.Failuref("step '%s': row has %d fields, column '%s' is at %d",
				x.s.ID(), len(rec), o.ID(), idx)
		}
		v, err := coerceScalar(rec[idx], o.Type())
		if err != nil {
			return nil, errdefs.Failuref("step '%s': column '%s': %v", x.s.ID(), o.ID(), err)
		}
		vars[o.ID()] = v
	}
	return vars, nil
}

func (x *fileSourceExec) readCSV(ctx context.Context, f io.Reader, seed *FlowMessage, emit func(*FlowMessage) error) error {
	rd := csv.NewReader(f)
	rd.Comma = []rune(x.def.Delimiter)[0]

	var header []string
	if !x.def.NoHeader {
		h, err := rd.Read()
		if err != nil {
			return errdefs.Failuref("step '%s': read header of %s: %v", x.s.ID(), x.def.Path, err)
		}
		header = h
	}
	cols, err := x.columnIndex(header)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return errdefs.Cancelledf("file source interrupted: %v", ctx.Err())
		}
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errdefs.Failuref("step '%s': read %s: %v", x.s.ID(), x.def.Path, err)
		}
		vars, rowErr := x.rowVars(rec, cols)
		msg := seed.WithVars(vars)
		if rowErr != nil {
			msg = seed.WithError(rowErr)
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
}

// readXLSX binds the first sheet's columns the way csv does: by header row
// unless no_header, positionally otherwise. Trailing cells excelize drops on
// ragged rows count as missing fields.
func (x *fileSourceExec) readXLSX(ctx context.Context, f io.Reader, seed *FlowMessage, emit func(*FlowMessage) error) error {
	wb, err := excelize.OpenReader(f)
	if err != nil {
		return errdefs.Failuref("step '%s': open %s: %v", x.s.ID(), x.def.Path, err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return errdefs.Failuref("step '%s': read %s: %v", x.s.ID(), x.def.Path, err)
	}
	var header []string
	if !x.def.NoHeader {
		if len(rows) == 0 {
			return errdefs.Failuref("step '%s': %s has no header row", x.s.ID(), x.def.Path)
		}
		header = rows[0]
		rows = rows[1:]
	}
	cols, err := x.columnIndex(header)
	if err != nil {
		return err
	}

	for _, rec := range rows {
		if ctx.Err() != nil {
			return errdefs.Cancelledf("file source interrupted: %v", ctx.Err())
		}
		vars, rowErr := x.rowVars(rec, cols)
		msg := seed.WithVars(vars)
		if rowErr != nil {
			msg = seed.WithError(rowErr)
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
	return nil
}

func (x *fileSourceExec) readJSONL(ctx context.Context, f io.Reader, seed *FlowMessage, emit func(*FlowMessage) error) error {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	outputs := x.s.Outputs()
	line := 0
	for sc.Scan() {
		line++
		if ctx.Err() != nil {
			return errdefs.Cancelledf("file source interrupted: %v", ctx.Err())
		}
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var fields map[string]any
		msg := seed
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			msg = seed.WithError(errdefs.Failuref("step '%s': line %d: %v", x.s.ID(), line, err))
		} else {
			vars := make(map[string]any, len(outputs))
			var rowErr error
			for _, o := range outputs {
				v, ok := fields[o.ID()]
				if !ok {
					if o.Optional() {
						continue
					}
					rowErr = errdefs.Failuref("step '%s': line %d has no field '%s'", x.s.ID(), line, o.ID())
					break
				}
				v = coerceToType(v, o.Type(), x.r.it.app.Types())
				if err := dsl.ValidateValue(v, o.Type(), x.r.it.app.Types()); err != nil {
					rowErr = errdefs.Failuref("step '%s': line %d: field '%s': %v", x.s.ID(), line, o.ID(), err)
					break
				}
				vars[o.ID()] = v
			}
			if rowErr != nil {
				msg = seed.WithError(rowErr)
			} else {
				msg = seed.WithVars(vars)
			}
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errdefs.Failuref("step '%s': read %s: %v", x.s.ID(), x.def.Path, err)
	}
	return nil
}

func (x *fileSourceExec) readLines(ctx context.Context, f io.Reader, seed *FlowMessage, emit func(*FlowMessage) error) error {
	out := x.s.Outputs()[0]
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return errdefs.Cancelledf("file source interrupted: %v", ctx.Err())
		}
		if err := emit(seed.WithVar(out.ID(), sc.Text())); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errdefs.Failuref("step '%s': read %s: %v", x.s.ID(), x.def.Path, err)
	}
	return nil
}

// sqlSourceExec runs one query per seed and emits a message per row. The
// driver comes from the connection string scheme; credentials travel inside
// the DSN.
type sqlSourceExec struct {
	r      *flowRun
	s      *ir.Step
	def    *dsl.SQLSource
	driver string
	dsn    string
}

func buildSQLSource(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.SQLSource)
	driver, dsn, err := sqlDriver(def.Connection)
	if err != nil {
		return nil, err
	}
	x := &sqlSourceExec{r: r, s: step, def: def, driver: driver, dsn: dsn}
	return &sourceStage{r: r, s: step, gen: x.query}, nil
}

func sqlDriver(conn string) (string, string, error) {
	switch {
	case strings.HasPrefix(conn, "postgres://"), strings.HasPrefix(conn, "postgresql://"):
		return "postgres", conn, nil
	case strings.HasPrefix(conn, "mysql://"):
		return "mysql", strings.TrimPrefix(conn, "mysql://"), nil
	case strings.HasPrefix(conn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(conn, "sqlite://"), nil
	case strings.HasPrefix(conn, "sqlite3://"):
		return "sqlite3", strings.TrimPrefix(conn, "sqlite3://"), nil
	case strings.HasPrefix(conn, "file:"),
		strings.HasSuffix(conn, ".db"),
		strings.HasSuffix(conn, ".sqlite"):
		return "sqlite3", conn, nil
	default:
		return "", "", errdefs.Fatalf("sql source: unrecognized connection scheme")
	}
}

func (x *sqlSourceExec) query(ctx context.Context, seed *FlowMessage, emit func(*FlowMessage) error) error {
	db, err := sql.Open(x.driver, x.dsn)
	if err != nil {
		return errdefs.Failuref("step '%s': open database: %v", x.s.ID(), err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, x.def.Query)
	if err != nil {
		if ctx.Err() != nil {
			return errdefs.Cancelledf("sql source interrupted: %v", ctx.Err())
		}
		return errdefs.Transientf("step '%s': query: %v", x.s.ID(), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return errdefs.Failuref("step '%s': columns: %v", x.s.ID(), err)
	}
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[c] = i
	}
	outputs := x.s.Outputs()
	for _, o := range outputs {
		if _, ok := idx[o.ID()]; !ok && !o.Optional() {
			return errdefs.Failuref("step '%s': query returns no column '%s'", x.s.ID(), o.ID())
		}
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return errdefs.Failuref("step '%s': scan: %v", x.s.ID(), err)
		}
		vars := make(map[string]any, len(outputs))
		for _, o := range outputs {
			i, ok := idx[o.ID()]
			if !ok {
				continue
			}
			vars[o.ID()] = sqlValue(values[i])
		}
		if err := emit(seed.WithVars(vars)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return errdefs.Cancelledf("sql source interrupted: %v", ctx.Err())
		}
		return errdefs.Transientf("step '%s': rows: %v", x.s.ID(), err)
	}
	return nil
}

// sqlValue normalizes driver values into the document value model. MySQL
// hands strings back as []byte.
func sqlValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int64:
		return int(t)
	default:
		return v
	}
}

// documentSourceExec reads a corpus through a registered reader module and
// emits one message per document.
type documentSourceExec struct {
	r      *flowRun
	s      *ir.Step
	reader rag.Reader
}

func buildDocumentSource(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.DocumentSource)
	args := maps.Clone(def.Args)
	if args == nil && len(def.LoaderArgs) > 0 {
		args = make(map[string]any, len(def.LoaderArgs))
	}
	maps.Copy(args, def.LoaderArgs)
	reader, err := rag.NewReader(def.ReaderModule, args)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.CodeFatal, err, "step '%s'", step.ID())
	}
	x := &documentSourceExec{r: r, s: step, reader: reader}
	return &sourceStage{r: r, s: step, gen: x.read}, nil
}

func (x *documentSourceExec) read(ctx context.Context, seed *FlowMessage, emit func(*FlowMessage) error) error {
	out := x.s.Outputs()[0]
	docs, err := x.reader.Read(ctx)
	if err != nil {
		var coded *errdefs.Error
		if !errors.As(err, &coded) {
			err = errdefs.Failuref("step '%s': read documents: %v", x.s.ID(), err)
		}
		return err
	}
	for _, doc := range docs {
		if err := emit(seed.WithVar(out.ID(), doc)); err != nil {
			return err
		}
	}
	return nil
}
