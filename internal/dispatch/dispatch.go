// Package dispatch is the agent-facing protocol surface: it resolves a
// {method, params} request against the tool descriptor table, validates
// the parameters with a compiled JSON Schema, routes to the lifecycle or
// query engine, and shapes the {success, ...} response envelope. A
// request that fails validation has no side effects.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/obs"
	"github.com/basket/taskhive/internal/query"
	"github.com/basket/taskhive/internal/shared"
)

// handler executes one validated tool call and returns the result fields
// merged into the success envelope.
type handler func(ctx context.Context, p params) (map[string]any, error)

// tool pairs a descriptor with its compiled validator and handler.
type tool struct {
	name        string
	description string
	fields      []field
	schema      *jsonschema.Schema
	run         handler
}

// Dispatcher routes agent tool calls.
type Dispatcher struct {
	engine  *lifecycle.Engine
	queries *query.Engine
	logger  *slog.Logger
	metrics *obs.Metrics

	tools map[string]*tool
}

// Options configure the dispatcher. Metrics may be nil.
type Options struct {
	Engine  *lifecycle.Engine
	Queries *query.Engine
	Logger  *slog.Logger
	Metrics *obs.Metrics
}

// New builds the dispatcher and compiles every tool schema.
func New(opts Options) (*Dispatcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		engine:  opts.Engine,
		queries: opts.Queries,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tools:   make(map[string]*tool),
	}
	for _, def := range d.toolTable() {
		schema, err := compileSchema(def.name, def.fields)
		if err != nil {
			return nil, err
		}
		def.schema = schema
		if _, dup := d.tools[def.name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", def.name)
		}
		d.tools[def.name] = def
	}
	return d, nil
}

// ToolNames lists the registered methods, sorted.
func (d *Dispatcher) ToolNames() []string {
	out := make([]string, 0, len(d.tools))
	for name := range d.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe returns a tool's description and parameter schema document for
// transports that advertise tool catalogs.
func (d *Dispatcher) Describe(name string) (description string, schema map[string]any, ok bool) {
	t, ok := d.tools[name]
	if !ok {
		return "", nil, false
	}
	return t.description, schemaDoc(t.fields), true
}

// Dispatch executes one {method, params} request. The response always
// carries a success flag; failures add the kind-prefixed error string.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, paramsJSON json.RawMessage) map[string]any {
	start := time.Now()
	result, err := d.dispatch(ctx, method, paramsJSON)
	elapsed := time.Since(start)
	d.metrics.ToolCall(ctx, method, err == nil, elapsed)

	if err != nil {
		kind := fault.KindOf(err)
		d.logger.Warn("tool call failed",
			"method", method,
			"kind", string(kind),
			"elapsed", elapsed,
			"trace_id", shared.TraceID(ctx),
			"error", err,
		)
		return map[string]any{"success": false, "error": errorString(err)}
	}

	d.logger.Debug("tool call served",
		"method", method,
		"elapsed", elapsed,
		"trace_id", shared.TraceID(ctx),
	)
	envelope := map[string]any{"success": true}
	for k, v := range result {
		envelope[k] = v
	}
	return envelope
}

func (d *Dispatcher) dispatch(ctx context.Context, method string, paramsJSON json.RawMessage) (map[string]any, error) {
	t, ok := d.tools[method]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "unknown method %q", method)
	}

	if len(paramsJSON) == 0 {
		paramsJSON = json.RawMessage("{}")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which both
	// the validator and the accessors below rely on.
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(paramsJSON)))
	if err != nil {
		return nil, fault.New(fault.KindValidation, "params are not valid JSON: %v", err)
	}
	asMap, ok := decoded.(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindValidation, "params must be a JSON object")
	}

	applyDefaults(t.fields, asMap)
	if err := t.schema.Validate(asMap); err != nil {
		return nil, fault.New(fault.KindValidation, "%s", schemaErrorDetail(err))
	}
	if err := validateTimestamps(t.fields, asMap); err != nil {
		return nil, err
	}

	return t.run(ctx, params(asMap))
}

// errorString renders the kind-prefixed, credential-free error the
// envelope carries. Unclassified errors never leak internals.
func errorString(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Error()
	}
	return string(fault.KindFatal) + ": internal error"
}

// schemaErrorDetail flattens a jsonschema validation error into one line.
func schemaErrorDetail(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx > 0 {
		msg = msg[:idx]
	}
	return msg
}

// --- parameter accessors ---

// params wraps the validated parameter map. Accessors trust the schema:
// a present value has the declared type.
type params map[string]any

func (p params) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p params) str(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p params) strPtr(key string) *string {
	if v, ok := p[key].(string); ok {
		return &v
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		f, _ := n.Float64()
		return f
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func (p params) i64(key string) int64 {
	return toInt64(p[key])
}

func (p params) i64Ptr(key string) *int64 {
	if !p.has(key) {
		return nil
	}
	v := toInt64(p[key])
	return &v
}

func (p params) intOr(key string, def int) int {
	if !p.has(key) {
		return def
	}
	return int(toInt64(p[key]))
}

func (p params) f64Ptr(key string) *float64 {
	if !p.has(key) {
		return nil
	}
	v := toFloat64(p[key])
	return &v
}

func (p params) boolOr(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

func (p params) i64s(key string) []int64 {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = toInt64(v)
	}
	return out
}

func (p params) strs(key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i], _ = v.(string)
	}
	return out
}

func (p params) obj(key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

// timePtr returns an already-validated timestamp parameter.
func (p params) timePtr(key string) *time.Time {
	raw, ok := p[key].(string)
	if !ok || raw == "" {
		return nil
	}
	t, err := parseTimestamp(raw)
	if err != nil {
		return nil
	}
	return &t
}
