// Package expr compiles CEL predicates evaluated against change events, such
// as the subscription filter that decides which updates reach a callback.
package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment builds and compiles CEL programs against change events.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to event predicates:
//
//	data      the resource value carried by the event
//	uri       the event URI
//	event     the event type, e.g. "update"
//	resource  the parsed URI: namespace, type, identifier, identifierType, query
//	now       evaluation time
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.Variable("uri", cel.StringType),
		cel.Variable("event", cel.StringType),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled boolean predicate. It is safe for concurrent use.
type Program struct {
	source  string
	program cel.Program
}

// Compile checks that expression type-checks to bool (or dyn, resolved at
// evaluation) and plans it.
func (e *Environment) Compile(expression string) (Program, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Program{source: source, program: program}, nil
}

// EvalBool runs the predicate against vars. A dyn expression that yields a
// non-bool is an error.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded %s, not bool", p.source, val.Type().TypeName())
}

// Source returns the trimmed expression.
func (p Program) Source() string { return p.source }

// lookup(map, key) returns null for a missing key instead of raising an error
// the way indexing does.
func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found {
		return types.NullValue
	}
	if value == nil {
		return types.NullValue
	}
	return value
}
