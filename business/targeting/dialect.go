package targeting

import (
	"fmt"
	"slices"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// clientAttributes are the variables remote clients expose to targeting
// expressions.
var clientAttributes = map[string]*cel.Type{
	"version":             cel.StringType,
	"app_version":         cel.StringType,
	"locale":              cel.StringType,
	"language":            cel.StringType,
	"region":              cel.StringType,
	"activeExperiments":   cel.ListType(cel.StringType),
	"activeRollouts":      cel.ListType(cel.StringType),
	"is_already_enrolled": cel.BoolType,
	"isFirstStartup":      cel.BoolType,
	"is_first_run":        cel.BoolType,
	"browserSettings":     cel.MapType(cel.StringType, cel.DynType),
	"os":                  cel.MapType(cel.StringType, cel.DynType),
	"profileAgeCreated":   cel.IntType,
	"currentDate":         cel.IntType,
	"days_since_install":  cel.IntType,
	"days_since_update":   cel.IntType,
}

// Client is the evaluation context of one remote client.
type Client struct {
	Attributes   map[string]any
	UserSetPrefs []string
}

func newEnv(prefIsUserSet func(string) bool) (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(clientAttributes)+2)
	names := make([]string, 0, len(clientAttributes))
	for name := range clientAttributes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		opts = append(opts, cel.Variable(name, clientAttributes[name]))
	}
	opts = append(opts,
		cel.Function("versionCompare",
			cel.Overload("versionCompare_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.IntType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					a, ok := lhs.(types.String)
					if !ok {
						return types.MaybeNoSuchOverloadErr(lhs)
					}
					b, ok := rhs.(types.String)
					if !ok {
						return types.MaybeNoSuchOverloadErr(rhs)
					}
					return types.Int(CompareVersions(string(a), string(b)))
				}),
			),
		),
		cel.Function("preferenceIsUserSet",
			cel.Overload("preferenceIsUserSet_string",
				[]*cel.Type{cel.StringType},
				cel.BoolType,
				cel.UnaryBinding(func(pref ref.Val) ref.Val {
					name, ok := pref.(types.String)
					if !ok {
						return types.MaybeNoSuchOverloadErr(pref)
					}
					return types.Bool(prefIsUserSet(string(name)))
				}),
			),
		),
	)
	return cel.NewEnv(opts...)
}

// Dialect compiles targeting expressions against the client attribute
// declarations.
type Dialect struct {
	env *cel.Env
}

func NewDialect() (*Dialect, error) {
	env, err := newEnv(func(string) bool { return false })
	if err != nil {
		return nil, fmt.Errorf("targeting environment: %w", err)
	}
	return &Dialect{env: env}, nil
}

// Validate checks that expr compiles and yields a bool.
func (d *Dialect) Validate(expr string) error {
	ast, issues := d.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("targeting must return bool, got %s", ast.OutputType())
	}
	return nil
}

// Evaluate runs expr for one client. Attributes the client does not report
// take their zero value.
func (d *Dialect) Evaluate(expr string, client Client) (bool, error) {
	env, err := newEnv(func(name string) bool { return slices.Contains(client.UserSetPrefs, name) })
	if err != nil {
		return false, fmt.Errorf("targeting environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("compile: %w", issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("program: %w", err)
	}

	activation := make(map[string]any, len(clientAttributes))
	for name, t := range clientAttributes {
		activation[name] = zeroValue(t)
	}
	for name, v := range client.Attributes {
		activation[name] = v
	}

	out, _, err := prog.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("targeting returned %T, not bool", out.Value())
	}
	return matched, nil
}

func zeroValue(t *cel.Type) any {
	switch {
	case t.IsExactType(cel.StringType):
		return ""
	case t.IsExactType(cel.BoolType):
		return false
	case t.IsExactType(cel.IntType):
		return int64(0)
	case t.Kind() == types.ListKind:
		return []string{}
	}
	return map[string]any{}
}
