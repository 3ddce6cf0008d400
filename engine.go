package bridge

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Engine is one embedded interpreter instance. Engines are not safe for
// concurrent use.
type Engine interface {
	New(opts Options) error

	RegisterObject(name string, v Value) error
	RegisterModule(name string, members []Value) error

	ParseString(ctx context.Context, source string) (Outcome, error)
	ParseFile(ctx context.Context, path string) (Outcome, error)

	IsFunction(scriptFuncName string) bool
	Call(ctx context.Context, scriptFuncName string, args ...Value) (Outcome, error)

	Close()
}

// Options configures an engine instance.
type Options struct {
	// WorkDir is handed to the engine for its own module and file resolution.
	WorkDir string
	// NoPreload skips the bundled script modules.
	NoPreload bool
	// HTTPClient backs the Lua http module; a default client is used when nil.
	HTTPClient *http.Client
	// InsecureTLS disables certificate verification for the default client.
	InsecureTLS bool
	// CallStackSize and RegistrySize size Lua states; zero keeps the defaults.
	CallStackSize int
	RegistrySize  int
}

// Outcome is the result of running engine code: the result value, or the
// engine's error value when Failed is set.
type Outcome struct {
	Value  Value
	Failed bool
}

// Pair reports the outcome as the engine's (success, value) pair.
func (o Outcome) Pair() Value {
	return pairOf(Boolean(!o.Failed), o.Value)
}

// Unwrap returns the result, or a *RuntimeError carrying the engine error
// value.
func (o Outcome) Unwrap() (Value, error) {
	if o.Failed {
		return Value{}, NewRuntimeError(o.Value)
	}
	return o.Value, nil
}

func succeeded(v Value) Outcome { return Outcome{Value: v} }

func failed(v Value) Outcome { return Outcome{Value: v, Failed: true} }

// NewEngine creates and initializes an engine of the given dialect.
func NewEngine(engineType string, opts Options) (Engine, error) {
	var engine Engine
	switch engineType {
	case TypeEngineLua:
		engine = &LuaEngine{}
	case TypeEngineJs:
		engine = &JsEngine{}
	case TypeEngineGo:
		engine = &GoEngine{}
	default:
		return nil, &Error{Code: CodeUnsupported, Op: "engine", Detail: "unknown dialect " + engineType}
	}
	if err := engine.New(opts); err != nil {
		return nil, err
	}
	Logger().Debug("engine created",
		zap.String("dialect", engineType),
		zap.String("workDir", opts.WorkDir),
		zap.String("version", Version),
	)
	return engine, nil
}
