package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type evalConfig struct {
	dialect  string
	opts     Options
	bindings []Value
	modules  []module
}

type module struct {
	name    string
	members []Value
}

// EvalOption configures an evaluation or a session.
type EvalOption func(*evalConfig)

// WithDialect selects the engine; Lua is the default.
func WithDialect(dialect string) EvalOption {
	return func(c *evalConfig) { c.dialect = dialect }
}

// WithWorkDir sets the directory the engine resolves modules and files in.
func WithWorkDir(dir string) EvalOption {
	return func(c *evalConfig) { c.opts.WorkDir = dir }
}

// WithBindings makes each Named(name, value) visible to the script as a
// global.
func WithBindings(named ...Value) EvalOption {
	return func(c *evalConfig) { c.bindings = append(c.bindings, named...) }
}

// WithModule registers a module the script can require by name.
func WithModule(name string, members ...Value) EvalOption {
	return func(c *evalConfig) { c.modules = append(c.modules, module{name: name, members: members}) }
}

// WithEngineOptions replaces the engine options. A work dir set before is
// kept when opts has none.
func WithEngineOptions(opts Options) EvalOption {
	return func(c *evalConfig) {
		if opts.WorkDir == "" {
			opts.WorkDir = c.opts.WorkDir
		}
		c.opts = opts
	}
}

func newEvalConfig(opts []EvalOption) *evalConfig {
	c := &evalConfig{dialect: TypeEngineLua}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// splitMembers validates a list of Named(String, value) entries. Every
// offending entry is reported.
func splitMembers(members []Value) ([]string, []Value, error) {
	names := make([]string, 0, len(members))
	values := make([]Value, 0, len(members))
	var errs error
	for i, m := range members {
		if m.kind != KindNamed || m.elems[0].kind != KindString {
			errs = multierr.Append(errs, &Error{
				Code:   CodeTypeMismatch,
				Op:     fmt.Sprintf("binding %d", i),
				Types:  []string{describeBinding(m)},
				Detail: "want Named(String, value)",
			})
			continue
		}
		names = append(names, m.elems[0].str)
		values = append(values, m.elems[1])
	}
	if errs != nil {
		return nil, nil, errs
	}
	return names, values, nil
}

func describeBinding(m Value) string {
	if m.kind == KindNamed || m.kind == KindPair {
		return m.TypeName() + "(" + m.elems[0].TypeName() + ", " + m.elems[1].TypeName() + ")"
	}
	return m.TypeName()
}

// prepare validates everything before any engine is created.
func (c *evalConfig) prepare() ([]string, []Value, error) {
	names, values, err := splitMembers(c.bindings)
	for _, m := range c.modules {
		if _, _, merr := splitMembers(m.members); merr != nil {
			err = multierr.Append(err, fmt.Errorf("module %s: %w", m.name, merr))
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return names, values, nil
}

func (c *evalConfig) open() (Engine, error) {
	names, values, err := c.prepare()
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(c.dialect, c.opts)
	if err != nil {
		return nil, err
	}
	for _, m := range c.modules {
		if err := engine.RegisterModule(m.name, m.members); err != nil {
			engine.Close()
			return nil, err
		}
	}
	for i, name := range names {
		if err := engine.RegisterObject(name, values[i]); err != nil {
			engine.Close()
			return nil, err
		}
	}
	return engine, nil
}

// Evaluate runs source in a fresh engine with the given bindings. Engine
// failures are reported in the Outcome; the error is for host-side failures
// such as invalid bindings or cancellation.
func Evaluate(ctx context.Context, source string, opts ...EvalOption) (Outcome, error) {
	c := newEvalConfig(opts)
	engine, err := c.open()
	if err != nil {
		return Outcome{}, err
	}
	defer engine.Close()

	start := time.Now()
	Logger().Debug("evaluation started", zap.String("dialect", c.dialect), zap.Int("bindings", len(c.bindings)))
	out, err := engine.ParseString(ctx, source)
	if err != nil {
		Logger().Debug("evaluation aborted", zap.String("dialect", c.dialect), zap.Error(err))
		return Outcome{}, err
	}
	Logger().Debug("evaluation finished",
		zap.String("dialect", c.dialect),
		zap.Bool("failed", out.Failed),
		zap.String("type", out.Value.TypeName()),
		zap.Duration("took", time.Since(start)),
	)
	return out, nil
}

// EvaluateOrFail is Evaluate with engine failures turned into *RuntimeError.
func EvaluateOrFail(ctx context.Context, source string, opts ...EvalOption) (Value, error) {
	out, err := Evaluate(ctx, source, opts...)
	if err != nil {
		return Value{}, err
	}
	return out.Unwrap()
}

// Session keeps one engine alive across runs. Calls are serialized.
type Session struct {
	mu      sync.Mutex
	dialect string
	engine  Engine
}

// NewSession creates the engine and registers the initial bindings.
func NewSession(opts ...EvalOption) (*Session, error) {
	c := newEvalConfig(opts)
	engine, err := c.open()
	if err != nil {
		return nil, err
	}
	return &Session{dialect: c.dialect, engine: engine}, nil
}

// Bind adds globals to the session.
func (s *Session) Bind(named ...Value) error {
	names, values, err := splitMembers(named)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return errSessionClosed
	}
	for i, name := range names {
		if err := s.engine.RegisterObject(name, values[i]); err != nil {
			return err
		}
	}
	return nil
}

var errSessionClosed = &Error{Code: CodeUnsupported, Op: "session", Detail: "closed"}

func (s *Session) Run(ctx context.Context, source string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return Outcome{}, errSessionClosed
	}
	return s.engine.ParseString(ctx, source)
}

func (s *Session) RunFile(ctx context.Context, path string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return Outcome{}, errSessionClosed
	}
	return s.engine.ParseFile(ctx, path)
}

func (s *Session) IsFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine != nil && s.engine.IsFunction(name)
}

// Call invokes a script function defined by an earlier run.
func (s *Session) Call(ctx context.Context, name string, args ...any) (Outcome, error) {
	vs := make([]Value, len(args))
	for i, a := range args {
		v, err := ValueOf(a)
		if err != nil {
			return Outcome{}, err
		}
		vs[i] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return Outcome{}, errSessionClosed
	}
	return s.engine.Call(ctx, name, vs...)
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
}
