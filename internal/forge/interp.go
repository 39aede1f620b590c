package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"skillforge/internal/logging"
)

// Interpreter activates authorized skills without the toolchain or the
// dynamic linker: the source is evaluated in-process under yaegi. The
// same pipeline stages apply; an evaluation failure stands in for a
// compile failure and feeds the ledger the same way.
//
// Interpreted skills only see stdlib symbols, and only the packages on
// the allow list.
type Interpreter struct {
	allowedImports map[string]bool
}

// NewInterpreter returns an interpreter with the default import allow
// list.
func NewInterpreter() *Interpreter {
	return &Interpreter{
		allowedImports: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"errors":          true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"unicode":         true,
			"unicode/utf8":    true,
			"context":         true,
		},
	}
}

// InterpretedModule is the interpreted counterpart of LoadedModule.
type InterpretedModule struct {
	Identifier string
	LoadTime   time.Time

	entry entryPoint
	fn    func(context.Context, string) (string, error)
}

// Activate evaluates the proposal's source and binds its entry
// function. Returns *CompileError when evaluation fails and *LoadError
// when the entry function is absent or has the wrong shape.
func (it *Interpreter) Activate(change *ProposedChange) (*InterpretedModule, error) {
	defer logging.StartTimer(logging.CategoryLoader, "interpreter activation").Stop()

	if err := it.checkImports(change.SourceText); err != nil {
		return nil, &CompileError{
			Identifier:  change.TargetIdentifier,
			Diagnostics: err.Error(),
			ExitErr:     fmt.Errorf("forbidden import"),
		}
	}

	entry, err := findEntryPoint(change.SourceText)
	if err != nil {
		return nil, &LoadError{
			ArtifactPath: change.TargetIdentifier,
			Missing:      "entry function",
			Cause:        err,
		}
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load interpreter symbols: %w", err)
	}

	if _, err := i.Eval(rewritePackageClause(change.SourceText)); err != nil {
		return nil, &CompileError{
			Identifier:  change.TargetIdentifier,
			Diagnostics: err.Error(),
			ExitErr:     fmt.Errorf("evaluation failed"),
		}
	}

	val, err := i.Eval("main." + entry.Name)
	if err != nil {
		return nil, &LoadError{
			ArtifactPath: change.TargetIdentifier,
			Missing:      entry.Name,
			Cause:        err,
		}
	}

	var call func(context.Context, string) (string, error)
	if entry.TakesCtx {
		fn, ok := val.Interface().(func(context.Context, string) (string, error))
		if !ok {
			return nil, &LoadError{
				ArtifactPath: change.TargetIdentifier,
				Missing:      entry.Name,
				Cause:        fmt.Errorf("%s has unexpected signature", entry.Name),
			}
		}
		call = fn
	} else {
		fn, ok := val.Interface().(func(string) (string, error))
		if !ok {
			return nil, &LoadError{
				ArtifactPath: change.TargetIdentifier,
				Missing:      entry.Name,
				Cause:        fmt.Errorf("%s has unexpected signature", entry.Name),
			}
		}
		call = func(_ context.Context, input string) (string, error) {
			return fn(input)
		}
	}

	logging.Loader("Activated %s under the interpreter (entry=%s)", change.TargetIdentifier, entry.Name)
	return &InterpretedModule{
		Identifier: change.TargetIdentifier,
		LoadTime:   time.Now(),
		entry:      entry,
		fn:         call,
	}, nil
}

// Invoke serializes args and calls the bound entry function. The call
// runs in its own goroutine so a done context unblocks the caller; an
// abandoned call keeps running, matching the never-unload posture of
// the compiled path.
func (m *InterpretedModule) Invoke(ctx context.Context, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", &InvokeError{Identifier: m.Identifier, Detail: "failed to serialize arguments", Cause: err}
	}

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		out, err := m.fn(ctx, string(payload))
		done <- outcome{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.out, &InvokeError{Identifier: m.Identifier, Detail: res.err.Error()}
		}
		return res.out, nil
	case <-ctx.Done():
		return "", &InvokeError{Identifier: m.Identifier, Detail: "invocation abandoned", Cause: ctx.Err()}
	}
}

// checkImports rejects source importing anything off the allow list.
func (it *Interpreter) checkImports(source string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "skill.go", source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("failed to parse imports: %w", err)
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !it.allowedImports[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports for interpreted execution: %s", strings.Join(forbidden, ", "))
	}
	return nil
}
