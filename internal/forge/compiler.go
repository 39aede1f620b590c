package forge

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"skillforge/internal/config"
	"skillforge/internal/logging"
)

// Compiler turns authorized source text into a native loadable artifact
// by invoking the external toolchain as a child process. The toolchain
// binary is never linked in; a toolchain crash is a compile failure,
// not a process failure.
type Compiler struct {
	toolchain     string
	buildDir      string
	artifactDir   string
	timeout       time.Duration
	maxSourceSize int64

	// group collapses concurrent compiles of byte-identical source into
	// a single toolchain invocation.
	group singleflight.Group
}

// NewCompiler builds a compiler from the forge configuration.
func NewCompiler(cfg config.ForgeConfig) *Compiler {
	timeout, err := time.ParseDuration(cfg.CompileTimeout)
	if err != nil || timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Compiler{
		toolchain:     cfg.Toolchain,
		buildDir:      cfg.BuildDir,
		artifactDir:   cfg.ArtifactDir,
		timeout:       timeout,
		maxSourceSize: cfg.MaxSourceSize,
	}
}

// Compile produces the loadable artifact for a proposal and returns its
// path. Diagnostics from a failed toolchain run are captured verbatim
// in the returned *CompileError.
func (c *Compiler) Compile(ctx context.Context, change *ProposedChange) (string, error) {
	if c.maxSourceSize > 0 && int64(len(change.SourceText)) > c.maxSourceSize {
		return "", &CompileError{
			Identifier:  change.TargetIdentifier,
			Diagnostics: fmt.Sprintf("source is %d bytes, limit is %d", len(change.SourceText), c.maxSourceSize),
			ExitErr:     fmt.Errorf("source too large"),
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Keyed by identifier and source hash: identical source under one
	// identifier shares an invocation, but every identifier gets an
	// artifact at its own path.
	hash := HashSource(change.SourceText)
	key := change.TargetIdentifier + ":" + hash
	path, err, shared := c.group.Do(key, func() (interface{}, error) {
		return c.compileOnce(change, hash)
	})
	if shared {
		logging.CompilerDebug("Shared compile result for %s (hash=%s)", change.TargetIdentifier, hash[:12])
	}
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (c *Compiler) compileOnce(change *ProposedChange, sourceHash string) (string, error) {
	start := time.Now()

	if err := os.MkdirAll(c.artifactDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.MkdirAll(c.buildDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create build dir: %w", err)
	}

	tmpDir, err := os.MkdirTemp(c.buildDir, change.TargetIdentifier+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create build dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := c.writeBuildTree(tmpDir, change); err != nil {
		return "", err
	}

	artifact := filepath.Join(c.artifactDir,
		fmt.Sprintf("%s-%s%s", change.TargetIdentifier, sourceHash[:12], sharedLibExt()))

	// A spawned toolchain runs to completion (bounded by the compile
	// timeout) even if the caller abandons the request, so a killed
	// build never leaves a partially written artifact behind.
	compileCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	logging.Compiler("Compiling %s with %q (timeout=%s)", change.TargetIdentifier, c.toolchain, c.timeout)

	cmd := exec.CommandContext(compileCtx, c.toolchain, "build", "-buildmode=c-shared", "-o", artifact, ".")
	cmd.Dir = tmpDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")

	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		diagnostics := string(output)
		logging.CompilerError("Compile failed for %s after %s: %v", change.TargetIdentifier, elapsed, err)
		logging.Audit().CompileDone(change.ID, change.TargetIdentifier, elapsed.Milliseconds(), false, diagnostics)
		return "", &CompileError{
			Identifier:  change.TargetIdentifier,
			Diagnostics: diagnostics,
			ExitErr:     err,
		}
	}

	logging.Compiler("Compiled %s -> %s in %s", change.TargetIdentifier, artifact, elapsed)
	logging.Audit().CompileDone(change.ID, change.TargetIdentifier, elapsed.Milliseconds(), true, "")
	return artifact, nil
}

// writeBuildTree lays out a standalone module for the candidate source.
// When the source does not export the entry points itself, a cgo shim
// is generated around its entry function.
func (c *Compiler) writeBuildTree(dir string, change *ProposedChange) error {
	source := rewritePackageClause(change.SourceText)

	if err := os.WriteFile(filepath.Join(dir, "skill.go"), []byte(source), 0644); err != nil {
		return fmt.Errorf("failed to write source: %w", err)
	}

	if !strings.Contains(source, "//export skill_execute") {
		entry, err := findEntryPoint(source)
		if err != nil {
			return &CompileError{
				Identifier:  change.TargetIdentifier,
				Diagnostics: err.Error(),
				ExitErr:     fmt.Errorf("no entry point"),
			}
		}
		shim := buildExportShim(entry)
		if err := os.WriteFile(filepath.Join(dir, "export.go"), []byte(shim), 0644); err != nil {
			return fmt.Errorf("failed to write export shim: %w", err)
		}
	}

	mod := fmt.Sprintf("module %s\n\ngo 1.24\n", change.TargetIdentifier)
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(mod), 0644); err != nil {
		return fmt.Errorf("failed to write go.mod: %w", err)
	}
	return nil
}

// rewritePackageClause forces the candidate into package main, which
// buildmode=c-shared requires.
func rewritePackageClause(source string) string {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "skill.go", source, parser.PackageClauseOnly)
	if err != nil || file.Name == nil {
		return source
	}
	name := file.Name.Name
	if name == "main" {
		return source
	}
	return strings.Replace(source, "package "+name, "package main", 1)
}

// entryPoint describes the candidate function the shim will call.
type entryPoint struct {
	Name        string
	TakesCtx    bool
	ReturnsPair bool
}

// findEntryPoint picks the candidate's entry function: the exported
// function whose signature best matches (string) (string, error) or
// (context.Context, string) (string, error).
func findEntryPoint(source string) (entryPoint, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "skill.go", source, 0)
	if err != nil {
		return entryPoint{}, fmt.Errorf("failed to parse candidate source: %w", err)
	}

	var best entryPoint
	bestScore := 0

	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			return true
		}
		name := fn.Name.Name
		if name == "main" || name == "init" {
			return true
		}

		score := 0
		if fn.Name.IsExported() {
			score += 5
		}
		params := 0
		if fn.Type.Params != nil {
			params = fn.Type.Params.NumFields()
		}
		if params == 1 || params == 2 {
			score += 5
		}
		returnsPair := fn.Type.Results != nil && fn.Type.Results.NumFields() == 2
		if returnsPair {
			score += 5
		}

		if score > bestScore {
			bestScore = score
			best = entryPoint{
				Name:        name,
				TakesCtx:    params == 2,
				ReturnsPair: returnsPair,
			}
		}
		return true
	})

	if best.Name == "" || !best.ReturnsPair {
		return entryPoint{}, fmt.Errorf("no entry function with signature (string) (string, error) found")
	}
	return best, nil
}

// buildExportShim emits the cgo file exporting the two fixed entry
// points. skill_execute returns an owned C string; skill_free releases
// it. The host calls skill_free exactly once per skill_execute return.
func buildExportShim(entry entryPoint) string {
	call := fmt.Sprintf("%s(in)", entry.Name)
	ctxImport := ""
	if entry.TakesCtx {
		call = fmt.Sprintf("%s(context.Background(), in)", entry.Name)
		ctxImport = "\n\t\"context\""
	}

	return fmt.Sprintf(`package main

/*
#include <stdlib.h>
*/
import "C"

import (%s
	"encoding/json"
	"unsafe"
)

type resultEnvelope struct {
	Output string `+"`json:\"output\"`"+`
	Error  string `+"`json:\"error,omitempty\"`"+`
}

//export skill_execute
func skill_execute(input *C.char) *C.char {
	in := C.GoString(input)

	env := resultEnvelope{}
	out, err := %s
	env.Output = out
	if err != nil {
		env.Error = err.Error()
	}

	data, merr := json.Marshal(env)
	if merr != nil {
		data = []byte(`+"`"+`{"error":"failed to encode result"}`+"`"+`)
	}
	return C.CString(string(data))
}

//export skill_free
func skill_free(p *C.char) {
	C.free(unsafe.Pointer(p))
}

func main() {}
`, ctxImport, call)
}

func sharedLibExt() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}
