package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"skillforge/internal/logging"
)

// The activation ABI is two exported symbols per artifact:
//
//	skill_execute: takes a serialized argument string, returns an owned
//	               C string holding the result envelope
//	skill_free:    releases a string returned by skill_execute
//
// The host resolves both by these exact names. An artifact missing
// either symbol is never partially activated.
const (
	symbolExecute = "skill_execute"
	symbolFree    = "skill_free"
)

// entryPoints wraps the two resolved entry points. The loader is the
// only producer; tests substitute fakes.
type entryPoints interface {
	// Execute calls skill_execute and returns the raw owned pointer.
	Execute(input string) uintptr
	// Free calls skill_free on a pointer returned by Execute.
	Free(ptr uintptr)
}

// ModuleLoader loads compiled artifacts into the running process and
// resolves their entry points. Loaded modules are never unloaded; a
// superseded module leaks its handle for the life of the process rather
// than risking a call into unmapped code.
type ModuleLoader struct {
	// open is swappable for tests.
	open func(path string) (entryPoints, error)
}

// NewModuleLoader returns a loader backed by the platform dynamic
// linker.
func NewModuleLoader() *ModuleLoader {
	return &ModuleLoader{open: openSharedObject}
}

// Load maps the artifact into the process and resolves both entry
// points. Fails closed: any missing symbol means no activation.
func (l *ModuleLoader) Load(artifactPath, identifier string) (*LoadedModule, error) {
	if _, err := os.Stat(artifactPath); err != nil {
		logging.LoaderError("Artifact missing for %s: %s", identifier, artifactPath)
		return nil, &LoadError{ArtifactPath: artifactPath, Cause: err}
	}

	handle, err := l.open(artifactPath)
	if err != nil {
		var missing *missingSymbolError
		if errors.As(err, &missing) {
			logging.LoaderError("Artifact %s does not export %s", artifactPath, missing.Name)
			return nil, &LoadError{ArtifactPath: artifactPath, Missing: missing.Name, Cause: err}
		}
		logging.LoaderError("Failed to load %s: %v", artifactPath, err)
		return nil, &LoadError{ArtifactPath: artifactPath, Cause: err}
	}

	module := &LoadedModule{
		Identifier:   identifier,
		ArtifactPath: artifactPath,
		LoadTime:     time.Now(),
		handle:       handle,
	}
	logging.Loader("Loaded %s from %s", identifier, artifactPath)
	return module, nil
}

// resultEnvelope is the JSON payload every skill_execute call returns.
type resultEnvelope struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Invoke serializes args, calls skill_execute and decodes the result
// envelope. The returned string is freed exactly once whether decoding
// succeeds or not.
func (m *LoadedModule) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &InvokeError{Identifier: m.Identifier, Detail: "context done before call", Cause: err}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", &InvokeError{Identifier: m.Identifier, Detail: "failed to serialize arguments", Cause: err}
	}

	ptr := m.handle.Execute(string(payload))
	if ptr == 0 {
		return "", &InvokeError{Identifier: m.Identifier, Detail: "skill_execute returned null"}
	}
	defer m.handle.Free(ptr)

	raw := goStringFromC(ptr)

	var env resultEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", &InvokeError{Identifier: m.Identifier, Detail: "malformed result envelope", Cause: err}
	}
	if env.Error != "" {
		return env.Output, &InvokeError{Identifier: m.Identifier, Detail: env.Error}
	}
	return env.Output, nil
}

// goStringFromC copies a NUL-terminated C string into Go memory. The
// copy must complete before Free runs.
func goStringFromC(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var buf []byte
	for i := uintptr(0); ; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// missingSymbolError marks a symbol resolution failure distinctly from
// a mapping failure.
type missingSymbolError struct {
	Name string
}

func (e *missingSymbolError) Error() string {
	return fmt.Sprintf("symbol %q not found", e.Name)
}

// dlopenHandle is the production entryPoints implementation.
type dlopenHandle struct {
	execute func(string) uintptr
	free    func(uintptr)
}

func (h *dlopenHandle) Execute(input string) uintptr { return h.execute(input) }
func (h *dlopenHandle) Free(ptr uintptr)             { h.free(ptr) }

// openSharedObject maps the artifact and resolves both entry points.
func openSharedObject(path string) (entryPoints, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, err
	}

	for _, name := range []string{symbolExecute, symbolFree} {
		if _, err := purego.Dlsym(lib, name); err != nil {
			// No partial activation: discard the mapping.
			_ = purego.Dlclose(lib)
			return nil, &missingSymbolError{Name: name}
		}
	}

	h := &dlopenHandle{}
	purego.RegisterLibFunc(&h.execute, lib, symbolExecute)
	purego.RegisterLibFunc(&h.free, lib, symbolFree)
	return h, nil
}
