package forge

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/config"
)

const echoSkillSource = `package skill

// Echo returns its input unchanged.
func Echo(input string) (string, error) {
	return input, nil
}
`

// writeStubToolchain installs a shell script standing in for the build
// binary, so compiler behavior is testable without a real toolchain.
func writeStubToolchain(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub toolchain scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "toolchain.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func testForgeConfig(t *testing.T, toolchain string) config.ForgeConfig {
	t.Helper()
	root := t.TempDir()
	return config.ForgeConfig{
		Toolchain:      toolchain,
		BuildDir:       filepath.Join(root, "build"),
		ArtifactDir:    filepath.Join(root, "artifacts"),
		CompileTimeout: "30s",
		MaxSourceSize:  100 * 1024,
	}
}

func TestCompileProducesArtifact(t *testing.T) {
	stub := writeStubToolchain(t, `#!/bin/sh
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
if [ -n "$FORGE_TEST_SNAPSHOT" ]; then
	cp skill.go "$FORGE_TEST_SNAPSHOT/" 2>/dev/null
	cp export.go "$FORGE_TEST_SNAPSHOT/" 2>/dev/null
fi
printf 'artifact' > "$out"
`)

	snapshot := t.TempDir()
	t.Setenv("FORGE_TEST_SNAPSHOT", snapshot)

	cfg := testForgeConfig(t, stub)
	compiler := NewCompiler(cfg)

	change := NewProposedChange("echo_skill", echoSkillSource, "adds echo", 24)
	artifact, err := compiler.Compile(context.Background(), change)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(filepath.Base(artifact), "echo_skill-"))
	assert.Equal(t, cfg.ArtifactDir, filepath.Dir(artifact))
	_, statErr := os.Stat(artifact)
	assert.NoError(t, statErr)

	// The build tree carried the candidate and the generated shim.
	skill, err := os.ReadFile(filepath.Join(snapshot, "skill.go"))
	require.NoError(t, err)
	assert.Contains(t, string(skill), "package main")
	assert.Contains(t, string(skill), "func Echo")

	shim, err := os.ReadFile(filepath.Join(snapshot, "export.go"))
	require.NoError(t, err)
	assert.Contains(t, string(shim), "//export skill_execute")
	assert.Contains(t, string(shim), "//export skill_free")
	assert.Contains(t, string(shim), "Echo(in)")
}

func TestCompileFailureCapturesDiagnostics(t *testing.T) {
	stub := writeStubToolchain(t, `#!/bin/sh
echo "skill.go:4:9: undefined: frobnicate" >&2
exit 1
`)

	compiler := NewCompiler(testForgeConfig(t, stub))
	change := NewProposedChange("bad_skill", echoSkillSource, "broken", 24)

	_, err := compiler.Compile(context.Background(), change)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bad_skill", cerr.Identifier)
	assert.Contains(t, cerr.Diagnostics, "undefined: frobnicate")
}

func TestCompileRejectsOversizedSource(t *testing.T) {
	cfg := testForgeConfig(t, "/nonexistent/toolchain")
	cfg.MaxSourceSize = 16
	compiler := NewCompiler(cfg)

	change := NewProposedChange("big_skill", echoSkillSource, "too big", 24)
	_, err := compiler.Compile(context.Background(), change)

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Diagnostics, "limit is 16")
}

func TestCompileRejectsSourceWithoutEntryPoint(t *testing.T) {
	compiler := NewCompiler(testForgeConfig(t, "/nonexistent/toolchain"))
	change := NewProposedChange("no_entry", "package skill\n\nvar X = 1\n", "no functions", 24)

	_, err := compiler.Compile(context.Background(), change)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Diagnostics, "entry function")
}

func TestCompileDedupesConcurrentIdenticalSource(t *testing.T) {
	stub := writeStubToolchain(t, `#!/bin/sh
echo x >> "$FORGE_TEST_COUNT"
sleep 0.5
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
printf 'artifact' > "$out"
`)

	countFile := filepath.Join(t.TempDir(), "count")
	t.Setenv("FORGE_TEST_COUNT", countFile)

	compiler := NewCompiler(testForgeConfig(t, stub))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			change := NewProposedChange("echo_skill", echoSkillSource, "adds echo", 24)
			_, errs[i] = compiler.Compile(context.Background(), change)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	data, err := os.ReadFile(countFile)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "x"), "identical sources share one toolchain invocation")
}

func TestCompileDistinctIdentifiersGetOwnArtifacts(t *testing.T) {
	stub := writeStubToolchain(t, `#!/bin/sh
echo x >> "$FORGE_TEST_COUNT"
sleep 0.5
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
printf 'artifact' > "$out"
`)

	countFile := filepath.Join(t.TempDir(), "count")
	t.Setenv("FORGE_TEST_COUNT", countFile)

	compiler := NewCompiler(testForgeConfig(t, stub))

	// Identical source under two identifiers never shares an artifact.
	identifiers := []string{"word_count", "token_count"}
	artifacts := make([]string, len(identifiers))
	errs := make([]error, len(identifiers))

	var wg sync.WaitGroup
	for i, id := range identifiers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			change := NewProposedChange(id, echoSkillSource, "counts things", 24)
			artifacts[i], errs[i] = compiler.Compile(context.Background(), change)
		}(i, id)
	}
	wg.Wait()

	for i := range identifiers {
		require.NoError(t, errs[i])
		assert.True(t, strings.HasPrefix(filepath.Base(artifacts[i]), identifiers[i]+"-"))
		_, statErr := os.Stat(artifacts[i])
		assert.NoError(t, statErr)
	}
	assert.NotEqual(t, artifacts[0], artifacts[1])

	data, err := os.ReadFile(countFile)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "x"), "each identifier gets its own invocation")
}

func TestFindEntryPoint(t *testing.T) {
	entry, err := findEntryPoint(echoSkillSource)
	require.NoError(t, err)
	assert.Equal(t, "Echo", entry.Name)
	assert.False(t, entry.TakesCtx)

	ctxSource := `package skill

import "context"

func Run(ctx context.Context, input string) (string, error) {
	return input, ctx.Err()
}
`
	entry, err = findEntryPoint(ctxSource)
	require.NoError(t, err)
	assert.Equal(t, "Run", entry.Name)
	assert.True(t, entry.TakesCtx)
}

func TestRewritePackageClause(t *testing.T) {
	rewritten := rewritePackageClause("package skill\n\nfunc F() {}\n")
	assert.True(t, strings.HasPrefix(rewritten, "package main\n"))

	already := rewritePackageClause("package main\n\nfunc F() {}\n")
	assert.True(t, strings.HasPrefix(already, "package main\n"))
}
