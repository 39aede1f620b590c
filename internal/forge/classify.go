package forge

import (
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

// Severity classification is static pattern inspection only: it informs
// the human reviewer, it does not block a proposal. The authorization
// gate is the blocking mechanism.

// criticalImports escalate straight to Critical: process/OS invocation,
// raw memory access, networking.
var criticalImports = []string{
	"unsafe",
	"syscall",
	"os/exec",
	"runtime/cgo",
	"plugin",
	"net",
	"net/http",
	"net/rpc",
}

// warningImports indicate filesystem or reflective access.
var warningImports = []string{
	"os",
	"io/ioutil",
	"reflect",
}

// criticalCallPatterns catch low-level constructs that may not surface
// as imports.
var criticalCallPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bunsafe\.Pointer\b`),
	regexp.MustCompile(`\bsyscall\.\w+\b`),
	regexp.MustCompile(`\bexec\.Command\b`),
	regexp.MustCompile(`#cgo\s+`),
}

// warningCallPatterns catch filesystem mutation.
var warningCallPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bos\.Remove(All)?\b`),
	regexp.MustCompile(`\bos\.Rename\b`),
	regexp.MustCompile(`\bos\.Chmod\b`),
	regexp.MustCompile(`\bos\.WriteFile\b`),
	regexp.MustCompile(`\breflect\.Value\b`),
}

// ClassifySeverity derives a proposal's severity from its source text.
// Unparseable source is Critical: the reviewer must see that the
// toolchain is about to be handed something malformed.
func ClassifySeverity(source string) Severity {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", source, parser.ParseComments)
	if err != nil {
		return SeverityCritical
	}

	severity := SeverityInfo

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		// cgo import is inherent to the export shim ABI, not an escalation.
		if path == "C" {
			continue
		}
		for _, crit := range criticalImports {
			if path == crit || strings.HasPrefix(path, crit+"/") {
				return SeverityCritical
			}
		}
		for _, warn := range warningImports {
			if path == warn || strings.HasPrefix(path, warn+"/") {
				severity = SeverityWarning
			}
		}
	}

	for _, pattern := range criticalCallPatterns {
		if pattern.MatchString(source) {
			return SeverityCritical
		}
	}
	for _, pattern := range warningCallPatterns {
		if pattern.MatchString(source) {
			severity = SeverityWarning
		}
	}

	return severity
}
