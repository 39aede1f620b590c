package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   Severity
	}{
		{
			name:   "pure computation is info",
			source: "package skill\n\nimport \"strings\"\n\nfunc Upper(s string) (string, error) {\n\treturn strings.ToUpper(s), nil\n}\n",
			want:   SeverityInfo,
		},
		{
			name:   "os import is warning",
			source: "package skill\n\nimport \"os\"\n\nfunc Home(s string) (string, error) {\n\treturn os.Getenv(\"HOME\"), nil\n}\n",
			want:   SeverityWarning,
		},
		{
			name:   "file deletion is warning",
			source: "package skill\n\nimport \"os\"\n\nfunc Clean(s string) (string, error) {\n\treturn \"\", os.Remove(s)\n}\n",
			want:   SeverityWarning,
		},
		{
			name:   "exec import is critical",
			source: "package skill\n\nimport \"os/exec\"\n\nfunc Run(s string) (string, error) {\n\tout, err := exec.Command(s).Output()\n\treturn string(out), err\n}\n",
			want:   SeverityCritical,
		},
		{
			name:   "unsafe import is critical",
			source: "package skill\n\nimport \"unsafe\"\n\nvar _ = unsafe.Sizeof(0)\n\nfunc F(s string) (string, error) { return s, nil }\n",
			want:   SeverityCritical,
		},
		{
			name:   "networking is critical",
			source: "package skill\n\nimport \"net/http\"\n\nfunc Fetch(u string) (string, error) {\n\t_, err := http.Get(u)\n\treturn \"\", err\n}\n",
			want:   SeverityCritical,
		},
		{
			name:   "unparseable source is critical",
			source: "package skill\n\nfunc broken( {",
			want:   SeverityCritical,
		},
		{
			name:   "cgo import alone does not escalate",
			source: "package main\n\nimport \"C\"\n\nfunc F(s string) (string, error) { return s, nil }\n",
			want:   SeverityInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySeverity(tt.source))
		})
	}
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "critical", SeverityCritical.String())
}
