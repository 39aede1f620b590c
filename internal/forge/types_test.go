package forge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewProposedChange(t *testing.T) {
	change := NewProposedChange("echo_skill", echoSkillSource, "adds echo", 24)

	assert.NotEmpty(t, change.ID)
	assert.Equal(t, "echo_skill", change.TargetIdentifier)
	assert.Equal(t, StatusPending, change.Status())
	assert.Equal(t, SeverityInfo, change.Severity)
	assert.NotEmpty(t, change.DiffPreview)
	assert.False(t, change.Timestamp.IsZero())

	// Two proposals never share an ID.
	other := NewProposedChange("echo_skill", echoSkillSource, "adds echo", 24)
	assert.NotEqual(t, change.ID, other.ID)
}

func TestStatusTransitionIsExactlyOnce(t *testing.T) {
	change := NewProposedChange("echo_skill", echoSkillSource, "adds echo", 24)

	require.NoError(t, change.setStatus(StatusAuthorized))
	assert.Equal(t, StatusAuthorized, change.Status())

	// Terminal states never move again.
	assert.Error(t, change.setStatus(StatusDenied))
	assert.Error(t, change.setStatus(StatusAuthorized))
	assert.Error(t, change.setStatus(StatusPending))
	assert.Equal(t, StatusAuthorized, change.Status())
}

func TestDiffPreviewBounds(t *testing.T) {
	long := strings.Repeat("line of skill source\n", 200)
	preview := buildDiffPreview(long, 24)

	assert.LessOrEqual(t, len(preview), 2048+len("\n... (truncated)"))
	assert.True(t, strings.HasSuffix(preview, "... (truncated)"))

	short := "package skill\n"
	assert.Equal(t, short, buildDiffPreview(short, 24))
}

func TestDiffPreviewTruncatesOnRuneBoundary(t *testing.T) {
	// One long line of three-byte runes; the byte cap falls mid-rune.
	long := "// " + strings.Repeat("世", 800) + "\n"
	preview := buildDiffPreview(long, 24)

	assert.True(t, utf8.ValidString(preview))
	assert.True(t, strings.HasSuffix(preview, "... (truncated)"))
	assert.LessOrEqual(t, len(preview), 2048+len("\n... (truncated)"))
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "proposed", StageProposed.String())
	assert.Equal(t, "registered", StageRegistered.String())
	assert.Equal(t, "rolled_back", StageRolledBack.String())
}
