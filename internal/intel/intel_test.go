package intel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndStripFullLine(t *testing.T) {
	text := "Work is done.\n§ △0.8 ◎surg ■bug ◇0.7 ↻2\n"
	parsed, stripped := ParseAndStrip(text)
	require.NotNil(t, parsed)

	require.NotNil(t, parsed.Frustration)
	assert.Equal(t, 0.8, *parsed.Frustration)
	require.NotNil(t, parsed.Specificity)
	assert.Equal(t, "surg", *parsed.Specificity)
	require.NotNil(t, parsed.TaskType)
	assert.Equal(t, "bug", *parsed.TaskType)
	require.NotNil(t, parsed.Quality)
	assert.Equal(t, 0.7, *parsed.Quality)
	require.NotNil(t, parsed.Iteration)
	assert.Equal(t, 2, *parsed.Iteration)

	assert.NotContains(t, stripped, "§")
	assert.Contains(t, stripped, "Work is done.")
}

func TestParseAndStripNoIntelLine(t *testing.T) {
	parsed, stripped := ParseAndStrip("just text")
	assert.Nil(t, parsed)
	assert.Equal(t, "just text", stripped)
}

func TestInvalidFieldsOmittedNotDefaulted(t *testing.T) {
	// Frustration out of range, bogus specificity; quality still valid.
	parsed, _ := ParseAndStrip("§ △1.5 ◎bogus ◇0.5")
	require.NotNil(t, parsed)
	assert.Nil(t, parsed.Frustration)
	assert.Nil(t, parsed.Specificity)
	require.NotNil(t, parsed.Quality)
	assert.Equal(t, 0.5, *parsed.Quality)
}

func TestAllFieldsInvalidReturnsNil(t *testing.T) {
	parsed, stripped := ParseAndStrip("§ △2.0 ◎nope ■nah ↻0")
	assert.Nil(t, parsed)
	assert.Contains(t, stripped, "§")
}

func TestIterationSingleDigitOnly(t *testing.T) {
	parsed, _ := ParseAndStrip("§ ↻12")
	assert.Nil(t, parsed)

	parsed, _ = ParseAndStrip("§ ↻9")
	require.NotNil(t, parsed)
	assert.Equal(t, 9, *parsed.Iteration)
}

func TestOnlyFirstIntelLineParsed(t *testing.T) {
	parsed, stripped := ParseAndStrip("§ ◇0.3\n§ ◇0.9")
	require.NotNil(t, parsed)
	assert.Equal(t, 0.3, *parsed.Quality)
	assert.Contains(t, stripped, "§ ◇0.9")
}

func TestToMetadata(t *testing.T) {
	parsed, _ := ParseAndStrip("§ △0.8 ◎surg ■bug ◇0.7 ↻2")
	require.NotNil(t, parsed)

	m := parsed.ToMetadata()
	assert.Equal(t, 0.8, m["intel_frustration"])
	assert.Equal(t, "surg", m["intel_specificity"])
	assert.Equal(t, "bug", m["intel_task_type"])
	assert.Equal(t, 0.7, m["intel_quality"])
	assert.Equal(t, 2, m["intel_iteration"])
}

func TestIndentedIntelLineDetected(t *testing.T) {
	parsed, stripped := ParseAndStrip("output\n   § ◇0.4")
	require.NotNil(t, parsed)
	assert.Equal(t, 0.4, *parsed.Quality)
	assert.Equal(t, "output", stripped)
}
