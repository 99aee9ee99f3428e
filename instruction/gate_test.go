package instruction_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrun/orchestrator/instruction"
	"github.com/deskrun/orchestrator/orcherr"
)

func TestAdmit_Success(t *testing.T) {
	n, err := instruction.Admit("  Open   the Settings app!  ", 100)
	require.NoError(t, err)
	assert.Equal(t, "Open   the Settings app!", n.Original)
	assert.Equal(t, "open the settings app", n.Form)
}

func TestAdmit_Empty(t *testing.T) {
	_, err := instruction.Admit("   ", 100)
	require.Error(t, err)
	assert.True(t, orcherr.FromError(err).Is(orcherr.New(orcherr.KindValidation, orcherr.ReasonEmpty, "")))
}

func TestAdmit_TooLong(t *testing.T) {
	_, err := instruction.Admit("aaaaaaaaaa", 5)
	require.Error(t, err)
	assert.True(t, orcherr.FromError(err).Is(orcherr.New(orcherr.KindValidation, orcherr.ReasonTooLong, "")))
}

func TestAdmit_NoContent(t *testing.T) {
	_, err := instruction.Admit("!!! ... ---", 100)
	require.Error(t, err)
	assert.True(t, orcherr.FromError(err).Is(orcherr.New(orcherr.KindValidation, orcherr.ReasonNoContent, "")))
}

func TestAdmit_Forbidden(t *testing.T) {
	_, err := instruction.Admit("click ok\x00now", 100)
	require.Error(t, err)
	assert.True(t, orcherr.FromError(err).Is(orcherr.New(orcherr.KindValidation, orcherr.ReasonForbidden, "")))
}

func TestAdmit_AllowsNewlinesAndTabs(t *testing.T) {
	_, err := instruction.Admit("open settings\n\tthen quit", 100)
	require.NoError(t, err)
}

func TestAdmit_CJKContent(t *testing.T) {
	n, err := instruction.Admit("打开设置", 100)
	require.NoError(t, err)
	assert.Equal(t, "打开设置", n.Form)
}

func TestNormalize_Equivalence(t *testing.T) {
	a := instruction.Normalize("Open the Settings App.")
	b := instruction.Normalize("  open   the settings app  ")
	assert.Equal(t, a, b)
}

func TestFingerprint_Deterministic(t *testing.T) {
	form := instruction.Normalize("close all windows")
	assert.Equal(t, instruction.Fingerprint(form), instruction.Fingerprint(form))
}

func TestFingerprint_DiffersOnDifferentForm(t *testing.T) {
	a := instruction.Fingerprint(instruction.Normalize("open settings"))
	b := instruction.Fingerprint(instruction.Normalize("close settings"))
	assert.NotEqual(t, a, b)
}
