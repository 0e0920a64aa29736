package printer

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/burrow/pkg/board"
)

func plain(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestError(t *testing.T) {
	plain(t)

	t.Run("returns error with title", func(t *testing.T) {
		var stderr bytes.Buffer
		err := New(nil, &stderr).Error("Test Error", "This is a test error", nil)
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, stderr.String(), "This is a test error")
		assert.True(t, IsReported(fmt.Errorf("wrapped: %w", err)))
		assert.False(t, IsReported(errors.New("plain")))
	})

	t.Run("single suggestion is printed bare", func(t *testing.T) {
		var stderr bytes.Buffer
		_ = New(nil, &stderr).Error("Test Error", "Explanation", []string{"Try this fix"})
		assert.Contains(t, stderr.String(), "\nTry this fix\n")
		assert.NotContains(t, stderr.String(), "Either")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		var stderr bytes.Buffer
		err := New(nil, &stderr).Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, stderr.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	plain(t)
	var stderr bytes.Buffer
	err := New(nil, &stderr).ErrorWithContext("Lock timeout", "",
		[][2]string{{"Board", "/tmp/b/working.json"}, {"Timeout", "5s"}}, nil)
	require.Equal(t, "Lock timeout", err.Error())
	assert.Contains(t, stderr.String(), "  Board: /tmp/b/working.json\n  Timeout: 5s\n")
}

func TestOutputGoesToWriters(t *testing.T) {
	plain(t)
	var stdout, stderr bytes.Buffer
	p := New(&stdout, &stderr)

	p.Success("claimed %s\n", "T1")
	p.Step("scanning\n")
	p.Info("plain\n")
	p.Warning("careful\n")

	assert.Equal(t, "✓ claimed T1\n→ scanning\nplain\n", stdout.String())
	assert.Equal(t, "⚠️  careful\n", stderr.String())
}

func TestStatusAndIndent(t *testing.T) {
	plain(t)
	assert.Equal(t, "COMPLETED", Status(board.StatusCompleted))
	assert.Equal(t, "PENDING", Status(board.StatusPending))
	assert.Equal(t, "  a\n  b", Indent("a\nb\n", "  "))
}
