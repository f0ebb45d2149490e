package keyboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumn(t *testing.T) {
	m := Column("inactive", Choice{Label: "All good", Payload: "ok"}, Choice{Label: "Need help", Payload: "help"})

	require.Len(t, m.InlineKeyboard, 2)
	for i, want := range []string{"ok", "help"} {
		require.Len(t, m.InlineKeyboard[i], 1)
		assert.Equal(t, "inactive", m.InlineKeyboard[i][0].Unique)
		assert.Equal(t, want, m.InlineKeyboard[i][0].Data)
	}
	assert.Equal(t, "Need help", m.InlineKeyboard[1][0].Text)
}

func TestColumnEmpty(t *testing.T) {
	assert.Empty(t, Column("x").InlineKeyboard)
}
