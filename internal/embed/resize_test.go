package embed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResize(t *testing.T) {
	open := Resize(true)
	require.Equal(t, Signal{Type: "CHATBOT_RESIZE", IsOpen: true, Width: "384px", Height: "700px", BorderRadius: "16px"}, open)

	closed := Resize(false)
	require.False(t, closed.IsOpen)
	require.Equal(t, "64px", closed.Width)
	require.Equal(t, "50%", closed.BorderRadius)
}

func TestSignalJSON(t *testing.T) {
	require.JSONEq(t,
		`{"type":"CHATBOT_RESIZE","isOpen":false,"width":"64px","height":"64px","borderRadius":"50%"}`,
		Resize(false).JSON())
}
