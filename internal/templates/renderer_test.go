package templates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/fxoffline/internal/config"
)

func TestRendererRemovesEnvironmentHelpers(t *testing.T) {
	t.Setenv("TEST_VAR", "value")
	renderer := NewRenderer()

	for _, source := range []string{`{{ env "TEST_VAR" }}`, `{{ readFile "/etc/hostname" }}`} {
		_, err := renderer.CompileInline("inline", source)
		require.Error(t, err, source)
	}
}

func TestRendererCompileInline(t *testing.T) {
	renderer := NewRenderer()

	tmpl, err := renderer.CompileInline("", "  ")
	require.NoError(t, err)
	require.Nil(t, tmpl)

	tmpl, err = renderer.CompileInline("", `{{ .name | upper }}`)
	require.NoError(t, err)
	require.Equal(t, "inline", tmpl.Name())
	out, err := tmpl.Render(map[string]any{"name": "usd"})
	require.NoError(t, err)
	require.Equal(t, "USD", out)

	_, err = renderer.CompileInline("broken", "{{ .name ")
	require.Error(t, err)

	var nilTmpl *Template
	_, err = nilTmpl.Render(nil)
	require.Error(t, err)
	require.Empty(t, nilTmpl.Name())
}

func TestDefaultMessages(t *testing.T) {
	messages, err := CompileMessages(NewRenderer(), config.DefaultConfig().Page.Messages)
	require.NoError(t, err)

	fetched := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	tests := []struct {
		kind Kind
		want string
	}{
		{KindStale, "Using cached rates. Connect to update."},
		{KindNoData, "No cached rates. Connect at least once."},
		{KindDeviceOffline, "You are offline. Showing rates from 2026-03-01 09:30."},
		{KindOriginDown, "Server unreachable. Showing rates from 2026-03-01 09:30."},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			out, err := messages.Render(tc.kind, MessageData{Base: "USD", FetchedAt: fetched})
			require.NoError(t, err)
			require.Equal(t, tc.want, out)
		})
	}

	_, err = messages.Render("other", MessageData{})
	require.Error(t, err)
}

func TestUnsetMessageRendersEmpty(t *testing.T) {
	messages, err := CompileMessages(NewRenderer(), config.MessagesConfig{Stale: "{{ .Base }} is stale"})
	require.NoError(t, err)

	out, err := messages.Render(KindNoData, MessageData{})
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = messages.Render(KindStale, MessageData{Base: "EUR"})
	require.NoError(t, err)
	require.Equal(t, "EUR is stale", out)
}
