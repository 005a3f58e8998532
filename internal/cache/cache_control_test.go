package cache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		want   bool
	}{
		{name: "plain ok", status: 200, want: true},
		{name: "no content", status: 204, want: true},
		{name: "redirect", status: 302, want: false},
		{name: "not found", status: 404, want: false},
		{name: "max-age", status: 200, header: http.Header{"Cache-Control": {"public, max-age=60"}}, want: true},
		{name: "no-store", status: 200, header: http.Header{"Cache-Control": {"private, No-Store"}}, want: false},
		{name: "no-store in second value", status: 200, header: http.Header{"Cache-Control": {"public", "no-store"}}, want: false},
		{name: "no-cache only", status: 200, header: http.Header{"Cache-Control": {"no-cache"}}, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Cacheable(tc.status, tc.header))
		})
	}
}
