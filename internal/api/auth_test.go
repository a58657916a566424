package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		token    string
		expected bool
	}{
		{
			name:     "no token",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "empty token",
			ctx:      WithToken(context.Background(), ""),
			expected: false,
		},
		{
			name:     "token set",
			ctx:      WithToken(context.Background(), "abc.def.ghi"),
			token:    "abc.def.ghi",
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			token, ok := Token(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected Token to return %v", tc.expected)
			assert.Equal(t, tc.token, token)
		})
	}
}

func Test_bearerToken(t *testing.T) {
	tcases := []struct {
		name   string
		header string
		token  string
		ok     bool
	}{
		{name: "missing header", header: "", ok: false},
		{name: "bearer", header: "Bearer abc.def.ghi", token: "abc.def.ghi", ok: true},
		{name: "lowercase scheme", header: "bearer abc.def.ghi", token: "abc.def.ghi", ok: true},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", ok: false},
		{name: "no credentials", header: "Bearer ", ok: false},
		{name: "scheme only", header: "Bearer", ok: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			token, ok := bearerToken(req)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.token, token)
		})
	}
}
