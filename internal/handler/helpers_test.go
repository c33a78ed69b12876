package handler

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portal/internal/service"
)

func TestWriteServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", fmt.Errorf("%w: chat x", service.ErrNotFound), 404},
		{"forbidden", fmt.Errorf("%w: not a member", service.ErrForbidden), 403},
		{"invalid argument", fmt.Errorf("%w: empty content", service.ErrInvalidArgument), 400},
		{"storage failure stays opaque", fmt.Errorf("pg: connection refused"), 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body.Error)
			if tc.status == 500 {
				require.Equal(t, "internal error", body.Error)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest("GET", "/chats?skip=20&take=abc", nil)
	require.Equal(t, 20, queryInt(r, "skip", 0))
	require.Equal(t, 50, queryInt(r, "take", 50))
	require.Equal(t, 7, queryInt(r, "missing", 7))
}
