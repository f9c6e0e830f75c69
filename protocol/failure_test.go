package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	configserver "github.com/inpertio/config-server"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "failure",
			err:        configserver.UnknownBranch("branch '%s' doesn't exist", "dev"),
			wantStatus: http.StatusBadRequest,
			wantBody:   "branch 'dev' doesn't exist",
		},
		{
			name:       "wrapped failure",
			err:        fmt.Errorf("query: %w", configserver.UnknownPath("path 'x' doesn't exist in branch main")),
			wantStatus: http.StatusBadRequest,
			wantBody:   "path 'x' doesn't exist in branch main",
		},
		{
			name:       "canceled",
			err:        context.Canceled,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "request canceled\n",
		},
		{
			name:       "internal",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "internal server error\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, slog.Default(), tt.err)
			require.Equal(t, tt.wantStatus, rec.Code)
			require.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}
