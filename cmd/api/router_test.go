package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cargohub/hub/internal/api/handlers"
	"github.com/cargohub/hub/internal/config"
	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

type staticResolver map[string]models.Principal

func (s staticResolver) Resolve(_ context.Context, key string) (models.Principal, error) {
	p, ok := s[key]
	if !ok {
		return models.Principal{}, huberrors.NewNotFoundError("user", "no active user for api key")
	}

	return p, nil
}

func TestRouter_EvaluationRequiresPrivilegedPrincipal(t *testing.T) {
	buyer := int64(7)
	router := newRouter(&config.Config{}, routes{
		evaluation: handlers.NewEvaluationHandler(nil),
		resolver: staticResolver{
			"buyer-key": {UserID: 3, Role: models.RoleBuyer, BuyerID: &buyer},
		},
	})

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/v1/evaluation/tests", `{"name":"t","query":"laptop","relevant_ids":[1]}`},
		{http.MethodGet, "/v1/evaluation/tests", ""},
		{http.MethodPost, "/v1/evaluation/tests/import", "tests: []"},
		{http.MethodPatch, "/v1/evaluation/tests/1", `{"active":false}`},
		{http.MethodPost, "/v1/evaluation/tests/1/run", ""},
		{http.MethodPost, "/v1/evaluation/run-active", ""},
		{http.MethodGet, "/v1/evaluation/report", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer buyer-key")

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}
