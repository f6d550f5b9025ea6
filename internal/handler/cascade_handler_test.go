package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/middleware"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/internal/service"
	"github.com/noah-isme/lesson-sync-api/pkg/export"
)

type cascadeServiceStub struct {
	gotRequest dto.CascadeRequest
	gotFilter  dto.AuditFilter
	gotFormat  export.Format
}

func (s *cascadeServiceStub) ComputeImpact(_ context.Context, entityType models.EntityType, id string) (*models.ImpactReport, error) {
	return &models.ImpactReport{EntityType: entityType, EntityID: id}, nil
}

func (s *cascadeServiceStub) Execute(_ context.Context, req dto.CascadeRequest, _ service.ProgressFunc) (*models.CascadeResult, error) {
	s.gotRequest = req
	return &models.CascadeResult{AuditID: "audit-1", Attempts: 1}, nil
}

func (s *cascadeServiceStub) GetAudit(_ context.Context, id string) (*models.DeletionAudit, error) {
	return &models.DeletionAudit{ID: id}, nil
}

func (s *cascadeServiceStub) ListAudits(_ context.Context, filter dto.AuditFilter) ([]models.DeletionAudit, *models.Pagination, error) {
	s.gotFilter = filter
	return nil, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (s *cascadeServiceStub) ExportAudit(_ context.Context, _ string, format export.Format) ([]byte, error) {
	s.gotFormat = format
	return []byte("collection,operation\n"), nil
}

func TestCascadeHandlerRejectsUnknownEntityType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewCascadeHandler(&cascadeServiceStub{})

	c, w := newGinContext(http.MethodGet, "/admin/cascade/course/c1/impact", nil)
	c.Params = gin.Params{{Key: "entityType", Value: "course"}, {Key: "id", Value: "c1"}}

	h.Impact(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCascadeHandlerExecuteCarriesActorAndReason(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := &cascadeServiceStub{}
	h := NewCascadeHandler(stub)

	c, w := newGinContext(http.MethodPost, "/admin/cascade/Student/student-s", []byte(`{"reason":"graduated"}`))
	c.Params = gin.Params{{Key: "entityType", Value: "Student"}, {Key: "id", Value: "student-s"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})

	h.Execute(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.EntityStudent, stub.gotRequest.EntityType)
	assert.Equal(t, "admin-1", stub.gotRequest.ActorID)
	require.NotNil(t, stub.gotRequest.Reason)
	assert.Equal(t, "graduated", *stub.gotRequest.Reason)
}

func TestCascadeHandlerListAuditsPaging(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := &cascadeServiceStub{}
	h := NewCascadeHandler(stub)

	c, w := newGinContext(http.MethodGet, "/admin/deletion-audits?entityType=Teacher&page=2&page_size=5", nil)

	h.ListAudits(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "teacher", stub.gotFilter.EntityType)
	assert.Equal(t, 2, stub.gotFilter.Page)
	assert.Equal(t, 5, stub.gotFilter.PageSize)
	assert.Contains(t, w.Body.String(), `"pagination"`)
}

func TestPageParamsDefaultsAndClamps(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query      string
		page, size int
	}{
		{"", 1, 20},
		{"?page=0&page_size=-3", 1, 20},
		{"?page=abc&page_size=500", 1, 100},
		{"?page=3&page_size=50", 3, 50},
	}
	for _, tc := range cases {
		c, _ := newGinContext(http.MethodGet, "/admin/deletion-audits"+tc.query, nil)
		page, size := pageParams(c)
		assert.Equal(t, tc.page, page, tc.query)
		assert.Equal(t, tc.size, size, tc.query)
	}
}

func TestCascadeHandlerExportAudit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := &cascadeServiceStub{}
	h := NewCascadeHandler(stub)

	c, w := newGinContext(http.MethodGet, "/admin/deletion-audits/audit-1/export", nil)
	c.Params = gin.Params{{Key: "id", Value: "audit-1"}}

	h.ExportAudit(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.FormatCSV, stub.gotFormat)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "deletion-audit-audit-1.csv")
}
