package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/internal/service"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/export"
	"github.com/noah-isme/lesson-sync-api/pkg/response"
)

type cascadeService interface {
	ComputeImpact(ctx context.Context, entityType models.EntityType, entityID string) (*models.ImpactReport, error)
	Execute(ctx context.Context, req dto.CascadeRequest, progress service.ProgressFunc) (*models.CascadeResult, error)
	GetAudit(ctx context.Context, id string) (*models.DeletionAudit, error)
	ListAudits(ctx context.Context, filter dto.AuditFilter) ([]models.DeletionAudit, *models.Pagination, error)
	ExportAudit(ctx context.Context, id string, format export.Format) ([]byte, error)
}

// CascadeHandler exposes impact previews, synchronous cascades and deletion audits.
type CascadeHandler struct {
	cascade cascadeService
}

// NewCascadeHandler constructs a CascadeHandler.
func NewCascadeHandler(cascade cascadeService) *CascadeHandler {
	return &CascadeHandler{cascade: cascade}
}

// Impact godoc
// @Summary Preview what a cascade deletion would touch
// @Tags Cascade
// @Produce json
// @Param entityType path string true "teacher or student"
// @Param id path string true "Entity ID"
// @Success 200 {object} response.Envelope
// @Router /admin/cascade/{entityType}/{id}/impact [get]
func (h *CascadeHandler) Impact(c *gin.Context) {
	entityType, ok := entityTypeParam(c)
	if !ok {
		return
	}
	report, err := h.cascade.ComputeImpact(c.Request.Context(), entityType, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Execute godoc
// @Summary Delete an entity and its dependents in one transaction
// @Tags Cascade
// @Accept json
// @Produce json
// @Param entityType path string true "teacher or student"
// @Param id path string true "Entity ID"
// @Param payload body dto.CascadeExecuteRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /admin/cascade/{entityType}/{id} [post]
func (h *CascadeHandler) Execute(c *gin.Context) {
	entityType, ok := entityTypeParam(c)
	if !ok {
		return
	}
	var body dto.CascadeExecuteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid cascade payload"))
			return
		}
	}
	req := dto.CascadeRequest{EntityType: entityType, EntityID: c.Param("id"), ActorID: actorID(c), Reason: body.Reason}
	result, err := h.cascade.Execute(c.Request.Context(), req, nil)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ListAudits godoc
// @Summary List deletion audits
// @Tags Cascade
// @Produce json
// @Param entityType query string false "teacher or student"
// @Param entityId query string false "Entity ID"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/deletion-audits [get]
func (h *CascadeHandler) ListAudits(c *gin.Context) {
	filter := dto.AuditFilter{
		EntityType: strings.ToLower(c.Query("entityType")),
		EntityID:   c.Query("entityId"),
	}
	filter.Page, filter.PageSize = pageParams(c)
	audits, pagination, err := h.cascade.ListAudits(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, audits, pagination)
}

// GetAudit godoc
// @Summary Deletion audit detail
// @Tags Cascade
// @Produce json
// @Param id path string true "Audit ID"
// @Success 200 {object} response.Envelope
// @Router /admin/deletion-audits/{id} [get]
func (h *CascadeHandler) GetAudit(c *gin.Context) {
	audit, err := h.cascade.GetAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, audit, nil)
}

// ExportAudit godoc
// @Summary Download the operations of a deletion audit
// @Tags Cascade
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Audit ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /admin/deletion-audits/{id}/export [get]
func (h *CascadeHandler) ExportAudit(c *gin.Context) {
	format := export.Format(strings.ToLower(c.DefaultQuery("format", string(export.FormatCSV))))
	body, err := h.cascade.ExportAudit(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, format.ContentType(), format.Filename(fmt.Sprintf("deletion-audit-%s", c.Param("id"))), body)
}
