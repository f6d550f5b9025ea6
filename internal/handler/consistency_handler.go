package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/export"
	"github.com/noah-isme/lesson-sync-api/pkg/response"
)

type consistencyService interface {
	DetectInconsistencies(ctx context.Context, req dto.DetectRequest) (*models.ConsistencyReport, error)
	Repair(ctx context.Context, req dto.RepairRequest) (*models.RepairResult, error)
	ExportReport(ctx context.Context, req dto.ExportRequest) ([]byte, string, error)
}

// ConsistencyHandler exposes detection and repair of mirrored relationships.
type ConsistencyHandler struct {
	consistency consistencyService
}

// NewConsistencyHandler constructs a ConsistencyHandler.
func NewConsistencyHandler(consistency consistencyService) *ConsistencyHandler {
	return &ConsistencyHandler{consistency: consistency}
}

// Detect godoc
// @Summary Scan teacher and student documents for inconsistencies
// @Tags Consistency
// @Produce json
// @Param relationship query string false "Relationship authority (teacher|student)"
// @Param schedule query string false "Schedule authority (teacher|student)"
// @Success 200 {object} response.Envelope
// @Router /admin/consistency [get]
func (h *ConsistencyHandler) Detect(c *gin.Context) {
	report, err := h.consistency.DetectInconsistencies(c.Request.Context(), dto.DetectRequest{Authority: authorityFromQuery(c)})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Repair godoc
// @Summary Repair inconsistencies toward the declared authority
// @Tags Consistency
// @Accept json
// @Produce json
// @Param payload body dto.RepairRequest false "Repair options"
// @Success 200 {object} response.Envelope
// @Router /admin/consistency/repair [post]
func (h *ConsistencyHandler) Repair(c *gin.Context) {
	var req dto.RepairRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid repair payload"))
			return
		}
	}
	result, err := h.consistency.Repair(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Export godoc
// @Summary Download the latest consistency report
// @Tags Consistency
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /admin/consistency/export [get]
func (h *ConsistencyHandler) Export(c *gin.Context) {
	req := dto.ExportRequest{Format: strings.ToLower(c.DefaultQuery("format", string(export.FormatCSV)))}
	if !export.Format(req.Format).Valid() {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", req.Format)))
		return
	}
	body, contentType, err := h.consistency.ExportReport(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("consistency-%s.%s", time.Now().UTC().Format("20060102-150405"), req.Format)
	response.File(c, contentType, filename, body)
}

func authorityFromQuery(c *gin.Context) *models.Authority {
	relationship, schedule := c.Query("relationship"), c.Query("schedule")
	if relationship == "" && schedule == "" {
		return nil
	}
	return &models.Authority{
		Relationship: models.Side(strings.ToLower(relationship)),
		Schedule:     models.Side(strings.ToLower(schedule)),
	}
}
