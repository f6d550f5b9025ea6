package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-sync-api/internal/middleware"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/response"
)

const (
	defaultPage     = 1
	defaultPageSize = 20
	maxPageSize     = 100
)

// actorID is the authenticated user stamped on audits and jobs.
func actorID(c *gin.Context) string {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return ""
	}
	if claims, ok := value.(*models.JWTClaims); ok && claims != nil {
		return claims.UserID
	}
	return ""
}

// pageParams reads page and page_size, falling back to defaults on bad input.
func pageParams(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 1 {
		page = defaultPage
	}
	size, err := strconv.Atoi(c.Query("page_size"))
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func entityTypeParam(c *gin.Context) (models.EntityType, bool) {
	raw := c.Param("entityType")
	entityType := models.EntityType(strings.ToLower(raw))
	if !entityType.Valid() {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported entity type %q", raw)))
		return "", false
	}
	return entityType, true
}
