package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/response"
)

type bookingService interface {
	CreateSlot(ctx context.Context, teacherID string, req dto.CreateSlotRequest) (*models.Slot, error)
	AssignStudent(ctx context.Context, req dto.AssignStudentRequest) (*models.Assignment, error)
	RemoveStudent(ctx context.Context, slotID string) (*models.Slot, error)
	UpdateSlot(ctx context.Context, slotID string, req dto.UpdateSlotRequest) (*models.Slot, error)
	GetSlot(ctx context.Context, slotID string) (*dto.SlotView, error)
	GetTeacherWeeklyView(ctx context.Context, teacherID string) (*dto.WeeklyView, error)
	GetStudentView(ctx context.Context, studentID string) (*dto.StudentScheduleView, error)
}

// BookingHandler exposes slot and schedule endpoints.
type BookingHandler struct {
	booking bookingService
}

// NewBookingHandler constructs a BookingHandler.
func NewBookingHandler(booking bookingService) *BookingHandler {
	return &BookingHandler{booking: booking}
}

// CreateSlot godoc
// @Summary Create a time block for a teacher
// @Tags Booking
// @Accept json
// @Produce json
// @Param id path string true "Teacher ID"
// @Param payload body dto.CreateSlotRequest true "Slot payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /teachers/{id}/slots [post]
func (h *BookingHandler) CreateSlot(c *gin.Context) {
	var req dto.CreateSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid slot payload"))
		return
	}
	slot, err := h.booking.CreateSlot(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, slot)
}

// TeacherSchedule godoc
// @Summary Weekly schedule of a teacher
// @Tags Booking
// @Produce json
// @Param id path string true "Teacher ID"
// @Success 200 {object} response.Envelope
// @Router /teachers/{id}/schedule [get]
func (h *BookingHandler) TeacherSchedule(c *gin.Context) {
	view, err := h.booking.GetTeacherWeeklyView(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// StudentSchedule godoc
// @Summary Active lessons of a student
// @Tags Booking
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/schedule [get]
func (h *BookingHandler) StudentSchedule(c *gin.Context) {
	view, err := h.booking.GetStudentView(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// GetSlot godoc
// @Summary Slot detail
// @Tags Booking
// @Produce json
// @Param slotId path string true "Slot ID"
// @Success 200 {object} response.Envelope
// @Router /slots/{slotId} [get]
func (h *BookingHandler) GetSlot(c *gin.Context) {
	view, err := h.booking.GetSlot(c.Request.Context(), c.Param("slotId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// UpdateSlot godoc
// @Summary Update slot timing or details
// @Tags Booking
// @Accept json
// @Produce json
// @Param slotId path string true "Slot ID"
// @Param payload body dto.UpdateSlotRequest true "Slot patch"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /slots/{slotId} [patch]
func (h *BookingHandler) UpdateSlot(c *gin.Context) {
	var req dto.UpdateSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid slot payload"))
		return
	}
	slot, err := h.booking.UpdateSlot(c.Request.Context(), c.Param("slotId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slot, nil)
}

// AssignStudent godoc
// @Summary Book a student into a slot
// @Tags Booking
// @Accept json
// @Produce json
// @Param slotId path string true "Slot ID"
// @Param payload body dto.AssignStudentRequest true "Assignment payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /slots/{slotId}/assignment [post]
func (h *BookingHandler) AssignStudent(c *gin.Context) {
	var req dto.AssignStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid assignment payload"))
		return
	}
	req.SlotID = c.Param("slotId")
	assignment, err := h.booking.AssignStudent(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, assignment)
}

// RemoveStudent godoc
// @Summary Release a booked slot
// @Tags Booking
// @Produce json
// @Param slotId path string true "Slot ID"
// @Success 200 {object} response.Envelope
// @Router /slots/{slotId}/assignment [delete]
func (h *BookingHandler) RemoveStudent(c *gin.Context) {
	slot, err := h.booking.RemoveStudent(c.Request.Context(), c.Param("slotId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slot, nil)
}
