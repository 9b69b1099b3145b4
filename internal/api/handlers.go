package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/postop-tracker/internal/clinical"
	"github.com/mesikahq/postop-tracker/internal/patient"
)

type Handler struct {
	patientService patient.Service
	engine         *clinical.Engine
	logger         *zap.Logger
}

func NewHandler(patientService patient.Service, engine *clinical.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		patientService: patientService,
		engine:         engine,
		logger:         logger.Named("api"),
	}
}

// Patient Handlers

func (h *Handler) ListPatients(c *gin.Context) {
	patients, err := h.patientService.GetAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patients": patients, "total": len(patients)})
}

func (h *Handler) CreatePatient(c *gin.Context) {
	var req patient.NewPatient
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.patientService.Create(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetPatient(c *gin.Context) {
	id := c.Param("id")
	rec, ok, err := h.patientService.GetByID(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		h.respondError(c, &patient.NotFoundError{PatientID: id})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdatePatient(c *gin.Context) {
	var req patient.PatientUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.patientService.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeletePatient(c *gin.Context) {
	if err := h.patientService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Entry Handlers

func (h *Handler) AddVitalEntry(c *gin.Context) {
	var entry patient.VitalEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.patientService.AddVitalEntry(c.Request.Context(), c.Param("id"), entry)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) AddLabEntry(c *gin.Context) {
	var entry patient.LabEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.patientService.AddLabEntry(c.Request.Context(), c.Param("id"), entry)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) DeleteVitalEntry(c *gin.Context) {
	rec, err := h.patientService.DeleteVitalEntry(c.Request.Context(), c.Param("id"), c.Param("entryId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteLabEntry(c *gin.Context) {
	rec, err := h.patientService.DeleteLabEntry(c.Request.Context(), c.Param("id"), c.Param("entryId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Clinical Handlers

func (h *Handler) GetAlerts(c *gin.Context) {
	rec, ok := h.loadPatient(c)
	if !ok {
		return
	}
	ev := h.engine.Evaluate(rec.VitalEntries, rec.LabEntries)
	alerts := clinical.BuildAlerts(h.engine.Thresholds(), ev, h.engine.Trends(rec.VitalEntries, rec.LabEntries))
	c.JSON(http.StatusOK, gin.H{
		"patientId":      rec.PatientID,
		"alertStatus":    rec.AlertStatus,
		"computedStatus": ev.Status,
		"abnormalCount":  ev.AbnormalCount,
		"findings":       nonNil(ev.Findings),
		"alerts":         alerts,
	})
}

func (h *Handler) GetTrends(c *gin.Context) {
	rec, ok := h.loadPatient(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"patientId": rec.PatientID,
		"trends":    nonNil(h.engine.Trends(rec.VitalEntries, rec.LabEntries)),
	})
}

func (h *Handler) GetThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Thresholds())
}

func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.patientService.Stats())
}

func (h *Handler) loadPatient(c *gin.Context) (*patient.PatientRecord, bool) {
	id := c.Param("id")
	rec, ok, err := h.patientService.GetByID(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	if !ok {
		h.respondError(c, &patient.NotFoundError{PatientID: id})
		return nil, false
	}
	return rec, true
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		notFound     *patient.NotFoundError
		invalid      *patient.ValidationError
		verification *patient.VerificationError
	)
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error(), "field": invalid.Field})
	case errors.As(err, &verification):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": verification.Error(), "retryable": verification.Retryable()})
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
