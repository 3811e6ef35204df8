package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentrelay/gateway/internal/apperr"
	"github.com/agentrelay/gateway/internal/auth"
	"github.com/agentrelay/gateway/internal/middleware"
	"github.com/agentrelay/gateway/internal/reservation"
)

// defaultReservationTTL is used when a client omits ttlSeconds.
const defaultReservationTTL = 5 * time.Minute

// ReservationHandlers exposes the reservation/conflict engine over
// REST, for clients that would rather poll than hold a socket open
// just to acquire a lock.
type ReservationHandlers struct {
	engine       *reservation.Engine
	acquireLimit *middleware.EndpointRateLimiter
}

// NewReservationHandlers wires REST handlers to engine. acquireLimit
// throttles the acquire endpoint per user, since a misbehaving agent
// retrying a losing acquire in a tight loop is the most likely source
// of reservation-engine contention.
func NewReservationHandlers(engine *reservation.Engine, acquireLimit *middleware.EndpointRateLimiter) *ReservationHandlers {
	return &ReservationHandlers{engine: engine, acquireLimit: acquireLimit}
}

// Register attaches the reservation/conflict routes to r.
func (h *ReservationHandlers) Register(r gin.IRouter) {
	r.POST("/projects/:projectId/reservations", h.acquireLimit.Middleware("reservations.acquire"), h.acquire)
	r.DELETE("/reservations/:reservationId", h.release)
	r.GET("/reservations/conflicts", h.listConflicts)
	r.POST("/conflicts/:conflictId/resolve", h.resolveConflict)
}

type acquireRequest struct {
	Patterns   []string `json:"patterns" binding:"required"`
	Exclusive  bool     `json:"exclusive"`
	TTLSeconds int      `json:"ttlSeconds"`
}

func (h *ReservationHandlers) acquire(c *gin.Context) {
	projectID := c.Param("projectId")
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		// Reservation routes are mounted behind auth.RequireAuth, so this
		// only fires if that middleware was skipped by misconfiguration.
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var req acquireRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Patterns) == 0 {
		apperr.AbortWithError(c, apperr.BadRequest("patterns is required").WithFields([]apperr.Field{{Path: "patterns", Message: "patterns is required", Code: "required"}}))
		return
	}
	ttl := defaultReservationTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	res, conflict, aerr := h.engine.Acquire(c.Request.Context(), projectID, claims.UserID, req.Patterns, req.Exclusive, ttl)
	if aerr != nil {
		if conflict != nil {
			writeData(c, http.StatusConflict, "conflict", conflict)
			return
		}
		apperr.AbortWithError(c, aerr)
		return
	}
	writeData(c, http.StatusCreated, "reservation", res)
}

func (h *ReservationHandlers) release(c *gin.Context) {
	id := c.Param("reservationId")
	if aerr := h.engine.Release(c.Request.Context(), id); aerr != nil {
		apperr.AbortWithError(c, aerr)
		return
	}
	c.Status(http.StatusNoContent)
}

// listConflicts serves GET /reservations/conflicts?projectId=&status=.
func (h *ReservationHandlers) listConflicts(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		apperr.AbortWithError(c, apperr.BadRequest("projectId is required"))
		return
	}
	status := reservation.ConflictStatus(c.Query("status"))
	conflicts := h.engine.ListConflicts(projectID, status)
	writeData(c, http.StatusOK, "conflicts", conflicts)
}

type resolveConflictRequest struct {
	ResolvedBy string `json:"resolvedBy" binding:"required"`
	Reason     string `json:"reason"`
}

func (h *ReservationHandlers) resolveConflict(c *gin.Context) {
	id := c.Param("conflictId")
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.AbortWithError(c, apperr.BadRequest("resolvedBy is required").WithFields([]apperr.Field{{Path: "resolvedBy", Message: "resolvedBy is required", Code: "required"}}))
		return
	}
	conflict, aerr := h.engine.ResolveConflict(c.Request.Context(), id, req.ResolvedBy, req.Reason)
	if aerr != nil {
		apperr.AbortWithError(c, aerr)
		return
	}
	writeData(c, http.StatusOK, "conflict", conflict)
}

// writeData writes the gateway's canonical success envelope:
// {object, data, requestId}.
func writeData(c *gin.Context, status int, object string, data interface{}) {
	c.JSON(status, gin.H{
		"object":    object,
		"data":      data,
		"requestId": middleware.GetRequestID(c),
	})
}
