package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/adapters/store"
	"github.com/dkeye/callsig/internal/domain"
)

// sessionHandlers expose the durable store to clients that cannot embed
// it, e.g. browsers.
type sessionHandlers struct {
	store store.Store
}

func (h sessionHandlers) get(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	rec, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h sessionHandlers) patch(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	var p domain.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if p.Kind != nil && !p.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid callType"})
		return
	}
	rec, err := h.store.Publish(c.Request.Context(), id, p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h sessionHandlers) delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := domain.SessionID(c.Param("id"))
	if err := h.store.DeleteAllCandidates(ctx, id); err != nil {
		fail(c, err)
		return
	}
	if err := h.store.DeleteSession(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h sessionHandlers) listCandidates(c *gin.Context) {
	role, ok := roleParam(c)
	if !ok {
		return
	}
	cands, err := h.store.ListCandidates(c.Request.Context(), domain.SessionID(c.Param("id")), role)
	if err != nil {
		fail(c, err)
		return
	}
	if cands == nil {
		cands = []domain.Candidate{}
	}
	c.JSON(http.StatusOK, gin.H{"candidates": cands})
}

func (h sessionHandlers) appendCandidate(c *gin.Context) {
	role, ok := roleParam(c)
	if !ok {
		return
	}
	var cand domain.Candidate
	if err := c.ShouldBindJSON(&cand); err != nil || cand.Candidate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if err := h.store.AppendCandidate(c.Request.Context(), domain.SessionID(c.Param("id")), role, cand); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func roleParam(c *gin.Context) (domain.Role, bool) {
	role := domain.Role(c.Param("role"))
	if role != domain.RoleCaller && role != domain.RoleCallee {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be caller or callee"})
		return "", false
	}
	return role, true
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTerminal):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrAnswerBeforeOffer), errors.Is(err, domain.ErrKindImmutable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTransport):
		status = http.StatusServiceUnavailable
	}
	log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
