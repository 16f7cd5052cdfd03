package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"ledgersync/internal/audit"
	"ledgersync/internal/models"
	"ledgersync/internal/repository"
	"ledgersync/internal/service"
)

type SyncHandler struct {
	Engine *service.SyncEngine
	Store  repository.Repository
	Hub    *service.EventHub
	Logger *zap.Logger
	// BaseCtx outlives requests; sessions run on it so a dropped client does not abort a sync.
	BaseCtx        context.Context
	AllowAnyOrigin bool
}

type entitySyncRequest struct {
	Entities  []string `json:"entities"`
	ForceFull bool     `json:"force_full"`
}

type sessionDetail struct {
	Session models.SyncSession `json:"session"`
	Logs    []models.SyncLog   `json:"logs"`
}

func (h *SyncHandler) Register(r *gin.Engine) {
	group := r.Group("/api/sync")
	group.POST("/full", h.triggerFull)
	group.POST("/entities", h.triggerEntities)
	group.POST("/sessions/:id/cancel", h.cancelSession)
	group.POST("/checkpoints/:entity/reset", h.resetCheckpoint)
	group.GET("/checkpoints", h.listCheckpoints)
	group.GET("/sessions", h.listSessions)
	group.GET("/sessions/:id", h.getSession)
	group.GET("/sessions/:id/events", h.streamEvents)

	r.GET("/api/staging/:entity", h.listStaged)
}

func (h *SyncHandler) baseCtx() context.Context {
	if h.BaseCtx != nil {
		return h.BaseCtx
	}
	return context.Background()
}

// @Summary Run a full sync of every entity
// @Tags sync
// @Param async query bool false "return 202 once the session is created"
// @Success 200 {object} apiResponse
// @Success 202 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/sync/full [post]
func (h *SyncHandler) triggerFull(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	active, err := h.Engine.StartFullSync(c.Request.Context(), audit.Initiator(c))
	if err != nil {
		h.rejected(c, "full", err)
		return
	}
	h.run(c, active)
}

// @Summary Sync selected entities
// @Tags sync
// @Accept json
// @Param body body entitySyncRequest false "entities and force_full"
// @Param entities query string false "comma separated entity types"
// @Param force_full query bool false "fetch from the epoch"
// @Param async query bool false "return 202 once the session is created"
// @Success 200 {object} apiResponse
// @Success 202 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/sync/entities [post]
func (h *SyncHandler) triggerEntities(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	var body entitySyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
			return
		}
	}
	entities := body.Entities
	if raw := strings.TrimSpace(c.Query("entities")); raw != "" {
		entities = append(entities, strings.Split(raw, ",")...)
	}
	forceFull := boolQueryDefault(c, "force_full", body.ForceFull)

	active, err := h.Engine.StartEntitySync(c.Request.Context(), cleanStrings(entities), audit.Initiator(c), forceFull)
	if err != nil {
		h.rejected(c, "entities", err)
		return
	}
	h.run(c, active)
}

func (h *SyncHandler) run(c *gin.Context, active *service.ActiveSession) {
	if boolQueryDefault(c, "async", false) {
		h.Engine.ExecuteAsync(h.baseCtx(), active)
		Accepted(c, gin.H{
			"session_id":      active.Session.ID,
			"target_entities": active.Entities,
			"status":          active.Session.Status,
		}, nil)
		return
	}
	result := h.Engine.Execute(h.baseCtx(), active)
	Ok(c, result, nil)
}

func (h *SyncHandler) rejected(c *gin.Context, trigger string, err error) {
	if h.Logger != nil && !errors.Is(err, service.ErrSessionAlreadyRunning) && !errors.Is(err, service.ErrInvalidEntityType) {
		h.Logger.Warn("sync trigger failed", zap.String("trigger", trigger), zap.Error(err))
	}
	ErrorFrom(c, err)
}

// @Summary Cancel a running session
// @Tags sync
// @Param id path string true "session id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/sync/sessions/{id}/cancel [post]
func (h *SyncHandler) cancelSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.Engine.CancelSession(c.Request.Context(), id, audit.Initiator(c)); err != nil {
		ErrorFrom(c, err)
		return
	}
	Ok(c, gin.H{"session_id": id, "status": models.SessionCancelled}, nil)
}

// @Summary Reset an entity checkpoint to the epoch
// @Tags sync
// @Param entity path string true "entity type"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/sync/checkpoints/{entity}/reset [post]
func (h *SyncHandler) resetCheckpoint(c *gin.Context) {
	cp, err := h.Engine.ResetCheckpoint(c.Request.Context(), c.Param("entity"))
	if err != nil {
		ErrorFrom(c, err)
		return
	}
	Ok(c, cp, nil)
}

// @Summary List checkpoints
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/checkpoints [get]
func (h *SyncHandler) listCheckpoints(c *gin.Context) {
	items, err := h.Store.ListCheckpoints(c.Request.Context())
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}

// @Summary List sync sessions
// @Tags sync
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Param status query string false "running|completed|error|cancelled"
// @Param type query string false "manual|scheduled|initial"
// @Param asc query bool false "oldest first"
// @Success 200 {object} apiResponse
// @Router /api/sync/sessions [get]
func (h *SyncHandler) listSessions(c *gin.Context) {
	params := repository.ListSessionsParams{
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
		Status: strQueryPtr(c, "status"),
		Type:   strQueryPtr(c, "type"),
		Asc:    boolQueryPtr(c, "asc"),
	}
	items, err := h.Store.ListSessions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := h.Store.CountSessions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(params.Limit, params.Offset, total))
}

// @Summary Get a session with its entity logs
// @Tags sync
// @Param id path string true "session id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/sync/sessions/{id} [get]
func (h *SyncHandler) getSession(c *gin.Context) {
	id := c.Param("id")
	session, err := h.Store.GetSession(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	if session == nil {
		Error(c, http.StatusNotFound, "session not found", nil)
		return
	}
	logs, err := h.Store.ListSyncLogs(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, sessionDetail{Session: *session, Logs: logs}, nil)
}

// @Summary Stream live session events over a websocket
// @Tags sync
// @Param id path string true "session id, or * for every session"
// @Router /api/sync/sessions/{id}/events [get]
func (h *SyncHandler) streamEvents(c *gin.Context) {
	if h.Hub == nil {
		Error(c, http.StatusServiceUnavailable, "event stream disabled", nil)
		return
	}
	id := c.Param("id")
	events, release := h.Hub.Subscribe(id, 64)
	defer release()

	var session *models.SyncSession
	if id != service.AllSessions {
		var err error
		session, err = h.Store.GetSession(c.Request.Context(), id)
		if err != nil {
			Error(c, http.StatusInternalServerError, err.Error(), nil)
			return
		}
		if session == nil {
			Error(c, http.StatusNotFound, "session not found", nil)
			return
		}
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: h.AllowAnyOrigin})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("websocket accept failed", zap.Error(err))
		}
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")
	ctx := conn.CloseRead(c.Request.Context())

	if session != nil && session.Status != models.SessionRunning {
		_ = writeEvent(ctx, conn, service.Event{
			Kind:      service.EventSessionFinished,
			SessionID: session.ID,
			Status:    string(session.Status),
			At:        session.UpdatedAt,
		})
		conn.Close(websocket.StatusNormalClosure, "session finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
			if id != service.AllSessions && ev.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "session finished")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev service.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

// @Summary List staged records of one entity
// @Tags staging
// @Param entity path string true "entity type"
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Param updated_since query string false "RFC3339 lower bound on UpdatedDateUTC"
// @Param status query string false "record status"
// @Param contact_id query string false "contact id"
// @Param asc query bool false "oldest first"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/staging/{entity} [get]
func (h *SyncHandler) listStaged(c *gin.Context) {
	entity, err := models.ParseEntityType(c.Param("entity"))
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	desc, _ := models.Describe(entity)
	params := repository.ListStagedParams{
		Limit:        intQuery(c, "limit", 100),
		Offset:       intQuery(c, "offset", 0),
		UpdatedSince: timeQueryPtr(c, "updated_since"),
		Status:       strQueryPtr(c, "status"),
		ContactID:    strQueryPtr(c, "contact_id"),
		Asc:          boolQueryPtr(c, "asc"),
	}
	items, err := h.Store.ListStagedRecords(c.Request.Context(), desc.TableName(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := h.Store.CountStagedRecords(c.Request.Context(), desc.TableName(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(params.Limit, params.Offset, total))
}
