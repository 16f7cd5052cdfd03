package audit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# Ledger Sync Service

Incrementally mirrors accounting records (accounts, contacts, invoices, payments,
credit notes, items, bank accounts and transactions, manual journals, tracking
categories) into per-entity staging tables.

## Auth

All /api/* routes require a Bearer token (validated upstream).
Health endpoints are public. Set X-Initiated-By to attribute triggered sessions.

## Routes

- GET /healthz
- GET /readyz
- GET /swagger/index.html
- POST /api/sync/full
- POST /api/sync/entities
- POST /api/sync/sessions/:id/cancel
- POST /api/sync/checkpoints/:entity/reset
- GET /api/sync/checkpoints
- GET /api/sync/sessions
- GET /api/sync/sessions/:id
- GET /api/sync/sessions/:id/events (websocket)
- GET /api/staging/:entity

## Sessions

Only one session runs at a time; a second trigger returns 409.
POST endpoints wait for the session unless ?async=true, which returns 202
with the session id right after it is created.
`)
	})
}
