package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rgalvao/switchboard/internal/dispatch"
	"github.com/rgalvao/switchboard/internal/fault"
	"github.com/rgalvao/switchboard/internal/router"
	"gorm.io/gorm"
)

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(r *gin.Engine, db *gorm.DB, d *dispatch.Dispatcher) {
	r.GET("/healthz", handleHealth(db))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/webhook/:channelID", handleWebhook(d))

	api := r.Group("/api")
	api.POST("/messages", handleSend(d))
	api.POST("/claim", handleClaim(db))
	api.POST("/transfer", handleTransfer(d))
	api.POST("/operators/:id/online", handleOnline(d))
	api.POST("/operators/:id/offline", handleOffline(d))
	api.POST("/operators/:id/heartbeat", handleHeartbeat(d))
	api.POST("/lines/:id/ban", handleBan(d))
	api.GET("/events/:operatorID", handleEvents(d))
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// webhookPayload is the normalized inbound event posted by the webhook
// receiver.
type webhookPayload struct {
	From              string    `json:"from" binding:"required"`
	Name              string    `json:"name"`
	Timestamp         time.Time `json:"timestamp"`
	ContentType       string    `json:"content_type"`
	Text              string    `json:"text"`
	Caption           string    `json:"caption"`
	MediaRef          string    `json:"media_ref"`
	ProviderMessageID string    `json:"provider_message_id"`
}

func handleWebhook(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload webhookPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := d.HandleInbound(c.Request.Context(), dispatch.InboundEvent{
			FromPhone:         payload.From,
			FromName:          payload.Name,
			LineChannelID:     c.Param("channelID"),
			Timestamp:         payload.Timestamp,
			ContentType:       payload.ContentType,
			Text:              payload.Text,
			Caption:           payload.Caption,
			MediaRef:          payload.MediaRef,
			ProviderMessageID: payload.ProviderMessageID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}

type sendPayload struct {
	OperatorID  string `json:"operator_id" binding:"required"`
	Phone       string `json:"phone" binding:"required"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
	MediaRef    string `json:"media_ref"`
	Campaign    bool   `json:"campaign"`
}

func handleSend(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload sendPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		row, err := d.SendMessage(c.Request.Context(), dispatch.SendRequest{
			OperatorID:  payload.OperatorID,
			Phone:       payload.Phone,
			Body:        payload.Body,
			ContentType: payload.ContentType,
			MediaRef:    payload.MediaRef,
			Campaign:    payload.Campaign,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversation_id": row.ID, "provider_message_id": row.ProviderMessageID})
	}
}

type claimPayload struct {
	OperatorID string `json:"operator_id" binding:"required"`
	SegmentID  uint   `json:"segment_id"`
	Limit      int    `json:"limit"`
}

func handleClaim(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload claimPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if payload.Limit <= 0 {
			payload.Limit = 10
		}
		claimed, err := router.ClaimBatch(db, payload.OperatorID, payload.SegmentID, payload.Limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"claimed": claimed})
	}
}

type transferPayload struct {
	Phone            string `json:"phone" binding:"required"`
	TargetOperatorID string `json:"target_operator_id" binding:"required"`
	ActorID          string `json:"actor_id" binding:"required"`
}

func handleTransfer(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload transferPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		moved, err := d.TransferConversations(payload.Phone, payload.TargetOperatorID, payload.ActorID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows_moved": moved})
	}
}

func handleOnline(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		drained, claimed, err := d.OperatorConnect(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"drained": drained, "claimed": claimed})
	}
}

func handleOffline(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := d.OperatorDisconnect(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "offline"})
	}
}

func handleHeartbeat(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := d.Heartbeat(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleBan(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUintParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		migrated, err := d.BanLine(id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"migrated": migrated})
	}
}

// writeError maps the engine's error taxonomy onto HTTP statuses. Policy
// refusals and quota rejections carry their reason — they are answers, not
// failures.
func writeError(c *gin.Context, err error) {
	var pb *fault.PolicyBlocked
	switch {
	case errors.As(err, &pb):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"blocked": pb.Rule, "reason": pb.Reason})
	case errors.Is(err, fault.ErrRateLimited):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"blocked": "rate_limit", "reason": "daily send cap exhausted"})
	case errors.Is(err, fault.ErrChannelUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "channel unavailable"})
	case errors.Is(err, fault.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, fault.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
