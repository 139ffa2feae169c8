package main

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func newRouter(logger *logrus.Logger, db *gorm.DB, dispatcher *workflow.OutboxDispatcher, checker *workflow.ReconciliationChecker, ruleStore *workflow.RuleStore, engine *workflow.PostingEngine) *gin.Engine {
	r := gin.New()

	// Correlation ID and actor name: generate/attach once per request.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		if actor := c.GetHeader("x-actor-name"); actor != "" {
			ctx = utils.SetActorNameInContext(ctx, actor)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header("x-correlation-id", cid)
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id", "x-actor-name")
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", healthzHandler(dispatcher))
	r.GET("/v1/worker/status", workerStatusHandler(dispatcher))
	r.POST("/v1/outbox/process", outboxProcessHandler(dispatcher))
	r.GET("/v1/outbox/:id/status", outboxStatusHandler(db))
	r.POST("/v1/reconciliation/:business_id", reconciliationHandler(checker))
	r.POST("/v1/rules", upsertRuleHandler(ruleStore))
	r.POST("/v1/journals/:id/reverse", reverseJournalHandler(engine))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func healthzHandler(dispatcher *workflow.OutboxDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, details := dispatcher.Healthy(c.Request.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"healthy": ok, "details": details})
	}
}

func workerStatusHandler(dispatcher *workflow.OutboxDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, dispatcher.Status())
	}
}

// outboxProcessHandler is the manual ops trigger. force_retry replays
// FAILED/DEAD events; use it only after the underlying fault is fixed.
func outboxProcessHandler(dispatcher *workflow.OutboxDispatcher) gin.HandlerFunc {
	type request struct {
		BatchSize  int  `json:"batch_size"`
		ForceRetry bool `json:"force_retry"`
	}
	return func(c *gin.Context) {
		var req request
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
				return
			}
		}
		processed, failed, err := dispatcher.ProcessOutbox(c.Request.Context(), req.BatchSize, req.ForceRetry)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"processed_count": processed, "failed_count": failed})
	}
}

func outboxStatusHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid outbox event id"})
			return
		}
		event, err := models.GetOutboxEvent(c.Request.Context(), db, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": utils.ErrorRecordNotFound.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":              event.ID,
			"status":          event.Status,
			"event_type":      event.EventType,
			"attempt_count":   event.AttemptCount,
			"last_error":      event.LastError,
			"next_attempt_at": event.NextAttemptAt,
			"processed_at":    event.ProcessedAt,
		})
	}
}

func reconciliationHandler(checker *workflow.ReconciliationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := checker.Check(c.Request.Context(), c.Param("business_id"))
		if err != nil {
			if utils.IsValidationError(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func upsertRuleHandler(ruleStore *workflow.RuleStore) gin.HandlerFunc {
	type request struct {
		RuleId     string                 `json:"rule_id"`
		BusinessId string                 `json:"business_id"`
		RuleType   models.RuleType        `json:"rule_type"`
		Condition  map[string]interface{} `json:"condition"`
		Action     map[string]interface{} `json:"action"`
		Priority   int                    `json:"priority"`
		IsActive   *bool                  `json:"is_active"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		rule, err := models.NewRule(req.RuleId, req.BusinessId, req.RuleType, req.Condition, req.Action, req.Priority, req.IsActive)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		saved, err := ruleStore.UpsertRule(c.Request.Context(), rule)
		if err != nil {
			if utils.IsValidationError(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, saved)
	}
}

func reverseJournalHandler(engine *workflow.PostingEngine) gin.HandlerFunc {
	type request struct {
		BusinessId string `json:"business_id"`
		Reason     string `json:"reason"`
	}
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid journal id"})
			return
		}
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		reversal, err := engine.ReverseJournalEntry(c.Request.Context(), req.BusinessId, id, req.Reason)
		if err != nil {
			if utils.IsValidationError(err) || utils.IsConflictError(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, reversal)
	}
}

// customErrorLogger logs only requests that accumulated errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
