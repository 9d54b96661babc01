// Package server exposes the reference sync server: pull and push endpoints, the persistent
// change-notification channel and a health probe.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/records"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncapi"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey = "journal_sync_owner_id"

	// DefaultMaxPageSize bounds one pull page.
	DefaultMaxPageSize       = 500
	defaultHeartbeatInterval = 30 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecordsService = errors.New("records service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its owner.
type TokenValidator interface {
	ValidateToken(token string) (syncable.OwnerID, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens            TokenValidator
	Records           *records.Service
	Realtime          *RealtimeDispatcher
	MaxPageSize       int
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Records == nil {
		return nil, errMissingRecordsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	maxPageSize := deps.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:      deps.Tokens,
		records:     deps.Records,
		realtime:    realtime,
		maxPageSize: maxPageSize,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET(syncapi.RouteHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET(syncapi.RouteChanges, handler.handlePull)
	protected.POST(syncapi.RouteChanges, handler.handlePush)
	protected.GET(syncapi.RouteChannel, handler.handleChannel)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens      TokenValidator
	records     *records.Service
	realtime    *RealtimeDispatcher
	maxPageSize int
	heartbeat   time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) handlePull(c *gin.Context) {
	ownerID, kind, ok := h.requestScope(c)
	if !ok {
		return
	}

	sinceMillis, err := parseNonNegative(c.Query(syncapi.QuerySinceMillis))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_since")
		return
	}
	limit := h.maxPageSize
	if rawLimit := c.Query(syncapi.QueryLimit); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			abortWithError(c, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = min(parsed, h.maxPageSize)
	}
	after := syncable.Checkpoint{
		ChangedAt: syncable.UnixMillis(sinceMillis),
		RemoteID:  syncable.RemoteID(strings.TrimSpace(c.Query(syncapi.QueryAfterRemoteID))),
	}

	stored, hasMore, err := h.records.ListChanges(c.Request.Context(), ownerID, kind, after, limit)
	if err != nil {
		h.logger.Error("failed to list changes", zap.String("owner_id", ownerID.String()), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "pull_failed")
		return
	}

	response := syncapi.PullResponse{Records: make([]syncapi.RecordPayload, 0, len(stored)), HasMore: hasMore}
	for _, record := range stored {
		response.Records = append(response.Records, syncapi.FromRemoteRecord(record.ToRemoteRecord()))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePush(c *gin.Context) {
	ownerID, kind, ok := h.requestScope(c)
	if !ok {
		return
	}

	var request syncapi.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Records) == 0 {
		abortWithError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	results := make([]syncapi.PushResult, len(request.Records))
	changes := make([]records.ChangeRequest, 0, len(request.Records))
	positions := make([]int, 0, len(request.Records))
	for index, payload := range request.Records {
		results[index] = syncapi.PushResult{LocalID: payload.LocalID, ClientRef: payload.ClientRef}
		change, err := toChangeRequest(payload)
		if err != nil {
			h.logger.Debug("rejected malformed record", zap.String("client_ref", payload.ClientRef), zap.Error(err))
			results[index].Reason = syncapi.ReasonInvalidPayload
			continue
		}
		changes = append(changes, change)
		positions = append(positions, index)
	}

	if len(changes) > 0 {
		result, err := h.records.ApplyChanges(c.Request.Context(), ownerID, kind, changes)
		if err != nil {
			h.logger.Error("failed to apply changes", zap.String("owner_id", ownerID.String()), zap.Error(err))
			abortWithError(c, http.StatusInternalServerError, "push_failed")
			return
		}
		for offset, outcome := range result.ChangeOutcomes {
			results[positions[offset]] = toPushResult(results[positions[offset]], outcome.Outcome)
		}
		h.announce(ownerID, kind, result.Accepted())
	}

	c.JSON(http.StatusOK, syncapi.PushResponse{Results: results})
}

func (h *httpHandler) announce(ownerID syncable.OwnerID, kind syncable.Kind, accepted []records.StoredRecord) {
	if len(accepted) == 0 {
		return
	}
	message := RealtimeMessage{OwnerID: ownerID, Kind: kind, RemoteIDs: make([]string, 0, len(accepted))}
	for _, stored := range accepted {
		message.RemoteIDs = append(message.RemoteIDs, stored.RemoteID)
		message.UpdatedAtMillis = max(message.UpdatedAtMillis, stored.UpdatedAtMillis)
	}
	h.realtime.Publish(message)
}

func toChangeRequest(payload syncapi.RecordPayload) (records.ChangeRequest, error) {
	updatedAt, err := syncable.NewUnixMillis(payload.UpdatedAtMillis)
	if err != nil {
		return records.ChangeRequest{}, err
	}
	lifecycle, err := syncable.ParseLifecycleStatus(payload.Lifecycle)
	if err != nil {
		return records.ChangeRequest{}, err
	}
	remoteID := syncable.RemoteID("")
	if strings.TrimSpace(payload.RemoteID) != "" {
		remoteID, err = syncable.NewRemoteID(payload.RemoteID)
		if err != nil {
			return records.ChangeRequest{}, err
		}
	}
	return records.ChangeRequest{
		LocalID:     syncable.LocalID(payload.LocalID),
		RemoteID:    remoteID,
		ClientRef:   strings.TrimSpace(payload.ClientRef),
		PayloadJSON: string(payload.Payload),
		CreatedAt:   syncable.UnixMillis(payload.CreatedAtMillis),
		UpdatedAt:   updatedAt,
		Lifecycle:   lifecycle,
		Version:     payload.Version,
	}, nil
}

func toPushResult(base syncapi.PushResult, outcome records.ConflictOutcome) syncapi.PushResult {
	base.Accepted = outcome.Accepted
	base.Reason = outcome.Reason
	base.RemoteID = outcome.Stored.RemoteID
	base.Version = outcome.Stored.Version
	base.UpdatedAtMillis = outcome.Stored.UpdatedAtMillis
	return base
}

// requestScope resolves the authenticated owner and the kind path parameter. An explicit
// owner_id query parameter must name the token's owner.
func (h *httpHandler) requestScope(c *gin.Context) (syncable.OwnerID, syncable.Kind, bool) {
	ownerID, ok := h.ownerFor(c)
	if !ok {
		return "", "", false
	}
	kind, err := syncable.ParseKind(c.Param("kind"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "unknown_kind")
		return "", "", false
	}
	return ownerID, kind, true
}

func (h *httpHandler) ownerFor(c *gin.Context) (syncable.OwnerID, bool) {
	ownerID := syncable.OwnerID(c.GetString(ownerIDContextKey))
	if ownerID == "" {
		abortWithError(c, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	if requested := strings.TrimSpace(c.Query(syncapi.QueryOwnerID)); requested != "" && requested != ownerID.String() {
		abortWithError(c, http.StatusForbidden, "owner_mismatch")
		return "", false
	}
	return ownerID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if c.FullPath() == syncapi.RouteChannel {
		token = strings.TrimSpace(c.Query(syncapi.QueryAccessToken))
	}
	if token == "" {
		abortWithError(c, http.StatusUnauthorized, errInvalidAuthorization.Error())
		return
	}
	ownerID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		abortWithError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	c.Set(ownerIDContextKey, ownerID.String())
	c.Next()
}

func abortWithError(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, syncapi.ErrorResponse{Error: http.StatusText(status), Code: code})
}

func parseNonNegative(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, strconv.ErrRange
	}
	return value, nil
}
