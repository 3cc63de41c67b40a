package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/seclens/seclens/app/bulletin"
	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/ingest"
	"github.com/seclens/seclens/app/pubtime"
	"github.com/seclens/seclens/app/tasks"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 200
	maxFeedLimit     = 100
	subscriptionFeed = 50
)

func NewHandler(deps Dependencies) *Handler {
	location := deps.DisplayLocation
	if location == nil {
		location = time.UTC
	}
	ttl := deps.FeedCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &Handler{
		sources:       deps.Sources,
		bulletins:     deps.Bulletins,
		subscriptions: deps.Subscriptions,
		pushRules:     deps.PushRules,
		configCache:   deps.ConfigCache,
		ingester:      deps.Ingester,
		runner:        deps.Runner,
		resolver:      deps.Resolver,
		metrics:       deps.Metrics,
		generator:     NewGenerator(deps.BaseURL, deps.Version, location),
		feedCache:     cache.New(ttl, 2*ttl),
		location:      location,
		version:       deps.Version,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if sourceCount, err := h.sources.GetSourceCount(c.Request.Context()); err == nil {
		health["sources"] = sourceCount
	}
	if bulletinCount, err := h.bulletins.Count(c.Request.Context()); err == nil {
		health["bulletins"] = bulletinCount
	}

	health["loaded_configurations"] = h.configCache.GetConfigCount()

	c.JSON(http.StatusOK, health)
}

func (h *Handler) ListBulletins(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPageLimit, 1, maxPageLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0, 0, -1)
	if !ok {
		return
	}

	filter := database.ListFilter{
		SourceSlug: firstQuery(c, "source", "source_slug"),
		Label:      c.Query("label"),
		Topic:      c.Query("topic"),
		Query:      firstQuery(c, "q", "text"),
		Limit:      limit,
		Offset:     offset,
	}
	if filter.Since, ok = queryTime(c, "since"); !ok {
		return
	}
	if filter.Until, ok = queryTime(c, "until"); !ok {
		return
	}

	items, total, err := h.bulletins.List(c.Request.Context(), filter)
	if err != nil {
		slog.Error("Database error", "operation", "list_bulletins", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	response := BulletinListResponse{
		Items:      make([]BulletinResponse, 0, len(items)),
		Pagination: Pagination{Total: total, Limit: limit, Offset: offset},
	}
	for _, item := range items {
		response.Items = append(response.Items, h.toBulletinResponse(item))
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) GetBulletin(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bulletin id"})
		return
	}

	item, err := h.bulletins.Get(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Bulletin not found"})
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "get_bulletin", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, h.toBulletinResponse(*item))
}

func (h *Handler) GetBulletinsRSS(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPageLimit, 1, maxFeedLimit)
	if !ok {
		return
	}
	source := firstQuery(c, "source", "source_slug")

	cacheKey := fmt.Sprintf("bulletins:%s:%d", source, limit)
	if cached, found := h.feedCache.Get(cacheKey); found {
		writeRSS(c, cached.(string))
		return
	}

	items, _, err := h.bulletins.List(c.Request.Context(), database.ListFilter{SourceSlug: source, Limit: limit})
	if err != nil {
		slog.Error("Database error", "operation", "list_bulletins", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	channel := Channel{SelfPath: "/v1/bulletins/rss", GUIDPrefix: "seclens:"}
	if source != "" {
		channel.Description = fmt.Sprintf("Latest bulletins from %s.", source)
	}

	rss, err := h.generator.Run(channel, items)
	if err != nil {
		slog.Error("RSS generation error", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	h.feedCache.SetDefault(cacheKey, rss)
	writeRSS(c, rss)
}

func (h *Handler) GetSubscriptionFeed(c *gin.Context) {
	token := c.Param("token")
	limit, ok := queryInt(c, "limit", subscriptionFeed, 1, maxPageLimit)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("subscription:%s:%d", token, limit)
	if cached, found := h.feedCache.Get(cacheKey); found {
		writeRSS(c, cached.(string))
		return
	}

	sub, err := h.subscriptions.GetSubscriptionByToken(c.Request.Context(), token)
	if errors.Is(err, database.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "get_subscription", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	items, _, err := h.bulletins.List(c.Request.Context(), database.ListFilter{
		SourceSlug: sub.SourceSlug,
		Query:      sub.Keyword,
		Limit:      limit,
	})
	if err != nil {
		slog.Error("Database error", "operation", "list_bulletins", "subscription", sub.ID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	parts := []string{"SecLens subscription"}
	if sub.SourceSlug != "" {
		parts = append(parts, "source: "+sub.SourceSlug)
	}
	if sub.Keyword != "" {
		parts = append(parts, "keyword: "+sub.Keyword)
	}

	rss, err := h.generator.Run(Channel{
		Title:       "SecLens subscription - " + sub.Name,
		Description: strings.Join(parts, " | "),
		SelfPath:    "/rss/" + sub.Token,
		GUIDPrefix:  fmt.Sprintf("seclens:subscription:%d:", sub.ID),
	}, items)
	if err != nil {
		slog.Error("RSS generation error", "subscription", sub.ID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	h.feedCache.SetDefault(cacheKey, rss)
	writeRSS(c, rss)
}

func (h *Handler) ListSources(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.bulletins.CountBySource(ctx)
	if err != nil {
		slog.Warn("Failed to count bulletins by source", "error", err)
	}

	configs := h.configCache.GetConfigs()
	sources := make([]SourceResponse, 0, len(configs))
	for _, slug := range h.configCache.Slugs() {
		sourceConfig := configs[slug]
		info := SourceResponse{
			Slug:            slug,
			Name:            sourceConfig.Name,
			Kind:            string(sourceConfig.Kind),
			URL:             sourceConfig.URL,
			Enabled:         sourceConfig.Settings.Enabled,
			Cursor:          string(sourceConfig.Settings.Cursor),
			RefreshInterval: (time.Duration(sourceConfig.Settings.RefreshInterval) * time.Second).String(),
			BulletinCount:   counts[slug],
		}

		if source, err := h.sources.GetSource(ctx, slug); err == nil && source != nil {
			info.LastRunAt = source.LastRunAt
			info.LastSuccessAt = source.LastSuccessAt
			info.NextRunAt = source.NextRunAt
			info.LastError = source.LastError
		}

		sources = append(sources, info)
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"sources": sources,
		"total":   len(sources),
	})
}

func (h *Handler) APIIngestBulletins(c *gin.Context) {
	var items []bulletin.Bulletin
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload", "message": err.Error()})
		return
	}
	if len(items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payload may not be empty"})
		return
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bulletin", "message": fmt.Sprintf("item %d: %v", i, err)})
			return
		}
	}

	result, err := h.ingester.Ingest(c.Request.Context(), items)
	if errors.Is(err, ingest.ErrEmptyBatch) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payload may not be empty"})
		return
	}
	if err != nil {
		slog.Error("Ingest failed", "count", len(items), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store bulletins"})
		return
	}

	if len(result.CreatedIDs) > 0 {
		h.feedCache.Flush()
	}

	c.JSON(http.StatusAccepted, result)
}

func (h *Handler) APICollectSource(c *gin.Context) {
	slug := c.Param("slug")

	sourceConfig, err := h.configCache.GetConfig(slug)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source configuration not found"})
		return
	}

	limit, ok := queryInt(c, "limit", 0, 0, -1)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))

	outcome, err := h.runner.Run(c.Request.Context(), sourceConfig, connector.CollectOptions{Force: force, Limit: limit})
	if errors.Is(err, tasks.ErrCollectionInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "Collection already in progress"})
		return
	}
	if err != nil {
		slog.Error("Collection failed", "source", slug, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Collection failed", "message": err.Error()})
		return
	}

	if outcome.Accepted > 0 {
		h.feedCache.Flush()
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"source": slug,
		"force":  force,
		"result": outcome,
	})
}

func (h *Handler) APIResolve(c *gin.Context) {
	var req ResolveRequest
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload", "message": err.Error()})
		return
	}
	if len(req.Candidates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one candidate is required"})
		return
	}

	raws := make([]pubtime.Raw, 0, len(req.Candidates))
	for i, candidate := range req.Candidates {
		label := candidate.Label
		if label == "" {
			label = fmt.Sprintf("candidate[%d]", i)
		}
		raws = append(raws, pubtime.R(candidate.Value, label))
	}

	res := h.resolver.Resolve(req.Source, raws, req.FetchedAt)

	response := ResolveResponse{ResolvedAt: res.ResolvedAt, TimeMeta: res.Metadata}
	if res.ResolvedAt != nil {
		response.PublishedDisplay = pubtime.FormatDisplay(*res.ResolvedAt, h.location)
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handler) APIListSubscriptions(c *gin.Context) {
	subs, err := h.subscriptions.ListSubscriptions(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "list_subscriptions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	out := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		out = append(out, h.subscriptionJSON(sub))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out, "total": len(out)})
}

func (h *Handler) APICreateSubscription(c *gin.Context) {
	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload", "message": err.Error()})
		return
	}
	if req.SourceSlug != "" {
		if _, err := h.configCache.GetConfig(req.SourceSlug); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown source", "message": req.SourceSlug})
			return
		}
	}

	sub, err := h.subscriptions.CreateSubscription(c.Request.Context(), database.Subscription{
		Token:      uuid.NewString(),
		Name:       req.Name,
		Keyword:    req.Keyword,
		SourceSlug: req.SourceSlug,
	})
	if err != nil {
		slog.Error("Database error", "operation", "create_subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, h.subscriptionJSON(*sub))
}

func (h *Handler) APIDeleteSubscription(c *gin.Context) {
	h.deleteByID(c, "subscription", h.subscriptions.DeleteSubscription)
}

func (h *Handler) APIListPushRules(c *gin.Context) {
	rules, err := h.pushRules.ListPushRules(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "list_push_rules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	out := make([]gin.H, 0, len(rules))
	for _, rule := range rules {
		out = append(out, pushRuleJSON(rule))
	}
	c.JSON(http.StatusOK, gin.H{"push_rules": out, "total": len(out)})
}

func (h *Handler) APICreatePushRule(c *gin.Context) {
	var req PushRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload", "message": err.Error()})
		return
	}
	if req.WebhookURL == "" && req.SlackWebhookURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook_url or slack_webhook_url is required"})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rule, err := h.pushRules.CreatePushRule(c.Request.Context(), database.PushRule{
		Name:            req.Name,
		Keyword:         req.Keyword,
		WebhookURL:      req.WebhookURL,
		SlackWebhookURL: req.SlackWebhookURL,
		Active:          active,
	})
	if err != nil {
		slog.Error("Database error", "operation", "create_push_rule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create push rule"})
		return
	}

	c.JSON(http.StatusCreated, pushRuleJSON(*rule))
}

func (h *Handler) APIDeletePushRule(c *gin.Context) {
	h.deleteByID(c, "push rule", h.pushRules.DeletePushRule)
}

func (h *Handler) deleteByID(c *gin.Context, kind string, del func(ctx context.Context, id int64) error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + kind + " id"})
		return
	}

	err = del(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": strings.ToUpper(kind[:1]) + kind[1:] + " not found"})
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "delete", "kind", kind, "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	h.feedCache.Flush()
	c.Status(http.StatusNoContent)
}

func (h *Handler) toBulletinResponse(b database.Bulletin) BulletinResponse {
	response := BulletinResponse{
		ID:          b.ID,
		SourceSlug:  b.SourceSlug,
		ExternalID:  b.ExternalID,
		Title:       b.Title,
		Summary:     b.Summary,
		BodyText:    b.BodyText,
		OriginURL:   b.OriginURL,
		Severity:    b.Severity,
		Language:    b.Language,
		Labels:      b.Labels,
		Topics:      b.Topics,
		PublishedAt: b.PublishedAt,
		FetchedAt:   b.FetchedAt,
		Extra:       b.Extra,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
	if response.Labels == nil {
		response.Labels = []string{}
	}
	if response.Topics == nil {
		response.Topics = []string{}
	}
	if b.PublishedAt != nil {
		response.PublishedDisplay = pubtime.FormatDisplay(*b.PublishedAt, h.location)
	}
	return response
}

func (h *Handler) subscriptionJSON(sub database.Subscription) gin.H {
	return gin.H{
		"id":          sub.ID,
		"name":        sub.Name,
		"keyword":     sub.Keyword,
		"source_slug": sub.SourceSlug,
		"token":       sub.Token,
		"feed_url":    h.generator.baseURL + "/rss/" + sub.Token,
		"created_at":  sub.CreatedAt,
	}
}

func pushRuleJSON(rule database.PushRule) gin.H {
	return gin.H{
		"id":                rule.ID,
		"name":              rule.Name,
		"keyword":           rule.Keyword,
		"webhook_url":       rule.WebhookURL,
		"slack_webhook_url": rule.SlackWebhookURL,
		"active":            rule.Active,
		"created_at":        rule.CreatedAt,
	}
}

func writeRSS(c *gin.Context, rss string) {
	c.Header("Content-Type", "application/rss+xml; charset=utf-8")
	c.String(http.StatusOK, rss)
}

func firstQuery(c *gin.Context, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(c.Query(key)); v != "" {
			return v
		}
	}
	return ""
}

// queryInt reads an integer query parameter within [lo, hi]; hi < 0 means
// unbounded. On failure it writes a 400 response and returns false.
func queryInt(c *gin.Context, key string, def, lo, hi int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || (hi >= 0 && v > hi) {
		msg := fmt.Sprintf("%s must be an integer >= %d", key, lo)
		if hi >= 0 {
			msg = fmt.Sprintf("%s must be an integer between %d and %d", key, lo, hi)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameter", "message": msg})
		return 0, false
	}
	return v, true
}

// queryTime accepts the same textual forms as feed timestamps. Values
// without a zone are read as UTC.
func queryTime(c *gin.Context, key string) (*time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	candidate, ok := pubtime.ParseCandidate(raw, key)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameter", "message": key + " must be a timestamp"})
		return nil, false
	}
	t := candidate.Value.UTC()
	return &t, true
}
