package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/metrics"
	"github.com/jackra1n/Lurk/internal/platform/retry"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const gqlRequestTimeout = 15 * time.Second

// ErrPersistedQueryNotFound indicates the server no longer recognizes a
// persisted query hash for the cached client fingerprint. The request is
// retried exactly once after refreshing the fingerprint.
var ErrPersistedQueryNotFound = errors.New("persisted query not found")

// Client is the stateless GQL request wrapper. All lookups degrade to their
// zero value on server-reported errors; only the missing-token condition is
// surfaced as a typed result so callers can record distinct events.
type Client struct {
	httpClient *http.Client
	gqlURL     string
	limiter    *rate.Limiter

	spadeGroup   singleflight.Group
	spadeBreaker *gobreaker.CircuitBreaker

	mu            sync.RWMutex
	authToken     string
	deviceID      string
	clientVersion string
}

// NewClient creates a GQL client against the production endpoint.
func NewClient() *Client {
	return NewClientWithURL(GQLURL)
}

// NewClientWithURL exists for tests.
func NewClientWithURL(gqlURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: gqlRequestTimeout},
		gqlURL:     gqlURL,
		// organic pacing: at most ~4 requests in flight per second
		limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
		// stop telemetry posts for a cooldown window after repeated failures
		spadeBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "spade",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

func (c *Client) SetDeviceID(deviceID string) {
	c.mu.Lock()
	c.deviceID = deviceID
	c.mu.Unlock()
}

func (c *Client) AuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

func (c *Client) IsAuthenticated() bool {
	return c.AuthToken() != ""
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

func (r *gqlResponse) errorMessages() []string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return msgs
}

var persistedQueryRetryPolicy = retry.Policy{MaxAttempts: 2}

func classifyGQLError(err error) retry.Action {
	if errors.Is(err, ErrPersistedQueryNotFound) {
		return retry.Retry
	}
	return retry.Stop
}

// postGQL sends one persisted-query request. A PersistedQueryNotFound
// response refreshes the cached client-version fingerprint and retries the
// same call exactly once.
func (c *Client) postGQL(ctx context.Context, op GQLOperation, variables map[string]any) (*gqlResponse, error) {
	token := c.AuthToken()
	if token == "" {
		return nil, fmt.Errorf("cannot run %s: %w", op.OperationName, domain.ErrNotAuthenticated)
	}

	resp, err := retry.Do(ctx, persistedQueryRetryPolicy, classifyGQLError, func() (*gqlResponse, error) {
		resp, err := c.postGQLOnce(ctx, op, variables, token)
		if err != nil {
			return nil, err
		}
		if hasPersistedQueryError(resp) {
			slog.Warn("Persisted query is stale, refreshing client version", "operation", op.OperationName)
			c.refreshClientVersion(ctx)
			return nil, ErrPersistedQueryNotFound
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) postGQLOnce(ctx context.Context, op GQLOperation, variables map[string]any, token string) (*gqlResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	if variables == nil {
		variables = map[string]any{}
	}
	body, err := json.Marshal(map[string]any{
		"operationName": op.OperationName,
		"extensions": map[string]any{
			"persistedQuery": map[string]any{
				"version":    1,
				"sha256Hash": op.SHA256Hash,
			},
		},
		"variables": variables,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GQL request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build GQL request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+token)
	req.Header.Set("Client-Id", ClientID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	c.mu.RLock()
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}
	if c.clientVersion != "" {
		req.Header.Set("Client-Version", c.clientVersion)
	}
	c.mu.RUnlock()

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	metrics.GQLRequestDuration.WithLabelValues(op.OperationName).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GQLRequestsTotal.WithLabelValues(op.OperationName, "transport_error").Inc()
		return nil, fmt.Errorf("GQL request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		metrics.GQLRequestsTotal.WithLabelValues(op.OperationName, "http_error").Inc()
		return nil, fmt.Errorf("GQL request returned HTTP %d", httpResp.StatusCode)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read GQL response: %w", err)
	}

	var resp gqlResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.GQLRequestsTotal.WithLabelValues(op.OperationName, "decode_error").Inc()
		return nil, fmt.Errorf("failed to decode GQL response: %w", err)
	}

	metrics.GQLRequestsTotal.WithLabelValues(op.OperationName, "ok").Inc()
	return &resp, nil
}

func hasPersistedQueryError(resp *gqlResponse) bool {
	for _, e := range resp.Errors {
		if e.Message == "PersistedQueryNotFound" {
			return true
		}
	}
	return false
}

var buildIDPattern = regexp.MustCompile(`twilightBuildID="([0-9a-f-]{36})"`)

// refreshClientVersion scrapes the current web client build id and caches it
// as the Client-Version fingerprint. Best effort.
func (c *Client) refreshClientVersion(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.twitch.tv", nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("Failed to refresh client version", "error", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return
	}

	match := buildIDPattern.FindSubmatch(body)
	if match == nil {
		slog.Warn("Could not find build id in client page")
		return
	}

	c.mu.Lock()
	c.clientVersion = string(match[1])
	c.mu.Unlock()
	slog.Info("Refreshed client version", "version", string(match[1]))
}

// GetUserID resolves a login to a channel id. Returns "" when the user does
// not exist or the lookup fails.
func (c *Client) GetUserID(ctx context.Context, login string) string {
	if !c.IsAuthenticated() {
		slog.Warn("Cannot get user ID - not authenticated")
		return ""
	}

	resp, err := c.postGQL(ctx, OpGetIDFromLogin, map[string]any{"login": strings.ToLower(login)})
	if err != nil {
		slog.Error("Failed to get user ID", "login", login, "error", err)
		return ""
	}
	if len(resp.Errors) > 0 {
		slog.Error("Failed to get user ID", "login", login, "errors", resp.errorMessages())
		return ""
	}

	var data struct {
		User *struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.User == nil || data.User.ID == "" {
		slog.Info("User not found", "login", login)
		return ""
	}

	slog.Debug("Got user ID", "login", login, "userId", data.User.ID)
	return data.User.ID
}

// StreamInfo is the live-stream metadata of a channel.
type StreamInfo struct {
	BroadcastID  string
	Title        string
	Game         string
	ViewersCount int
}

// GetStreamInfo returns nil when the channel is offline or the lookup fails.
func (c *Client) GetStreamInfo(ctx context.Context, login string) *StreamInfo {
	if !c.IsAuthenticated() {
		return nil
	}

	resp, err := c.postGQL(ctx, OpStreamInfo, map[string]any{"channel": strings.ToLower(login)})
	if err != nil {
		slog.Error("Failed to get stream info", "login", login, "error", err)
		return nil
	}
	if len(resp.Errors) > 0 {
		slog.Error("Failed to get stream info", "login", login, "errors", resp.errorMessages())
		return nil
	}

	var data struct {
		User *struct {
			Stream *struct {
				ID           string `json:"id"`
				ViewersCount int    `json:"viewersCount"`
				Game         *struct {
					DisplayName string `json:"displayName"`
				} `json:"game"`
			} `json:"stream"`
			BroadcastSettings *struct {
				Title string `json:"title"`
			} `json:"broadcastSettings"`
		} `json:"user"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.User == nil || data.User.Stream == nil {
		return nil
	}

	info := &StreamInfo{
		BroadcastID:  data.User.Stream.ID,
		ViewersCount: data.User.Stream.ViewersCount,
	}
	if data.User.Stream.Game != nil {
		info.Game = data.User.Stream.Game.DisplayName
	}
	if data.User.BroadcastSettings != nil {
		info.Title = data.User.BroadcastSettings.Title
	}
	return info
}

// ChannelPointsContext is a point-in-time snapshot of the viewer's balance
// and claim state on one channel.
type ChannelPointsContext struct {
	Balance           int
	AvailableClaimID  string
	ActiveMultipliers []float64
}

// GetChannelPointsContext returns nil when the lookup fails.
func (c *Client) GetChannelPointsContext(ctx context.Context, login string) *ChannelPointsContext {
	if !c.IsAuthenticated() {
		return nil
	}

	resp, err := c.postGQL(ctx, OpChannelPointsContext, map[string]any{"channelLogin": strings.ToLower(login)})
	if err != nil {
		slog.Error("Failed to get channel points context", "login", login, "error", err)
		return nil
	}
	if len(resp.Errors) > 0 {
		slog.Error("Failed to get channel points context", "login", login, "errors", resp.errorMessages())
		return nil
	}

	var data struct {
		Community *struct {
			Channel *struct {
				Self *struct {
					CommunityPoints struct {
						Balance        int `json:"balance"`
						AvailableClaim *struct {
							ID string `json:"id"`
						} `json:"availableClaim"`
						ActiveMultipliers []struct {
							Factor float64 `json:"factor"`
						} `json:"activeMultipliers"`
					} `json:"communityPoints"`
				} `json:"self"`
			} `json:"channel"`
		} `json:"community"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil ||
		data.Community == nil || data.Community.Channel == nil || data.Community.Channel.Self == nil {
		slog.Error("Failed to get channel points context", "login", login)
		return nil
	}

	points := data.Community.Channel.Self.CommunityPoints
	out := &ChannelPointsContext{Balance: points.Balance}
	if points.AvailableClaim != nil {
		out.AvailableClaimID = points.AvailableClaim.ID
	}
	for _, m := range points.ActiveMultipliers {
		out.ActiveMultipliers = append(out.ActiveMultipliers, m.Factor)
	}
	return out
}

// ClaimFailReason distinguishes why a claim mutation failed. Callers record
// different events for each.
type ClaimFailReason string

const (
	ClaimFailNotAuthenticated ClaimFailReason = "not_authenticated"
	ClaimFailGQLError         ClaimFailReason = "gql_error"
)

// ClaimResult is the tri-state outcome of ClaimBonus.
type ClaimResult struct {
	OK     bool
	Reason ClaimFailReason
	Errors []string
}

// ClaimBonus fires the claim mutation for an available bonus.
func (c *Client) ClaimBonus(ctx context.Context, channelID, claimID string) ClaimResult {
	if !c.IsAuthenticated() {
		slog.Warn("Cannot claim bonus - not authenticated")
		return ClaimResult{Reason: ClaimFailNotAuthenticated}
	}

	slog.Info("Claiming bonus", "channelId", channelID, "claimId", claimID)

	resp, err := c.postGQL(ctx, OpClaimCommunityPoints, map[string]any{
		"input": map[string]any{
			"channelID": channelID,
			"claimID":   claimID,
		},
	})
	if err != nil {
		return ClaimResult{Reason: ClaimFailGQLError, Errors: []string{err.Error()}}
	}
	if len(resp.Errors) > 0 {
		return ClaimResult{Reason: ClaimFailGQLError, Errors: resp.errorMessages()}
	}

	return ClaimResult{OK: true}
}
