package twitch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const usherURL = "https://usher.ttvnw.net/api/channel/hls"

// PlaybackToken authorizes manifest fetches for one channel.
type PlaybackToken struct {
	Value     string
	Signature string
}

// GetPlaybackAccessToken returns nil when the token cannot be acquired.
func (c *Client) GetPlaybackAccessToken(ctx context.Context, login string) *PlaybackToken {
	if !c.IsAuthenticated() {
		return nil
	}

	resp, err := c.postGQL(ctx, OpPlaybackAccessToken, map[string]any{
		"login":      strings.ToLower(login),
		"isLive":     true,
		"isVod":      false,
		"vodID":      "",
		"playerType": "site",
	})
	if err != nil {
		slog.Error("Failed to get playback access token", "login", login, "error", err)
		return nil
	}
	if len(resp.Errors) > 0 {
		slog.Error("Failed to get playback access token", "login", login, "errors", resp.errorMessages())
		return nil
	}

	var data struct {
		StreamPlaybackAccessToken *struct {
			Value     string `json:"value"`
			Signature string `json:"signature"`
		} `json:"streamPlaybackAccessToken"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.StreamPlaybackAccessToken == nil {
		return nil
	}

	return &PlaybackToken{
		Value:     data.StreamPlaybackAccessToken.Value,
		Signature: data.StreamPlaybackAccessToken.Signature,
	}
}

var bandwidthPattern = regexp.MustCompile(`BANDWIDTH=(\d+)`)

// FetchLowestQualityStreamURL walks the two-level HLS playlist: master
// playlist, lowest-bandwidth variant, last segment. The segment URL is
// HEAD-verified before being returned. Any missing expected line or failed
// fetch yields "".
func (c *Client) FetchLowestQualityStreamURL(ctx context.Context, login string, token *PlaybackToken) string {
	master := fmt.Sprintf("%s/%s.m3u8?sig=%s&token=%s&allow_source=true&fast_bread=true",
		usherURL, strings.ToLower(login), url.QueryEscape(token.Signature), url.QueryEscape(token.Value))

	masterBody := c.fetchText(ctx, master)
	if masterBody == "" {
		return ""
	}

	variantURL := lowestBandwidthVariant(masterBody)
	if variantURL == "" {
		slog.Debug("No variant playlist found in master playlist", "login", login)
		return ""
	}

	variantBody := c.fetchText(ctx, variantURL)
	if variantBody == "" {
		return ""
	}

	segmentURL := lastSegmentURL(variantBody)
	if segmentURL == "" {
		slog.Debug("No segment found in variant playlist", "login", login)
		return ""
	}

	if !c.headOK(ctx, segmentURL) {
		return ""
	}
	return segmentURL
}

// lowestBandwidthVariant picks the variant URL with the smallest advertised
// bandwidth from a master playlist.
func lowestBandwidthVariant(playlist string) string {
	lines := strings.Split(playlist, "\n")
	best := ""
	bestBandwidth := -1

	for i, line := range lines {
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF") {
			continue
		}
		match := bandwidthPattern.FindStringSubmatch(line)
		if match == nil || i+1 >= len(lines) {
			continue
		}
		bandwidth, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		candidate := strings.TrimSpace(lines[i+1])
		if candidate == "" || strings.HasPrefix(candidate, "#") {
			continue
		}
		if bestBandwidth == -1 || bandwidth < bestBandwidth {
			bestBandwidth = bandwidth
			best = candidate
		}
	}
	return best
}

// lastSegmentURL returns the final segment line of a media playlist.
func lastSegmentURL(playlist string) string {
	lines := strings.Split(playlist, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}

func (c *Client) fetchText(ctx context.Context, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("Playlist fetch failed", "url", rawURL, "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Debug("Playlist fetch returned non-200", "url", rawURL, "status", resp.StatusCode)
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}
	return string(body)
}

func (c *Client) headOK(ctx context.Context, rawURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

var (
	settingsJSPattern = regexp.MustCompile(`https://static\.twitchcdn\.net/config/settings\.[0-9a-f]+\.js`)
	spadeURLPattern   = regexp.MustCompile(`"spade_url":"([^"]+)"`)
)

// GetSpadeURL resolves the telemetry ingestion endpoint for a channel by
// scraping the channel page for the settings script. Concurrent lookups for
// the same login are collapsed. Returns "" on failure.
func (c *Client) GetSpadeURL(ctx context.Context, login string) string {
	result, _, _ := c.spadeGroup.Do(strings.ToLower(login), func() (any, error) {
		return c.resolveSpadeURL(ctx, login), nil
	})
	spadeURL, _ := result.(string)
	return spadeURL
}

func (c *Client) resolveSpadeURL(ctx context.Context, login string) string {
	page := c.fetchText(ctx, "https://www.twitch.tv/"+strings.ToLower(login))
	if page == "" {
		return ""
	}

	settingsURL := settingsJSPattern.FindString(page)
	if settingsURL == "" {
		slog.Debug("Settings script not found in channel page", "login", login)
		return ""
	}

	settings := c.fetchText(ctx, settingsURL)
	if settings == "" {
		return ""
	}

	match := spadeURLPattern.FindStringSubmatch(settings)
	if match == nil {
		slog.Debug("Spade URL not found in settings script", "login", login)
		return ""
	}
	return match[1]
}

type minuteWatchedEvent struct {
	Event      string                    `json:"event"`
	Properties minuteWatchedEventDetails `json:"properties"`
}

type minuteWatchedEventDetails struct {
	ChannelID   string `json:"channel_id"`
	BroadcastID string `json:"broadcast_id"`
	Player      string `json:"player"`
	UserID      string `json:"user_id"`
	Channel     string `json:"channel"`
	Live        bool   `json:"live"`
}

// EncodeMinuteWatchedPayload builds the base64 form payload the spade
// endpoint expects.
func EncodeMinuteWatchedPayload(channelID, broadcastID, userID, channelName string) (string, error) {
	events := []minuteWatchedEvent{{
		Event: "minute-watched",
		Properties: minuteWatchedEventDetails{
			ChannelID:   channelID,
			BroadcastID: broadcastID,
			Player:      "site",
			UserID:      userID,
			Channel:     channelName,
			Live:        true,
		},
	}}

	raw, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to marshal minute-watched payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// SendMinuteWatched posts one telemetry payload. Only a 204 response counts
// as success.
func (c *Client) SendMinuteWatched(ctx context.Context, spadeURL, payload string) bool {
	_, err := c.spadeBreaker.Execute(func() (any, error) {
		form := url.Values{"data": {payload}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, spadeURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", UserAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent {
			return nil, fmt.Errorf("spade returned HTTP %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		slog.Debug("Minute-watched POST failed", "error", err)
		return false
	}
	return true
}
