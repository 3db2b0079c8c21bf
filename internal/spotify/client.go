// Package spotify talks to the media provider's Web API on behalf of room
// members. Callers are identified by the provider user id; the token source
// turns that into a bearer token per request.
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.spotify.com/v1"
	defaultTimeout = 10 * time.Second
)

type Track struct {
	URI        string   `json:"uri"`
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Artists    []string `json:"artists"`
	AlbumName  string   `json:"albumName"`
	AlbumArt   string   `json:"albumArt,omitempty"`
	DurationMs int64    `json:"durationMs"`
	PreviewURL string   `json:"previewUrl,omitempty"`
}

type PlaybackState struct {
	TrackURI   string `json:"trackUri"`
	PositionMs int64  `json:"positionMs"`
	IsPlaying  bool   `json:"isPlaying"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
}

// Client is the playback surface the rest of the server depends on.
type Client interface {
	TransferPlayback(ctx context.Context, userID, deviceID string, forcePlay bool) error
	StartPlayback(ctx context.Context, userID, deviceID, trackURI string, positionMs int64) error
	PausePlayback(ctx context.Context, userID, deviceID string) error
	SkipNext(ctx context.Context, userID, deviceID string) error
	SkipPrevious(ctx context.Context, userID, deviceID string) error
	Seek(ctx context.Context, userID string, positionMs int64, deviceID string) error
	CurrentPlayback(ctx context.Context, userID string) (*PlaybackState, error)
	SearchTracks(ctx context.Context, userID, query string, limit int) ([]Track, error)
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spotify api returned %d: %s", e.Status, e.Message)
}

// HTTPClient implements Client against the real Web API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

func NewHTTPClient(tokens TokenSource) *HTTPClient {
	return &HTTPClient{
		baseURL: defaultAPIBase,
		http:    &http.Client{Timeout: defaultTimeout},
		tokens:  tokens,
	}
}

// NewHTTPClientWithBase exists for tests pointing at an httptest server.
func NewHTTPClientWithBase(baseURL string, tokens TokenSource) *HTTPClient {
	client := NewHTTPClient(tokens)
	client.baseURL = strings.TrimRight(baseURL, "/")
	return client
}

func (c *HTTPClient) TransferPlayback(ctx context.Context, userID, deviceID string, forcePlay bool) error {
	payload := map[string]any{"device_ids": []string{deviceID}, "play": forcePlay}
	return c.do(ctx, userID, http.MethodPut, "/me/player", nil, payload, nil)
}

func (c *HTTPClient) StartPlayback(ctx context.Context, userID, deviceID, trackURI string, positionMs int64) error {
	query := url.Values{}
	if deviceID != "" {
		query.Set("device_id", deviceID)
	}
	payload := map[string]any{}
	if trackURI != "" {
		payload["uris"] = []string{trackURI}
	}
	if positionMs > 0 {
		payload["position_ms"] = positionMs
	}
	return c.do(ctx, userID, http.MethodPut, "/me/player/play", query, payload, nil)
}

func (c *HTTPClient) PausePlayback(ctx context.Context, userID, deviceID string) error {
	return c.do(ctx, userID, http.MethodPut, "/me/player/pause", deviceQuery(deviceID), nil, nil)
}

func (c *HTTPClient) SkipNext(ctx context.Context, userID, deviceID string) error {
	return c.do(ctx, userID, http.MethodPost, "/me/player/next", deviceQuery(deviceID), nil, nil)
}

func (c *HTTPClient) SkipPrevious(ctx context.Context, userID, deviceID string) error {
	return c.do(ctx, userID, http.MethodPost, "/me/player/previous", deviceQuery(deviceID), nil, nil)
}

func (c *HTTPClient) Seek(ctx context.Context, userID string, positionMs int64, deviceID string) error {
	query := deviceQuery(deviceID)
	query.Set("position_ms", strconv.FormatInt(positionMs, 10))
	return c.do(ctx, userID, http.MethodPut, "/me/player/seek", query, nil, nil)
}

// CurrentPlayback returns nil when the user has no active playback session
// (the API answers 204 in that case).
func (c *HTTPClient) CurrentPlayback(ctx context.Context, userID string) (*PlaybackState, error) {
	var raw struct {
		IsPlaying  bool  `json:"is_playing"`
		ProgressMs int64 `json:"progress_ms"`
		Item       *struct {
			URI string `json:"uri"`
		} `json:"item"`
		Device *struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"device"`
	}
	decoded, err := c.doDecoded(ctx, userID, http.MethodGet, "/me/player", nil, nil, &raw)
	if err != nil {
		return nil, err
	}
	if !decoded {
		return nil, nil
	}
	state := &PlaybackState{IsPlaying: raw.IsPlaying, PositionMs: raw.ProgressMs}
	if raw.Item != nil {
		state.TrackURI = raw.Item.URI
	}
	if raw.Device != nil {
		state.DeviceID = raw.Device.ID
		state.DeviceName = raw.Device.Name
	}
	return state, nil
}

func (c *HTTPClient) SearchTracks(ctx context.Context, userID, query string, limit int) ([]Track, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("type", "track")
	params.Set("limit", strconv.Itoa(limit))

	var raw struct {
		Tracks struct {
			Items []struct {
				URI     string `json:"uri"`
				ID      string `json:"id"`
				Name    string `json:"name"`
				Artists []struct {
					Name string `json:"name"`
				} `json:"artists"`
				Album struct {
					Name   string `json:"name"`
					Images []struct {
						URL string `json:"url"`
					} `json:"images"`
				} `json:"album"`
				DurationMs int64  `json:"duration_ms"`
				PreviewURL string `json:"preview_url"`
			} `json:"items"`
		} `json:"tracks"`
	}
	if _, err := c.doDecoded(ctx, userID, http.MethodGet, "/search", params, nil, &raw); err != nil {
		return nil, err
	}

	tracks := make([]Track, 0, len(raw.Tracks.Items))
	for _, item := range raw.Tracks.Items {
		track := Track{
			URI:        item.URI,
			ID:         item.ID,
			Name:       item.Name,
			AlbumName:  item.Album.Name,
			DurationMs: item.DurationMs,
			PreviewURL: item.PreviewURL,
		}
		for _, artist := range item.Artists {
			track.Artists = append(track.Artists, artist.Name)
		}
		if len(item.Album.Images) > 0 {
			track.AlbumArt = item.Album.Images[0].URL
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func deviceQuery(deviceID string) url.Values {
	query := url.Values{}
	if deviceID != "" {
		query.Set("device_id", deviceID)
	}
	return query
}

func (c *HTTPClient) do(ctx context.Context, userID, method, path string, query url.Values, payload, out any) error {
	_, err := c.doDecoded(ctx, userID, method, path, query, payload, out)
	return err
}

// doDecoded reports whether a response body was decoded into out; the API
// uses 204 for "accepted, nothing to say" on most player endpoints.
func (c *HTTPClient) doDecoded(ctx context.Context, userID, method, path string, query url.Values, payload, out any) (bool, error) {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return false, err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return false, err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &APIError{Status: resp.StatusCode, Message: readAPIError(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, err
	}
	return true, nil
}

func readAPIError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(data))
}
