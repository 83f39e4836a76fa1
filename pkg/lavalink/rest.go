package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// restAttemptTimeout caps a single REST attempt wall-clock time.
	restAttemptTimeout = 15 * time.Second

	// restRetryStep is the linear backoff unit between retried attempts.
	restRetryStep = 500 * time.Millisecond

	// defaultRetryAmount is the number of attempts when the node options
	// leave RetryAmount at zero.
	defaultRetryAmount = 3
)

// restClient issues authenticated HTTP calls to a single node. It retries
// network-level failures with a linear backoff; any HTTP response, good or
// bad, is final. A 404 on a session-scoped path means the server forgot our
// session, which is reported through onSessionInvalid so the session layer
// can reconnect.
type restClient struct {
	baseURL     string // e.g. "http://host:port"
	password    string
	retryAmount int
	client      *http.Client
	logger      *slog.Logger
	metrics     *metrics
	nodeName    string

	// onSessionInvalid is called when a session/player path answers 404.
	onSessionInvalid func()

	// attemptTimeout is overridable in tests.
	attemptTimeout time.Duration

	// sleep is overridable in tests.
	sleep func(time.Duration)
}

func newRESTClient(baseURL, password string, retryAmount int, logger *slog.Logger) *restClient {
	if retryAmount <= 0 {
		retryAmount = defaultRetryAmount
	}
	return &restClient{
		baseURL:        baseURL,
		password:       password,
		retryAmount:    retryAmount,
		client:         &http.Client{},
		logger:         logger,
		attemptTimeout: restAttemptTimeout,
		sleep:          time.Sleep,
	}
}

// request performs one logical REST call. body is marshalled as JSON when
// non-nil; the raw response body is returned on any 2xx status.
func (r *restClient) request(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("lavalink: marshal %s %s body: %w", method, path, err)
		}
	}

	reqURL := r.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= r.retryAmount; attempt++ {
		if attempt > 1 {
			r.sleep(restRetryStep * time.Duration(attempt-1))
		}

		raw, final, err := r.attempt(ctx, method, reqURL, path, payload)
		if err == nil {
			return raw, nil
		}
		if final {
			return nil, err
		}
		lastErr = err
		r.logger.Warn("node REST attempt failed",
			"node", r.nodeName, "method", method, "path", path,
			"attempt", attempt, "error", err)

		// The caller gave up; no point in retrying.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("lavalink: %s %s: all %d attempts failed: %w", method, path, r.retryAmount, lastErr)
}

// attempt performs one HTTP round-trip. final reports whether the error must
// not be retried (any HTTP response is final; only network errors and
// attempt timeouts are transient).
func (r *restClient) attempt(ctx context.Context, method, reqURL, path string, payload []byte) (raw json.RawMessage, final bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, reqURL, bodyReader)
	if err != nil {
		return nil, true, fmt.Errorf("lavalink: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", r.password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.recordREST(r.nodeName, method, 0, time.Since(start))
		if ctx.Err() != nil {
			// The caller's context expired, not the per-attempt one.
			return nil, true, ctx.Err()
		}
		return nil, false, fmt.Errorf("lavalink: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	r.metrics.recordREST(r.nodeName, method, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, false, fmt.Errorf("lavalink: %s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, true, nil
	}

	restErr := &RESTError{Method: method, Path: path, Status: resp.StatusCode, Body: data}
	var parsed ErrorResponse
	if jsonErr := json.Unmarshal(data, &parsed); jsonErr == nil && parsed.Status != 0 {
		restErr.Response = &parsed
	}
	if resp.StatusCode == http.StatusNotFound && strings.Contains(path, "/sessions/") && r.onSessionInvalid != nil {
		r.onSessionInvalid()
	}
	return nil, true, restErr
}

// get is a shorthand for request with decoding into out.
func (r *restClient) get(ctx context.Context, path string, query url.Values, out any) error {
	raw, err := r.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("lavalink: decode GET %s response: %w", path, err)
	}
	return nil
}

// ---- endpoint wrappers ----

func (r *restClient) version(ctx context.Context) (string, error) {
	raw, err := r.request(ctx, http.MethodGet, "/version", nil, nil)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(raw)), nil
}

func (r *restClient) info(ctx context.Context) (NodeInfo, error) {
	var info NodeInfo
	err := r.get(ctx, "/v4/info", nil, &info)
	return info, err
}

func (r *restClient) stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.get(ctx, "/v4/stats", nil, &s)
	return s, err
}

func (r *restClient) loadTracks(ctx context.Context, identifier string) (LoadResult, error) {
	var res LoadResult
	q := url.Values{"identifier": {identifier}}
	err := r.get(ctx, "/v4/loadtracks", q, &res)
	return res, err
}

func (r *restClient) decodeTrack(ctx context.Context, encoded string) (Track, error) {
	var t Track
	q := url.Values{"encodedTrack": {encoded}}
	err := r.get(ctx, "/v4/decodetrack", q, &t)
	return t, err
}

func (r *restClient) decodeTracks(ctx context.Context, encoded []string) ([]Track, error) {
	raw, err := r.request(ctx, http.MethodPost, "/v4/decodetracks", nil, encoded)
	if err != nil {
		return nil, err
	}
	var ts []Track
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("lavalink: decode decodetracks response: %w", err)
	}
	return ts, nil
}

func (r *restClient) updateSession(ctx context.Context, sessionID string, req SessionUpdateRequest) (SessionUpdateResponse, error) {
	var res SessionUpdateResponse
	if sessionID == "" {
		return res, ErrNoSessionID
	}
	raw, err := r.request(ctx, http.MethodPatch, "/v4/sessions/"+sessionID, nil, req)
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(raw, &res)
	return res, err
}

func (r *restClient) getPlayer(ctx context.Context, sessionID, guildID string) (json.RawMessage, error) {
	if sessionID == "" {
		return nil, ErrNoSessionID
	}
	return r.request(ctx, http.MethodGet, "/v4/sessions/"+sessionID+"/players/"+guildID, nil, nil)
}

func (r *restClient) updatePlayer(ctx context.Context, sessionID, guildID string, req PlayerUpdateRequest, noReplace bool) error {
	if sessionID == "" {
		return ErrNoSessionID
	}
	q := url.Values{"noReplace": {strconv.FormatBool(noReplace)}}
	_, err := r.request(ctx, http.MethodPatch, "/v4/sessions/"+sessionID+"/players/"+guildID, q, req)
	return err
}

func (r *restClient) destroyPlayer(ctx context.Context, sessionID, guildID string) error {
	if sessionID == "" {
		return ErrNoSessionID
	}
	_, err := r.request(ctx, http.MethodDelete, "/v4/sessions/"+sessionID+"/players/"+guildID, nil, nil)
	if err != nil {
		var restErr *RESTError
		if errors.As(err, &restErr) && restErr.IsNotFound() {
			// The server already forgot the player; treat as done.
			return nil
		}
		return err
	}
	return nil
}
