package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/contentpulse/datacore/internal/core/retry"
	"github.com/contentpulse/datacore/internal/metrics"
)

// RESTStore talks to an HTTP-accessed key-value store. Every operation
// is a single request/response carrying a command array, e.g.
// ["SET","k","v","EX","60"]. No client-side connection pooling state
// exists beyond the shared transport, which makes the client safe to
// construct per serverless invocation.
type RESTStore struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewRESTStore creates a REST-backed store client.
func NewRESTStore(cfg Config) (*RESTStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("rest store: endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RESTStore{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// do issues one command and returns the raw result field.
func (s *RESTStore) do(ctx context.Context, cmd ...any) (json.RawMessage, error) {
	name, _ := cmd[0].(string)
	start := time.Now()
	res, err := s.doCommand(ctx, cmd)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.StoreCommandsTotal.WithLabelValues(name, status).Inc()
	metrics.StoreCommandLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return res, err
}

func (s *RESTStore) doCommand(ctx context.Context, cmd []any) (json.RawMessage, error) {
	jsonData, err := json.Marshal(cmd)
	if err != nil {
		return nil, &retry.PermanentError{Err: fmt.Errorf("marshal command: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &retry.PermanentError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &retry.TransientError{Err: fmt.Errorf("store call: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retry.TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	// The store's explicit refusal is permanent; everything else at
	// the HTTP layer is assumed recoverable.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &retry.PermanentError{Err: fmt.Errorf("store refused request (%d): %s", resp.StatusCode, body)}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &retry.TransientError{Err: fmt.Errorf("http %d: %s", resp.StatusCode, body)}
		}
		return nil, &retry.TransientError{Err: fmt.Errorf("parse response: %w", jsonErr)}
	}

	if envelope.Error != "" {
		return nil, &retry.PermanentError{Err: fmt.Errorf("store error: %s", envelope.Error)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.TransientError{Err: fmt.Errorf("http %d: %s", resp.StatusCode, body)}
	}

	return envelope.Result, nil
}

func resultString(raw json.RawMessage) (string, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, &retry.PermanentError{Err: fmt.Errorf("unexpected result %s: %w", raw, err)}
	}
	return s, true, nil
}

func resultInt(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	// Some providers return integers as strings.
	s, ok, err := resultString(raw)
	if err != nil || !ok {
		return 0, &retry.PermanentError{Err: fmt.Errorf("unexpected integer result: %s", raw)}
	}
	return strconv.ParseInt(s, 10, 64)
}

func (s *RESTStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &retry.PermanentError{Err: fmt.Errorf("marshal value: %w", err)}
	}

	cmd := []any{"SET", key, string(data)}
	if ttl > 0 {
		cmd = append(cmd, "EX", strconv.FormatInt(int64(ttl.Seconds()), 10))
	}
	_, err = s.do(ctx, cmd...)
	return err
}

func (s *RESTStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.do(ctx, "GET", key)
	if err != nil {
		return false, err
	}
	stored, ok, err := resultString(raw)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(stored), dest); err != nil {
		return false, &retry.PermanentError{Err: fmt.Errorf("unmarshal %s: %w", key, err)}
	}
	return true, nil
}

func (s *RESTStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cmd := make([]any, 0, len(keys)+1)
	cmd = append(cmd, "DEL")
	for _, k := range keys {
		cmd = append(cmd, k)
	}
	_, err := s.do(ctx, cmd...)
	return err
}

func (s *RESTStore) Exists(ctx context.Context, key string) (bool, error) {
	raw, err := s.do(ctx, "EXISTS", key)
	if err != nil {
		return false, err
	}
	n, err := resultInt(raw)
	return n > 0, err
}

func (s *RESTStore) Incr(ctx context.Context, key string) (int64, error) {
	raw, err := s.do(ctx, "INCR", key)
	if err != nil {
		return 0, err
	}
	return resultInt(raw)
}

func (s *RESTStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	raw, err := s.do(ctx, "EXPIRE", key, strconv.FormatInt(int64(ttl.Seconds()), 10))
	if err != nil {
		return false, err
	}
	n, err := resultInt(raw)
	return n == 1, err
}

func (s *RESTStore) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	cmd := make([]any, 0, len(values)+2)
	cmd = append(cmd, "LPUSH", key)
	for _, v := range values {
		cmd = append(cmd, v)
	}
	_, err := s.do(ctx, cmd...)
	return err
}

func (s *RESTStore) RPop(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.do(ctx, "RPOP", key)
	if err != nil {
		return "", false, err
	}
	return resultString(raw)
}

func (s *RESTStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	raw, err := s.do(ctx, "LRANGE", key,
		strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
	if err != nil {
		return nil, err
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &retry.PermanentError{Err: fmt.Errorf("unexpected list result: %w", err)}
	}
	return items, nil
}

func (s *RESTStore) LLen(ctx context.Context, key string) (int64, error) {
	raw, err := s.do(ctx, "LLEN", key)
	if err != nil {
		return 0, err
	}
	return resultInt(raw)
}

func (s *RESTStore) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.do(ctx, "HSET", key, field, value)
	return err
}

func (s *RESTStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	raw, err := s.do(ctx, "HGET", key, field)
	if err != nil {
		return "", false, err
	}
	return resultString(raw)
}

func (s *RESTStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	raw, err := s.do(ctx, "HGETALL", key)
	if err != nil {
		return nil, err
	}

	// REST providers return hashes as a flat [field, value, ...] array.
	var flat []string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, &retry.PermanentError{Err: fmt.Errorf("unexpected hash result: %w", err)}
	}
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[flat[i]] = flat[i+1]
	}
	return out, nil
}

func (s *RESTStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	cmd := make([]any, 0, len(fields)+2)
	cmd = append(cmd, "HDEL", key)
	for _, f := range fields {
		cmd = append(cmd, f)
	}
	_, err := s.do(ctx, cmd...)
	return err
}

func (s *RESTStore) Ping(ctx context.Context) error {
	raw, err := s.do(ctx, "PING")
	if err != nil {
		return err
	}
	if pong, ok, _ := resultString(raw); !ok || !strings.EqualFold(pong, "pong") {
		return &retry.TransientError{Err: fmt.Errorf("unexpected ping result: %s", raw)}
	}
	return nil
}
