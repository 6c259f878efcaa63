package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kadirpekel/agentcore/internal/errs"
)

// HTTPBackend is a thin JSON/HTTP client to an external memory service,
// grounded on the teacher's httpclient retry/backoff shape but built on
// cenkalti/backoff/v4 since this retry path has no spec-mandated exact
// formula (unlike the session lock).
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *HTTPBackend) newBackoff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(eb, 4), ctx)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("memory: marshal request: %w", err)
		}
		payload = data
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			return err // transient transport failure: retry
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(errs.New(errs.NotFound, "ERR_MEMORY_NOT_FOUND", "memory record not found"))
		case resp.StatusCode >= 500:
			return fmt.Errorf("memory service returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("memory service returned %d: %s", resp.StatusCode, respBody))
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
			}
		}
		return nil
	}

	if err := backoff.Retry(operation, b.newBackoff(ctx)); err != nil {
		if e, ok := errs.As(err); ok {
			return e
		}
		return errs.Wrap(errs.Unavailable, "ERR_MEMORY_SERVICE_DOWN", err, "memory service unavailable")
	}
	return nil
}

func (b *HTTPBackend) Add(ctx context.Context, userFP string, turns []Turn) error {
	req := struct {
		UserFP string `json:"user_fingerprint"`
		Turns  []Turn `json:"turns"`
	}{UserFP: userFP, Turns: turns}
	return b.do(ctx, http.MethodPost, "/v1/memories", req, nil)
}

func (b *HTTPBackend) Search(ctx context.Context, userFP, query string, k int, enableGraph bool) ([]Hit, error) {
	req := struct {
		UserFP      string `json:"user_fingerprint"`
		Query       string `json:"query"`
		K           int    `json:"k"`
		EnableGraph bool   `json:"enable_graph"`
	}{UserFP: userFP, Query: query, K: k, EnableGraph: enableGraph}

	var resp struct {
		Hits []Hit `json:"hits"`
	}
	if err := b.do(ctx, http.MethodPost, "/v1/memories/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

func (b *HTTPBackend) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := b.do(ctx, http.MethodGet, "/v1/memories/"+id, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *HTTPBackend) Delete(ctx context.Context, id string) error {
	return b.do(ctx, http.MethodDelete, "/v1/memories/"+id, nil, nil)
}
