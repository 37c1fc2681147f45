package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"fulfillment/pkg/breaker"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// httpClient performs JSON GETs against one service behind a circuit breaker.
// Only transport failures and 5xx responses count against the breaker.
type httpClient struct {
	name     string
	baseURL  string
	http     *http.Client
	breakers *breaker.Manager
}

func newHTTPClient(name, baseURL string, timeout time.Duration, breakers *breaker.Manager) *httpClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpClient{
		name:     name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		breakers: breakers,
	}
}

type statusError struct {
	status int
	body   utils.RawResponse
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body.Message)
}

// get decodes the data field of the response envelope into out. A 404 maps to
// notFound; unavailability maps to ErrUpstreamUnavailable.
func (c *httpClient) get(ctx context.Context, path string, notFound *utils.AppError, out interface{}) error {
	var resp *utils.RawResponse
	var clientErr *statusError

	err := c.breakers.Execute(ctx, c.name, func(ctx context.Context) error {
		r, err := c.do(ctx, path)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.status < http.StatusInternalServerError {
				clientErr = se
				return nil
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"upstream": c.name,
			"path":     path,
		}).Warn("Upstream request failed")
		return utils.WrapError(utils.ErrUpstreamUnavailable, err)
	}

	if clientErr != nil {
		switch clientErr.status {
		case http.StatusNotFound:
			return notFound
		case http.StatusUnauthorized, http.StatusForbidden:
			// the caller's input is fine, the upstream refused this service
			return utils.WrapError(utils.ErrUpstreamUnavailable, clientErr)
		}
		return utils.NewErrorWithErr(utils.CodeInvalidParam, clientErr.body.Message, clientErr)
	}

	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return notFound
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return utils.WrapError(utils.ErrUpstreamUnavailable, fmt.Errorf("decode %s response: %w", c.name, err))
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, path string) (*utils.RawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var body utils.RawResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil && res.StatusCode < http.StatusInternalServerError {
			return nil, fmt.Errorf("decode %s envelope: %w", c.name, err)
		}
	}

	if res.StatusCode >= http.StatusBadRequest {
		return nil, &statusError{status: res.StatusCode, body: body}
	}
	return &body, nil
}
