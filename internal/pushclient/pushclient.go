// Package pushclient delivers assembled batch events to the Langfuse-style
// ingestion endpoint.
package pushclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lightspeeddms/pacemaker/internal/traceassembler"
)

const defaultTimeout = 10 * time.Second

// Client pushes batches of events to a Langfuse-compatible ingestion API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	publicKey  string
	secretKey  string
	log        zerolog.Logger
}

// New builds a push Client. baseURL is the Langfuse host (no trailing
// /api/public/ingestion suffix). Never log secretKey.
func New(baseURL, publicKey, secretKey string, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		publicKey:  publicKey,
		secretKey:  secretKey,
		log:        log.With().Str("component", "pushclient").Logger(),
	}
}

type ingestionRequest struct {
	Batch []traceassembler.BatchEvent `json:"batch"`
}

type ingestionResponse struct {
	Successes []struct {
		ID string `json:"id"`
	} `json:"successes"`
	Errors []struct {
		ID      string `json:"id"`
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"errors"`
}

// PushBatch POSTs batch to /api/public/ingestion using HTTP basic auth
// (public key as user, secret key as password). The backend returns HTTP 200
// even when individual items fail, so success is judged from the response
// body's successes[]/errors[], not the status code alone: PushBatch returns
// (true, len(successes)) whenever any item succeeded or the batch was empty,
// and (false, 0) on a connection error, timeout, or a response where every
// item failed.
func (c *Client) PushBatch(ctx context.Context, batch []traceassembler.BatchEvent) (bool, int) {
	if len(batch) == 0 {
		return true, 0
	}
	payload, err := json.Marshal(ingestionRequest{Batch: batch})
	if err != nil {
		c.log.Error().Err(err).Msg("pushclient: marshal batch")
		return false, 0
	}

	url := c.baseURL + "/api/public/ingestion"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		c.log.Error().Err(err).Msg("pushclient: build request")
		return false, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.publicKey, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("pushclient: push batch failed")
		return false, 0
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Int("status", resp.StatusCode).Str("body", string(body)).Msg("pushclient: ingestion returned non-2xx")
		return false, 0
	}

	var ir ingestionResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		c.log.Warn().Err(err).Msg("pushclient: could not parse ingestion response, assuming full success")
		return true, len(batch)
	}
	for _, e := range ir.Errors {
		c.log.Warn().Str("event_id", e.ID).Int("status", e.Status).Str("message", e.Message).
			Msg("pushclient: event rejected by ingestion endpoint")
	}

	acked := len(ir.Successes)
	c.log.Debug().Int("count", len(batch)).Int("acknowledged", acked).Msg("pushclient: batch pushed")
	if acked == 0 && len(batch) > 0 {
		return false, 0
	}
	return true, acked
}
