package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/config"
)

// remoteBackend proxies generation to an HTTP inference server. It holds
// no weights, so it is always "loaded".
type remoteBackend struct {
	spec    config.ModelSpec
	baseURL string
	client  *http.Client
}

func newRemoteBackend(spec config.ModelSpec, defaultTimeout time.Duration) *remoteBackend {
	timeout := defaultTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	return &remoteBackend{
		spec:    spec,
		baseURL: strings.TrimRight(spec.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *remoteBackend) ModelID() string { return b.spec.ID }

type remoteRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Params Params `json:"params"`
}

type remoteResponse struct {
	Output     string `json:"output"`
	Text       string `json:"text"`
	Completion string `json:"completion"`
}

func (b *remoteBackend) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	body, err := json.Marshal(remoteRequest{Model: b.spec.ID, Prompt: prompt, Params: params})
	if err != nil {
		return "", apperr.UpstreamRequestFailed(b.spec.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", apperr.UpstreamRequestFailed(b.spec.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "", apperr.UpstreamTimeout(b.spec.ID)
		case errors.As(err, &netErr) && netErr.Timeout():
			return "", apperr.UpstreamTimeout(b.spec.ID)
		default:
			return "", apperr.UpstreamUnreachable(b.spec.ID)
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", apperr.UpstreamRequestFailed(b.spec.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.UpstreamError(b.spec.ID, resp.StatusCode)
	}

	var decoded remoteResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", apperr.UpstreamBadResponse(b.spec.ID)
	}
	switch {
	case decoded.Output != "":
		return decoded.Output, nil
	case decoded.Text != "":
		return decoded.Text, nil
	case decoded.Completion != "":
		return decoded.Completion, nil
	}
	return "", apperr.UpstreamBadResponse(b.spec.ID)
}
