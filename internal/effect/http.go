package effect

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// httpClient is shared across all HttpGet/Post/Put/Delete handlers;
// per-call timeout comes from the effect itself (applied to the request
// context by the dispatcher), not the client, so one client serves every
// timeout value requested.
var httpClient = &http.Client{}

// NewHTTPHandler builds the handler for one HTTP method (GET/POST/PUT/
// DELETE). Expected params: "url" (string, required), "body" ([]byte,
// optional, ignored for GET/DELETE), "headers" (map[string]string,
// optional).
func NewHTTPHandler(method string) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		url := strParam(params, "url")
		if url == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "url"))
		}

		var bodyReader io.Reader
		if method == http.MethodPost || method == http.MethodPut {
			bodyReader = bytes.NewReader(bytesParam(params, "body"))
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_request", eff.Kind.String()))
		}
		if headers, ok := params["headers"].(map[string]string); ok {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return kernel.Failure(kernel.NewError(kernel.ErrGatewayTimeout, "http", url))
			}
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "http", url))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "http_body", url))
		}
		if resp.StatusCode >= 500 {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "http_status", url))
		}
		return kernel.Success(body)
	}
}

// SetHTTPTimeout overrides the shared client's default timeout (used at
// startup from config; per-call timeouts still come from Effect.TimeoutMS
// via the dispatcher's context).
func SetHTTPTimeout(d time.Duration) { httpClient.Timeout = d }
