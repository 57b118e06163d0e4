// Package proxy implements the retry loop: the straight-line,
// bounded-iteration orchestrator tying the credential manager, request
// rewriter, HTTP client pool, circuit breakers, and response classifier
// together into the proxy's single HTTP handler. ServeHTTP itself stays
// thin — it parses the request, delegates to run, and writes a JSON error
// envelope on failure.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nullstream/genai-key-proxy/internal/apierr"
	"github.com/nullstream/genai-key-proxy/internal/breaker"
	"github.com/nullstream/genai-key-proxy/internal/classifier"
	"github.com/nullstream/genai-key-proxy/internal/credential"
	"github.com/nullstream/genai-key-proxy/internal/httpclient"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
	"github.com/nullstream/genai-key-proxy/internal/rewriter"
	"github.com/nullstream/genai-key-proxy/pkg/logger"
)

// RateLimitBehavior mirrors config.RateLimitBehavior without importing the
// config package, keeping this package's dependency graph acyclic.
type RateLimitBehavior string

const (
	RateLimitCooldown RateLimitBehavior = "cooldown"
	RateLimitSkip     RateLimitBehavior = "skip"
)

// Config tunes one Handler instance.
type Config struct {
	MaxTokensPerRequest int
	MaxRequestBodyBytes int64
	InternalRetries     int
	TopP                *float64
	RateLimitBehavior   RateLimitBehavior
}

// Handler is the proxy's single HTTP entry point for the `ANY /*` surface.
type Handler struct {
	cfg        Config
	credential *credential.Manager
	breakers   *breaker.Registry
	clients    *httpclient.Pool
	logger     *slog.Logger
}

// New builds a Handler.
func New(cfg Config, credMgr *credential.Manager, breakers *breaker.Registry, clients *httpclient.Pool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, credential: credMgr, breakers: breakers, clients: clients, logger: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := logger.RequestIDFromContext(r.Context())
	log := logger.FromContext(r.Context(), h.logger)

	body, err := h.readBody(r)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.KindRequestTooLarge, err.Error()).WithRequestID(requestID), r.URL.Path)
		return
	}

	translatedPath := rewriter.TranslatePath(r.URL.Path)
	model, _ := rewriter.ExtractModel(translatedPath, body)

	if h.cfg.MaxTokensPerRequest > 0 {
		text := rewriter.ExtractTextPayload(body)
		if count := rewriter.CountTokens(text); count > h.cfg.MaxTokensPerRequest {
			log.Warn("request rejected: token limit exceeded", "token_count", count, "limit", h.cfg.MaxTokensPerRequest)
			apierr.Write(w, apierr.New(apierr.KindRequestTooLarge, "request exceeds the configured token limit").WithRequestID(requestID), r.URL.Path)
			return
		}
	}

	result, outcome := h.run(r.Context(), w, log, r.Method, translatedPath, r.URL.RawQuery, r.Header, body, model)

	switch outcome {
	case outcomeNoHealthyKeys:
		apierr.Write(w, apierr.New(apierr.KindNoHealthyKeys, "no healthy credentials available").WithRequestID(requestID), r.URL.Path)
	case outcomeStorageUnavailable:
		apierr.Write(w, apierr.New(apierr.KindStorageUnavailable, "credential store unavailable").WithRequestID(requestID), r.URL.Path)
	case outcomeCircuitOpen:
		apierr.Write(w, apierr.New(apierr.KindCircuitOpen, "upstream target's circuit breaker is open").WithRequestID(requestID), r.URL.Path)
	case outcomeStreamed:
		// Response already written directly to w by run().
	default:
		h.writeResult(w, result)
	}
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	limit := h.cfg.MaxRequestBodyBytes
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

// attemptResult carries a buffered upstream response across loop
// iterations; it is also what the handler ultimately writes to the client.
type attemptResult struct {
	status int
	header http.Header
	body   []byte
}

type outcome int

const (
	outcomeRespond outcome = iota
	outcomeNoHealthyKeys
	outcomeStorageUnavailable
	outcomeCircuitOpen
	outcomeStreamed
)

// run executes the bounded retry loop. w is used only for the streaming
// success path, which must copy the upstream body to the client without
// buffering; every other path returns a buffered attemptResult for the
// caller to write.
func (h *Handler) run(
	ctx context.Context,
	w http.ResponseWriter,
	log *slog.Logger,
	method, translatedPath, rawQuery string,
	clientHeaders http.Header,
	body []byte,
	model string,
) (attemptResult, outcome) {
	var last *attemptResult
	maxIterations := h.cfg.InternalRetries
	if maxIterations <= 0 {
		maxIterations = 20
	}

	for i := 0; i < maxIterations; i++ {
		key, err := h.credential.Next(ctx, model)
		if errors.Is(err, credential.ErrNoneAvailable) {
			break
		}
		if err != nil {
			if errors.Is(err, keystore.ErrUnavailable) {
				return attemptResult{}, outcomeStorageUnavailable
			}
			return attemptResult{}, outcomeStorageUnavailable
		}

		outboundBody := body
		if h.cfg.TopP != nil {
			outboundBody = rewriter.RewriteTopP(body, *h.cfg.TopP)
		}

		outboundURL, err := rewriter.BuildOutboundURL(key.TargetURL, translatedPath, rawQuery, key.Credential)
		if err != nil {
			log.Error("failed to build outbound url", "error", err)
			return attemptResult{}, outcomeStorageUnavailable
		}

		headers := rewriter.FilterHeaders(clientHeaders)
		rewriter.InjectCredential(headers, key.Credential)

		client, err := h.clients.Client(key.ProxyURL)
		if err != nil {
			log.Error("failed to acquire outbound client", "error", err)
			return attemptResult{}, outcomeStorageUnavailable
		}

		br := h.breakers.Get(key.TargetURL)

		var attempt attemptResult
		var classified classifier.Action
		var transportErr error
		streamed := false

		callErr := br.Call(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, method, outboundURL, bytes.NewReader(outboundBody))
			if err != nil {
				return err
			}
			req.Header = headers
			req.Host = req.URL.Host

			resp, err := client.Do(req)
			if err != nil {
				transportErr = err
				return err
			}
			defer resp.Body.Close()

			if classifier.IsStreaming(resp.StatusCode, resp.Header) {
				for name, values := range rewriter.FilterHeaders(resp.Header) {
					for _, v := range values {
						w.Header().Add(name, v)
					}
				}
				w.WriteHeader(resp.StatusCode)
				_, _ = io.Copy(w, resp.Body)
				streamed = true
				classified = classifier.Action{Kind: classifier.Success}
				return nil
			}

			respBody, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				transportErr = readErr
				return readErr
			}

			attempt = attemptResult{status: resp.StatusCode, header: resp.Header, body: respBody}
			classified = classifier.Classify(classifier.Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody})

			// Only target-level distress (RetryNextKey: 5xx, 408, or an
			// unhinted 429) counts against the breaker. BlockKeyAndRetry and
			// WaitFor are credential-specific rejections and must not trip
			// the breaker for every other credential sharing this target.
			if classified.Kind == classifier.RetryNextKey {
				return errRetryable
			}
			return nil
		})

		if errors.Is(callErr, breaker.ErrOpen) {
			return attemptResult{}, outcomeCircuitOpen
		}

		if streamed {
			_ = h.credential.RecordSuccess(ctx, key.Credential)
			return attemptResult{}, outcomeStreamed
		}

		if transportErr != nil {
			// A connect/TLS/body-stream failure before a status line is
			// treated the same as a RetryNextKey verdict.
			_ = h.credential.RecordFailure(ctx, key.Credential, false)
			continue
		}

		last = &attempt

		switch classified.Kind {
		case classifier.Success, classifier.Terminal:
			return attempt, outcomeRespond

		case classifier.RetryNextKey:
			_ = h.credential.RecordFailure(ctx, key.Credential, false)

		case classifier.BlockKeyAndRetry:
			_ = h.credential.RecordFailure(ctx, key.Credential, true)

		case classifier.WaitFor:
			_ = h.credential.HandleRateLimit(ctx, key.Credential, classified.Wait)
			if h.cfg.RateLimitBehavior != RateLimitSkip {
				select {
				case <-ctx.Done():
					return attempt, outcomeRespond
				case <-time.After(classified.Wait):
				}
			}
		}
	}

	if last == nil {
		return attemptResult{}, outcomeNoHealthyKeys
	}
	if last.status >= 500 {
		return attemptResult{
			status: http.StatusBadGateway,
			header: http.Header{"Content-Type": []string{"text/plain"}},
			body:   []byte("All upstream servers failed"),
		}, outcomeRespond
	}
	return *last, outcomeRespond
}

// errRetryable is a sentinel the breaker treats as a call failure, without
// being surfaced to the caller (the classified Action is what drives the
// retry-loop's dispatch, not this error's identity).
var errRetryable = errors.New("proxy: classified as retryable")

func (h *Handler) writeResult(w http.ResponseWriter, result attemptResult) {
	out := rewriter.FilterHeaders(result.header)
	for name, values := range out {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := result.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(result.body) > 0 {
		_, _ = w.Write(result.body)
	}
}
