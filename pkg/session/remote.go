package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	remoteTimeout    = 5 * time.Second
	remoteAttempts   = 3
	remoteMaxDelay   = 2 * time.Second
	maxIdentityBytes = 64 << 10
)

// RemoteVerifier asks the platform's auth service who a token belongs to.
// The service is called with the token as a Bearer credential and answers
// 200 with {"subjectId":..., "role":...}, or 401/403 for a bad token.
// Network errors and 5xx responses are retried with jittered backoff.
type RemoteVerifier struct {
	httpClient *http.Client
	logger     *slog.Logger
	url        string
	attempts   uint
	maxDelay   time.Duration
}

// NewRemoteVerifier returns a verifier that calls url. If logger is nil a
// discarding logger is used.
func NewRemoteVerifier(url string, logger *slog.Logger) *RemoteVerifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RemoteVerifier{
		httpClient: &http.Client{Timeout: remoteTimeout},
		logger:     logger,
		url:        url,
		attempts:   remoteAttempts,
		maxDelay:   remoteMaxDelay,
	}
}

// Verify resolves token through the auth service.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	var id Identity
	var lastErr error

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, http.NoBody)
			if err != nil {
				lastErr = fmt.Errorf("create request: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", "application/json")

			resp, err := v.httpClient.Do(req)
			if err != nil {
				lastErr = fmt.Errorf("%w: %w", ErrUnavailable, err)
				v.logger.Warn("session verifier request failed (will retry)", "error", err)
				return lastErr
			}
			defer func() {
				if err := resp.Body.Close(); err != nil {
					v.logger.Warn("failed to close response body", "error", err)
				}
			}()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxIdentityBytes))
			if err != nil {
				lastErr = fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
				return lastErr
			}

			switch {
			case resp.StatusCode == http.StatusOK:
				var got Identity
				if err := json.Unmarshal(body, &got); err != nil {
					lastErr = fmt.Errorf("%w: parse identity: %w", ErrUnavailable, err)
					return retry.Unrecoverable(lastErr)
				}
				if got.SubjectID == "" {
					lastErr = fmt.Errorf("%w: empty subjectId", ErrInvalidToken)
					return retry.Unrecoverable(lastErr)
				}
				id = got
				return nil

			case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
				lastErr = fmt.Errorf("%w: auth service returned %d", ErrInvalidToken, resp.StatusCode)
				return retry.Unrecoverable(lastErr)

			case resp.StatusCode >= http.StatusInternalServerError:
				lastErr = fmt.Errorf("%w: auth service returned %d", ErrUnavailable, resp.StatusCode)
				v.logger.Warn("session verifier server error (will retry)", "status", resp.StatusCode)
				return lastErr

			default:
				lastErr = fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
				return retry.Unrecoverable(lastErr)
			}
		},
		retry.Attempts(v.attempts),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(v.maxDelay),
		retry.Context(ctx),
	)
	if err != nil {
		// retry aggregates attempt errors; callers want the classified one.
		if lastErr != nil && ctx.Err() == nil {
			return Identity{}, lastErr
		}
		return Identity{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return id, nil
}
