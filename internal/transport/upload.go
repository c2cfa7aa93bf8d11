package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/capitalrow/MinaProd-sub000/internal/audio"
	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/protocol"
)

// Upload is the stateless fallback transport: one multipart POST per
// chunk, with the transcription result returned in the response body
// and delivered synchronously from Send.
type Upload struct {
	cfg      config.TransportConfig
	client   *http.Client
	onResult ResultFunc
	log      *slog.Logger

	mu        sync.Mutex
	sessionID string
	closed    bool
}

func NewUpload(cfg config.TransportConfig, onResult ResultFunc, log *slog.Logger) *Upload {
	return &Upload{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		onResult: onResult,
		log:      log,
	}
}

// Connect binds the upload transport to a session. There is no channel
// to establish; the first Send proves reachability.
func (u *Upload) Connect(_ context.Context, sessionID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessionID = sessionID
	u.closed = false
	return nil
}

// Send posts one chunk, retrying transient failures with capped
// exponential backoff. After the retry budget the chunk is reported
// lost via ErrChunkLost so the stream keeps moving.
func (u *Upload) Send(ctx context.Context, chunk audio.Chunk) error {
	u.mu.Lock()
	sessionID := u.sessionID
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if sessionID == "" {
		return ErrNotConnected
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(u.cfg.UploadRetryBaseMS) * time.Millisecond
	bo.MaxInterval = time.Duration(u.cfg.UploadRetryCapMS) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	var lastErr error
	for attempt := 1; attempt <= u.cfg.UploadMaxAttempts; attempt++ {
		sentAt := time.Now()
		result, err := u.post(ctx, sessionID, chunk)
		if err == nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if !closed && result != nil {
				u.onResult(Result{Msg: *result, CapturedAt: chunk.CapturedAt, SentAt: sentAt})
			}
			return nil
		}
		lastErr = err
		if permanent(err) || ctx.Err() != nil {
			break
		}
		if attempt == u.cfg.UploadMaxAttempts {
			break
		}
		u.log.Warn("upload failed, retrying",
			slog.Uint64("sequence", chunk.Sequence),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}

	return fmt.Errorf("%w: sequence %d: %v", ErrChunkLost, chunk.Sequence, lastErr)
}

// Close stops result delivery. In-flight requests abort through the
// caller's context. Idempotent.
func (u *Upload) Close(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

func (u *Upload) post(ctx context.Context, sessionID string, chunk audio.Chunk) (*protocol.ResultMsg, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := map[string]string{
		"session_id":     sessionID,
		"sequence":       strconv.FormatUint(chunk.Sequence, 10),
		"mime_type":      chunk.MimeType,
		"captured_at_ms": strconv.FormatInt(chunk.CapturedAt.UnixMilli(), 10),
		"is_final_chunk": strconv.FormatBool(chunk.IsFinal),
	}
	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("write form field: %w", err)
		}
	}
	part, err := form.CreateFormFile("audio_data", fmt.Sprintf("chunk-%d", chunk.Sequence))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return nil, fmt.Errorf("write audio payload: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.UploadURL, &body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &httpStatusError{code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upload response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var result protocol.ResultMsg
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &result, nil
}

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upload rejected with status %d", e.code)
}

// permanent reports whether the failure is a client error that retrying
// cannot fix.
func permanent(err error) bool {
	var se *httpStatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.code >= 400 && se.code < 500
}
