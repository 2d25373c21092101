package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/catchsync/internal/storage"
)

const (
	// IdempotencyHeader carries the record's local id so a replay after a lost
	// acknowledgment is recognized by the server.
	IdempotencyHeader = "Idempotency-Key"

	FieldOfflineLocalID  = "offlineLocalId"
	FieldCapturedOffline = "capturedOffline"
	FieldPhotos          = "photos"
	FieldVideo           = "video"

	// DuplicateErrorType is the error type the service uses on a 409 for an
	// idempotency key it already accepted.
	DuplicateErrorType = "duplicate"

	catchesPath = "/catches"
	maxErrBody  = 4096
)

// Submitter delivers a single record to the remote service.
type Submitter interface {
	Submit(ctx context.Context, rec storage.PendingRecord) error
}

// Client submits captures as multipart forms to {baseURL}/catches.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. timeout bounds each HTTP exchange; callers
// usually also pass a context deadline.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Submit uploads rec. A 2xx response, or a 409 Conflict marked as a
// duplicate of this record's idempotency key, is success. Failures are
// returned as *SubmitError.
//
// The body is streamed from disk; payload and media are checked up front so
// that an unreadable record fails permanently without a request.
func (c *Client) Submit(ctx context.Context, rec storage.PendingRecord) error {
	fields, err := payloadFields(rec.Payload)
	if err != nil {
		return &SubmitError{Permanent: true, Message: "encoding submission", Err: err}
	}
	for _, m := range rec.Media {
		if _, err := os.Stat(m.Path); err != nil {
			return &SubmitError{Permanent: true, Message: "media unavailable", Err: err}
		}
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(writer, rec, fields))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+catchesPath, pr)
	if err != nil {
		pr.CloseWithError(err)
		return &SubmitError{Permanent: true, Message: "building request", Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(IdempotencyHeader, rec.LocalID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Do closes the request body on every path, which stops the writer.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SubmitError{Err: fmt.Errorf("posting capture: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	if resp.StatusCode == http.StatusConflict && isDuplicate(resp.Header, raw, rec.LocalID) {
		// Already created by an earlier attempt whose ack was lost.
		return nil
	}
	return classifyStatus(resp.StatusCode, errorMessage(raw))
}

type errorBody struct {
	Message string `json:"message"`
	Error   struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// errorMessage extracts a message from {"error":{"message":..}},
// {"message":..} or falls back to the raw body.
func errorMessage(raw []byte) string {
	var payload errorBody
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// isDuplicate reports whether a 409 says the service already holds localID:
// either the idempotency key is echoed back or the error type is
// DuplicateErrorType. Any other conflict is a rejection.
func isDuplicate(h http.Header, raw []byte, localID string) bool {
	if h.Get(IdempotencyHeader) == localID {
		return true
	}
	var payload errorBody
	return json.Unmarshal(raw, &payload) == nil && payload.Error.Type == DuplicateErrorType
}

func payloadFields(payload json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return fields, nil
}

// writeForm writes the multipart body: top-level payload fields become form
// fields (strings verbatim, other values as JSON text), followed by the
// offline markers and the media files.
func writeForm(writer *multipart.Writer, rec storage.PendingRecord, fields map[string]json.RawMessage) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writer.WriteField(k, fieldValue(fields[k])); err != nil {
			return fmt.Errorf("writing field %s: %w", k, err)
		}
	}

	if err := writer.WriteField(FieldCapturedOffline, "true"); err != nil {
		return fmt.Errorf("writing %s: %w", FieldCapturedOffline, err)
	}
	if err := writer.WriteField(FieldOfflineLocalID, rec.LocalID); err != nil {
		return fmt.Errorf("writing %s: %w", FieldOfflineLocalID, err)
	}

	for _, m := range rec.Media {
		if err := writeMedia(writer, m); err != nil {
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}
	return nil
}

func fieldValue(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func writeMedia(writer *multipart.Writer, m storage.MediaRef) error {
	field := FieldPhotos
	if m.Kind == storage.MediaVideo {
		field = FieldVideo
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(m.Path)))
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating part for %s: %w", m.Path, err)
	}

	f, err := os.Open(m.Path)
	if err != nil {
		return fmt.Errorf("opening media %s: %w", m.Path, err)
	}
	defer f.Close()

	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading media %s: %w", m.Path, err)
	}
	return nil
}
