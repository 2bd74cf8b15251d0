package osmapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/imroc/req/v3"
)

var (
	ErrNoBaseURL     = errors.New("osmapi: base url missing")
	ErrTransport     = errors.New("osmapi: transport error")
	ErrProtocol      = errors.New("osmapi: protocol error")
	ErrUnauthorized  = errors.New("osmapi: not authorized")
	ErrCapabilities  = errors.New("osmapi: api unavailable")
	ErrNoWriteAccess = errors.New("osmapi: write permission missing")
)

// StatusClasses maps HTTP status codes to failure classes. Codes not listed
// are protocol errors.
type StatusClasses map[int]changeset.FailureClass

func DefaultStatusClasses() StatusClasses {
	return StatusClasses{
		http.StatusConflict:            changeset.ClassVersionConflict,
		http.StatusNotFound:            changeset.ClassElementGone,
		http.StatusGone:                changeset.ClassElementGone,
		http.StatusPreconditionFailed:  changeset.ClassPrecondition,
		http.StatusMethodNotAllowed:    changeset.ClassMethodRejected,
		http.StatusRequestTimeout:      changeset.ClassTransport,
		http.StatusTooManyRequests:     changeset.ClassTransport,
		http.StatusInternalServerError: changeset.ClassTransport,
		http.StatusBadGateway:          changeset.ClassTransport,
		http.StatusServiceUnavailable:  changeset.ClassTransport,
		http.StatusGatewayTimeout:      changeset.ClassTransport,
	}
}

// Classify returns the failure class for an HTTP status.
func (sc StatusClasses) Classify(status int) changeset.FailureClass {
	if c, ok := sc[status]; ok {
		return c
	}
	return changeset.ClassProtocol
}

// APIError is a non-2xx answer from the map API.
type APIError struct {
	Op     string
	Status int
	Class  changeset.FailureClass
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("osmapi: %s: %d %s (%s): %s", e.Op, e.Status, http.StatusText(e.Status), e.Class, body)
}

// Unwrap lets callers match transport and protocol failures with errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Class {
	case changeset.ClassTransport:
		return ErrTransport
	case changeset.ClassProtocol:
		if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
			return ErrUnauthorized
		}
		return ErrProtocol
	}
	return nil
}

// ClassOf returns the failure class carried by err. Errors that never reached
// the server are transport failures.
func ClassOf(err error) changeset.FailureClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, ErrTransport) {
		return changeset.ClassTransport
	}
	return changeset.ClassProtocol
}

// handleAPIError turns a failed request or an error response into an error.
func (c *Client) handleAPIError(resp *req.Response, requestErr error, op string) error {
	if requestErr != nil {
		if resp != nil && resp.Response != nil && resp.StatusCode >= 400 {
			return c.apiError(resp, op)
		}
		return fmt.Errorf("%w: %s: %w", ErrTransport, op, requestErr)
	}
	if resp.IsErrorState() || resp.StatusCode >= 400 {
		return c.apiError(resp, op)
	}
	return nil
}

func (c *Client) apiError(resp *req.Response, op string) error {
	err := &APIError{
		Op:     op,
		Status: resp.StatusCode,
		Class:  c.classes.Classify(resp.StatusCode),
		Body:   resp.String(),
	}
	// the API reports the reason in this header when the body is empty
	if err.Body == "" {
		err.Body = resp.GetHeader("Error")
	}
	return err
}
