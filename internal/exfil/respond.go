// Package exfil holds the HTTP plumbing shared by the exfil transports.
package exfil

import (
	stderr "errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/utils"
)

// MessageTooLarge is returned for bodies over a route's size limit.
const MessageTooLarge = "Data exceeds size limit"

// ErrTooLarge rejects an oversized request body.
var ErrTooLarge = fiber.NewError(fiber.StatusRequestEntityTooLarge, MessageTooLarge)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// ErrorHandler renders errors returned by handlers. Vault errors map to the status of their
// category; internal causes are logged but never sent to the client.
func ErrorHandler(logger *utils.StructuredLogger) fiber.ErrorHandler {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("http")

	return func(c *fiber.Ctx, err error) error {
		status, body := render(err)
		fields := map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
			"status": status,
			"error":  err,
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", fields)
		} else {
			logger.Debug("request rejected", fields)
		}
		return c.Status(status).JSON(body)
	}
}

func render(err error) (int, ErrorResponse) {
	var vaultErr *errors.VaultError
	if errors.As(err, &vaultErr) {
		status := vaultErr.HTTPStatus
		if status == 0 {
			status = errors.GetDefaultHTTPStatus(vaultErr.Code)
		}
		return status, ErrorResponse{
			Message:   vaultErr.ClientMessage(),
			Code:      string(vaultErr.Code),
			Retryable: vaultErr.Retryable,
		}
	}

	var fiberErr *fiber.Error
	if stderr.As(err, &fiberErr) {
		code := errors.ErrCodeValidationFailed
		switch {
		case fiberErr.Code == fiber.StatusRequestEntityTooLarge:
			return fiberErr.Code, ErrorResponse{Message: MessageTooLarge, Code: string(errors.ErrCodeSizeExceeded)}
		case fiberErr.Code == fiber.StatusNotFound:
			code = errors.ErrCodeUnknownExtension
		case fiberErr.Code >= http.StatusInternalServerError:
			code = errors.ErrCodeInternalError
		}
		return fiberErr.Code, ErrorResponse{Message: fiberErr.Message, Code: string(code)}
	}

	return http.StatusInternalServerError, ErrorResponse{
		Message: "internal error",
		Code:    string(errors.ErrCodeInternalError),
	}
}

// FileResponse is the client view of a stored file.
type FileResponse struct {
	ID           string `json:"id"`
	URL          string `json:"url,omitempty"`
	LifeTime     int64  `json:"lifeTime,omitempty"`
	CreationDate int64  `json:"creationDate"`
}

// NewFileResponse converts info. Times are in milliseconds.
func NewFileResponse(info extension.FileInfo) *FileResponse {
	return &FileResponse{
		ID:           info.ID,
		URL:          info.URL,
		LifeTime:     info.LifeTime.Milliseconds(),
		CreationDate: info.CreatedAt.UnixMilli(),
	}
}

// ParseIndex parses a chunk number path parameter.
func ParseIndex(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeInvalidChunkIndex, "invalid chunk number %q", raw)
	}
	return n, nil
}

// ParseSize parses a byte size path parameter.
func ParseSize(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidSize, "invalid size %q", raw)
	}
	return n, nil
}
