package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/scheduler"
)

// toAPIError maps scheduler errors onto API error codes.
func toAPIError(err error) *models.APIError {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		return models.NewAPIError(models.ErrCodeJobNotFound, "job not found", err)
	case errors.Is(err, scheduler.ErrJobFinished):
		return models.NewAPIError(models.ErrCodeJobFinished, "job already finished", err)
	case errors.Is(err, scheduler.ErrSubmissionsClosed):
		return models.NewAPIError(models.ErrCodeJobFinished, "job submissions are closed", err)
	case errors.Is(err, scheduler.ErrInvalidConfig):
		return models.NewAPIError(models.ErrCodeInvalidInput, err.Error(), err)
	default:
		return models.NewAPIError(models.ErrCodeInternal, err.Error(), err)
	}
}

// respondError writes a structured JSON error with the status of its code.
func respondError(c *gin.Context, err error) {
	apiErr := toAPIError(err)
	c.JSON(mapErrorToStatus(apiErr), models.ErrorResponse{Error: apiErr.ToDetail()})
}

func invalidInput(c *gin.Context, err error) {
	respondError(c, models.NewAPIError(models.ErrCodeInvalidInput, err.Error(), err))
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.APIError) int {
	switch e.Code {
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	case models.ErrCodeJobNotFound:
		return http.StatusNotFound // 404
	case models.ErrCodeJobFinished:
		return http.StatusConflict // 409
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeFetchTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeFetchFailed:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}
