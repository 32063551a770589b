package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/roadpulse/roadpulse/internal/analytics"
	"github.com/roadpulse/roadpulse/internal/api/models"
	"github.com/roadpulse/roadpulse/internal/api/response"
	"github.com/roadpulse/roadpulse/internal/traffic"
)

// writeError maps a service error onto a problem response.
func writeError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	var (
		cfgErr    *analytics.ConfigurationError
		schemaErr *analytics.InputSchemaError
	)
	switch {
	case errors.As(err, &cfgErr):
		code := models.CodeInvalidValue
		if cfgErr.Reason == analytics.ReasonUnknownSetting {
			code = models.CodeUnknownSetting
		}
		response.BadRequest(w, r, cfgErr.Error(), []models.FieldError{{
			Field:   cfgErr.Field,
			Message: cfgErr.Reason,
			Code:    code,
		}})
	case errors.Is(err, traffic.ErrSegmentNotFound),
		errors.Is(err, traffic.ErrCorridorNotFound),
		errors.Is(err, traffic.ErrEventNotFound):
		response.NotFound(w, r, err.Error())
	case errors.As(err, &schemaErr):
		log.Error().Err(err).Str("table", schemaErr.Table).Int("row", schemaErr.Row).Msg("stored data failed validation")
		response.InvalidData(w, r, fmt.Sprintf("stored %s data is malformed", schemaErr.Table))
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		response.InternalError(w, r, "an unexpected error occurred")
	}
}
