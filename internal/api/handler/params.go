package handler

import (
	"net/url"
	"strings"
	"time"

	"github.com/roadpulse/roadpulse/internal/analytics"
	"github.com/roadpulse/roadpulse/internal/api/models"
)

// Query parameters that are not analytics overrides.
const (
	paramIDs        = "ids"
	paramSegmentIDs = "segment_ids"
	paramScope      = "scope"
	paramStart      = "start"
	paramEnd        = "end"
)

// idList reads a comma separated and/or repeated id parameter. Blank
// entries are dropped.
func idList(q url.Values, key string) []string {
	var ids []string
	for _, v := range q[key] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// timeWindow parses the optional RFC3339 start and end parameters.
func timeWindow(q url.Values) (analytics.TimeWindow, []models.FieldError) {
	var (
		w    analytics.TimeWindow
		errs []models.FieldError
	)
	parse := func(key string, dst *time.Time) {
		raw := q.Get(key)
		if raw == "" {
			return
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errs = append(errs, models.FieldError{Field: key, Message: "must be an RFC3339 timestamp", Code: models.CodeInvalidTime})
			return
		}
		*dst = t.UTC()
	}
	parse(paramStart, &w.Start)
	parse(paramEnd, &w.End)

	if len(errs) == 0 && !w.Start.IsZero() && !w.End.IsZero() && !w.Start.Before(w.End) {
		errs = append(errs, models.FieldError{Field: paramEnd, Message: "must be after start", Code: models.CodeInvalidTime})
	}
	return w, errs
}
