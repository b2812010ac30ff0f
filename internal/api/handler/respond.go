package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/infra/validation"
)

type errorBody struct {
	Error  string                    `json:"error"`
	Code   string                    `json:"code"`
	Fields []*domain.ValidationError `json:"fields,omitempty"`
}

// decode читает JSON тело и проверяет теги validate.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return validation.Struct(dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError единая таблица соответствия доменных ошибок HTTP статусам.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var verrs domain.ValidationErrors
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verrs):
		status, body.Code, body.Fields = http.StatusBadRequest, "validation_error", verrs
	case errors.As(err, &verr):
		status, body.Code, body.Fields = http.StatusBadRequest, "validation_error", []*domain.ValidationError{verr}
	case errors.Is(err, domain.ErrNotFound):
		status, body.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyResolved):
		status, body.Code = http.StatusBadRequest, "already_resolved"
	case errors.Is(err, domain.ErrIllegalTransition):
		status, body.Code = http.StatusBadRequest, "illegal_transition"
	case errors.Is(err, domain.ErrBacktestFailed):
		status, body.Code = http.StatusBadRequest, "backtest_failed"
	case errors.Is(err, domain.ErrPolicyViolation):
		status, body.Code = http.StatusBadRequest, "policy_violation"
	case errors.Is(err, domain.ErrUnknownFeature):
		status, body.Code = http.StatusBadRequest, "unknown_feature"
	case errors.Is(err, domain.ErrInsufficientData):
		status, body.Code = http.StatusBadRequest, "insufficient_data"
	default:
		body.Code = "internal_error"
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
