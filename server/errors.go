package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"gaslend/loan"
)

// errorBody is the wire shape for every rejection: a machine-readable kind
// plus a human message.
type errorBody struct {
	Error struct {
		Kind              loan.Kind `json:"kind"`
		Message           string    `json:"message"`
		RetryAfterSeconds int       `json:"retryAfterSeconds,omitempty"`
	} `json:"error"`
}

func statusForKind(kind loan.Kind) int {
	switch kind {
	case loan.KindValidation, loan.KindInvalidSignature:
		return http.StatusBadRequest
	case loan.KindUnauthorized:
		return http.StatusUnauthorized
	case loan.KindRateLimited:
		return http.StatusTooManyRequests
	case loan.KindNotFound:
		return http.StatusNotFound
	case loan.KindExpired:
		return http.StatusGone
	case loan.KindAlreadyExecuting, loan.KindInvalidState:
		return http.StatusConflict
	case loan.KindChainTransient:
		return http.StatusServiceUnavailable
	case loan.KindChainFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a typed failure to its status code and JSON body.
func writeError(w http.ResponseWriter, err error) {
	kind := loan.Classify(err)
	status := statusForKind(kind)

	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = err.Error()

	var rateLimited *loan.RateLimitedError
	if errors.As(err, &rateLimited) {
		secs := rateLimited.RetryAfterSeconds()
		body.Error.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
