package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"voltsettle/internal/challenge"
	"voltsettle/internal/ledger"
)

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps an error kind onto the HTTP status the caller sees.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInputValidation:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	case ledger.KindBusinessRejection, ledger.KindManualReview:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, challenge.ErrInvalidChallenge):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	case errors.Is(err, challenge.ErrMissingInvestor):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: ledger.KindInputValidation.String()})
		return
	}

	kind := ledger.Classify(err)
	if kind == ledger.KindExternalUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if kind == ledger.KindUnknown {
		log.Printf("api: unclassified error: %v", err)
	}
	writeJSON(w, statusFor(kind), errorBody{Error: err.Error(), Kind: kind.String(), Retryable: kind.Retryable()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
