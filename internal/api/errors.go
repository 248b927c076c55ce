package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/briansong/zkhex/internal/coreerrors"
)

var statusByCode = map[coreerrors.Code]int{
	coreerrors.CodeDuplicateOrder:     http.StatusConflict,
	coreerrors.CodeInvalidOrder:       http.StatusBadRequest,
	coreerrors.CodeOrderNotFound:      http.StatusNotFound,
	coreerrors.CodeUserExists:         http.StatusConflict,
	coreerrors.CodeUserNotFound:       http.StatusNotFound,
	coreerrors.CodeInsufficient:       http.StatusBadRequest,
	coreerrors.CodeChannelFull:        http.StatusServiceUnavailable,
	coreerrors.CodeChannelShut:        http.StatusInternalServerError,
	coreerrors.CodeStorageUnavailable: http.StatusServiceUnavailable,
	coreerrors.CodeStorageRejected:    http.StatusInternalServerError,
}

// writeError maps a CoreError to the status table spec.md §6 documents,
// falling back to 500 for anything unmapped or unrecognized.
func writeError(w http.ResponseWriter, err error) {
	var ce *coreerrors.CoreError
	status := http.StatusInternalServerError
	msg := err.Error()
	if errors.As(err, &ce) {
		if s, ok := statusByCode[ce.Code]; ok {
			status = s
		}
		msg = ce.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
