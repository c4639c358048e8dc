package handler

import (
	"net/http"
)

// HandleHealth reports that the process is serving requests.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
