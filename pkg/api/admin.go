package api

import (
	"net/http"

	"r3chat/internal/sweeper"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterAdmin registers operational endpoints. The gateway restricts
// these to admin and backend keys.
func RegisterAdmin(r *mux.Router) {
	r.HandleFunc("/admin/sweep", triggerSweep).Methods(http.MethodPost)
	r.HandleFunc("/admin/status", adminStatus).Methods(http.MethodGet)
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	role := r.Header.Get("X-Role-Name")
	if role != "admin" && role != "backend" {
		utils.JSONError(w, http.StatusForbidden, "admin access required")
		return false
	}
	return true
}

// triggerSweep runs one sweep pass immediately, outside the cron
// schedule.
func triggerSweep(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	n, err := sweeper.RunImmediate()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"finalized": n})
}

func adminStatus(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{
		"ready":         store.Ready(),
		"db_disk_bytes": store.DiskUsage(),
	})
}
