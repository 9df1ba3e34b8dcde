package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /sms/send", withTenant(h.Send))
	mux.HandleFunc("POST /sms/bulk", withTenant(h.SubmitBulk))
	mux.HandleFunc("GET /sms/bulk/{id}", withTenant(h.GetBulk))
	mux.HandleFunc("POST /sms/bulk/{id}/cancel", withTenant(h.CancelBulk))
	mux.HandleFunc("GET /sms/status/{jobId}", withTenant(h.JobStatus))
	mux.HandleFunc("DELETE /sms/jobs/{jobId}", withTenant(h.CancelJob))
	mux.HandleFunc("GET /sms/messages", withTenant(h.ListMessages))
	mux.HandleFunc("GET /sms/messages/{id}", withTenant(h.GetMessage))
	mux.HandleFunc("GET /sms/quota", withTenant(h.Quota))
	mux.HandleFunc("GET /sms/providers", withTenant(h.Providers))

	// providers call this without tenant context
	mux.HandleFunc("POST /sms/webhook/{provider}", h.Webhook)

	mux.HandleFunc("GET /admin/maintenance", h.MaintenanceStatus)
	mux.HandleFunc("POST /admin/maintenance/start", h.MaintenanceStart)
	mux.HandleFunc("POST /admin/maintenance/stop", h.MaintenanceStop)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("sms-dispatch"))
	})

	return mux
}
