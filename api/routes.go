package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/sobershift/internal/config"
	"github.com/garnizeh/sobershift/internal/dispatch"
	"github.com/garnizeh/sobershift/internal/sobriety"
	"github.com/garnizeh/sobershift/pkg/repository"
)

// Services are the domain services behind the HTTP surface.
type Services struct {
	Dispatch  *dispatch.Engine
	Sobriety  *sobriety.Service
	Schemas   repository.SchemaRepo
	Templates repository.TemplateRepo
	// Reloader is nil when the analyzer has no schema cache.
	Reloader Reloader
	Health   map[string]HealthCheck
}

func SetupRoutes(cfg *config.Config, version, buildTime string, svc Services) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)

	systemHandler := &SystemHandler{Checks: svc.Health}
	dispatchHandler := NewDispatchHandler(svc.Dispatch)
	sobrietyHandler := NewSobrietyHandler(svc.Sobriety)
	aiHandler := NewAIHandler(svc.Reloader, svc.Schemas, svc.Templates)
	limiter := NewSubmissionLimiter(cfg.RateLimit)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")

	// API v1 Protected routes
	apiV1 := r.PathPrefix("/v1").Subrouter()
	apiV1.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))

	timed := TimeoutMiddleware(cfg.APITimeout)
	handle := func(path string, h http.HandlerFunc, roles ...string) *mux.Route {
		var next http.Handler = h
		if len(roles) > 0 {
			next = RequireRole(roles...)(next)
		}
		return apiV1.Handle(path, timed(next))
	}

	// Jobs and assignments
	handle("/jobs", dispatchHandler.PostJob, RoleBuyer).Methods("POST")
	handle("/jobs/{id}/assign", dispatchHandler.Assign, RoleBuyer).Methods("POST")
	handle("/jobs/{id}/assign/{worker_id}", dispatchHandler.AssignManual, RoleBuyer).Methods("POST")
	handle("/assignments/{id}", dispatchHandler.GetAssignment).Methods("GET")
	handle("/assignments/{id}/start", dispatchHandler.StartWork, RoleWorker).Methods("POST")
	handle("/assignments/{id}/complete", dispatchHandler.Complete, RoleWorker, RoleBuyer).Methods("POST")
	handle("/assignments/{id}/cancel", dispatchHandler.Cancel, RoleBuyer).Methods("POST")
	handle("/workers/{id}/assignments", dispatchHandler.ListWorkerAssignments).Methods("GET")

	// Sobriety checks. A submission waits for the analyzer, so its deadline
	// covers the analysis timeout on top of the regular one.
	submit := RequireRole(RoleWorker)(limiter.Middleware(http.HandlerFunc(sobrietyHandler.SubmitRecording)))
	submitTimeout := cfg.APITimeout
	if submitTimeout > 0 {
		submitTimeout += cfg.EngineConfig.Timeout
	}
	apiV1.Handle("/assignments/{id}/sobriety-checks", TimeoutMiddleware(submitTimeout)(submit)).Methods("POST")
	handle("/sobriety-checks/pending-review", sobrietyHandler.ListPendingReviews, RoleReviewer).Methods("GET")
	handle("/sobriety-checks/{id}", sobrietyHandler.GetCheck).Methods("GET")
	handle("/sobriety-checks/{id}/recording", sobrietyHandler.Recording, RoleReviewer).Methods("GET")
	handle("/sobriety-checks/{id}/review", sobrietyHandler.Review, RoleReviewer).Methods("POST")
	handle("/workers/{id}/sobriety-checks", sobrietyHandler.ListWorkerChecks).Methods("GET")

	// Analyzer administration
	aiV1 := apiV1.PathPrefix("/ai").Subrouter()
	aiV1.Use(RequireRole(RoleAdmin), timed)
	aiV1.HandleFunc("/schemas", aiHandler.ListSchemasHandler).Methods("GET")
	aiV1.HandleFunc("/schemas", aiHandler.CreateOrUpdateSchemaHandler).Methods("POST")
	aiV1.HandleFunc("/schema", aiHandler.GetSchemaHandler).Methods("GET")
	aiV1.HandleFunc("/templates", aiHandler.ListTemplatesHandler).Methods("GET")
	aiV1.HandleFunc("/templates", aiHandler.CreateOrUpdateTemplateHandler).Methods("POST")
	aiV1.HandleFunc("/reload", aiHandler.ReloadHandler).Methods("POST")

	return r
}
