package www

import (
	"crypto/rand"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lockngo/engine"
)

const sessionName = "lockngo-admin"

type Handlers struct {
	engine   *engine.Engine
	sessions *sessions.CookieStore
	eventHub *EventHub
	upgrader websocket.Upgrader
}

// NewRouter builds the HTTP surface. The returned func stops the live
// streams and must be called before the server shuts down.
func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	cfg := eng.AppConfig().Web
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Fatalf("www: session key: %v", err)
		}
		log.Printf("www: no session_secret configured, admin sessions will not survive a restart")
	}
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   8 * 3600,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}

	h := &Handlers{
		engine:   eng,
		sessions: store,
		eventHub: NewEventHub(eng.Events),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", h.apiHealthCheck)
	r.Get("/api/lockers", h.apiListLockers)
	r.Get("/api/lockers/{id}", h.apiGetLocker)
	r.Post("/api/rentals", h.apiCreateRental)
	r.Get("/api/rentals/{id}", h.apiGetRental)
	r.Post("/api/rentals/{id}/release", h.apiReleaseRental)
	r.Get("/api/renters/{id}/balance", h.apiBalance)
	r.Get("/api/devices", h.apiDevices)
	r.Get("/api/events", h.eventHub.ServeHTTP)
	r.Get("/ws/lockers", h.handleLockerSocket)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/admin/login", h.handleLogin)
	r.Post("/admin/logout", h.handleLogout)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/dashboard", h.apiDashboard)
		r.Get("/diagnostics", h.apiDiagnostics)
		r.Get("/audit", h.apiAuditLog)
		r.Post("/lockdown", h.apiLockdown)
		r.Post("/messaging", h.apiReconfigureMessaging)
		r.Post("/lockers", h.apiCreateLocker)
		r.Post("/lockers/{id}/fault", h.apiLockerFault)
		r.Post("/lockers/{id}/clear", h.apiLockerClear)
		r.Post("/devices/{id}/status", h.apiInjectStatus)
		r.Get("/incidents", h.apiListIncidents)
		r.Get("/rentals", h.apiListRentals)
		r.Get("/rentals/export.xlsx", h.apiExportRentals)
		r.Post("/renters/{id}/credit", h.apiCreditRenter)
	})

	return r, h.eventHub.Stop
}
