/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured request logging (slog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /healthz              Liveness and storage ping
  /api/accounts/*       Account, funding, investment and copy-trading routes
  /api/investments/*    Position lookup
  /api/plans/*          Active plan catalog
  /api/traders          Trader catalog
  /api/admin/*          Back-office operations

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that authenticates
  callers and restricts /api/admin.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string, log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", adminHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/deposits", h.SubmitDeposit)
			r.Post("/{id}/withdrawals", h.SubmitWithdrawal)
			r.Post("/{id}/kyc", h.SubmitKYC)
			r.Get("/{id}/investments", h.ListInvestments)
			r.Post("/{id}/investments", h.Subscribe)
			r.Get("/{id}/copy-trading", h.GetCopyTrading)
			r.Post("/{id}/copy-trading", h.StartCopyTrading)
			r.Delete("/{id}/copy-trading", h.StopCopyTrading)
			r.Get("/{id}/copy-trading/history", h.CopyTradingHistory)
		})

		r.Get("/investments/{id}", h.GetInvestment)

		// Catalog routes
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Get("/{id}", h.GetPlan)
		})
		r.Get("/traders", h.ListTraders)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/transactions/pending", h.ListPending)
			r.Post("/transactions/{id}/approve", h.ApproveTransaction)
			r.Post("/transactions/{id}/reject", h.RejectTransaction)
			r.Post("/deposits/{id}/approve", h.ApproveDeposit)
			r.Post("/deposits/{id}/reject", h.RejectDeposit)
			r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
			r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)
			r.Post("/accounts/{id}/kyc/approve", h.ApproveKYC)
			r.Post("/accounts/{id}/kyc/reject", h.RejectKYC)

			r.Get("/plans", h.AdminListPlans)
			r.Post("/plans", h.CreatePlan)
			r.Put("/plans/{id}", h.UpdatePlan)
			r.Delete("/plans/{id}", h.DeletePlan)
			r.Post("/traders", h.CreateTrader)
			r.Post("/seed", h.SeedDefaults)

			r.Post("/investments/{id}/cancel", h.CancelInvestment)
			r.Post("/accrual/run", h.RunAccrual)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("component", "http"),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
