package handlers

import (
	"net/http"

	"auction/internal/config"
	"auction/internal/db"
	"auction/internal/middleware"
	"auction/internal/store"
	"auction/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Deps wires the handler to its stores and services.
type Deps struct {
	TxRunner  db.TxRunner
	Customers CustomerStore
	Accounts  AccountStore
	Entries   EntryStore
	Lots      LotLister
	Admin     AdminStore
	Audit     AuditStore
	Outbox    OutboxStore
	Ledger    LedgerService
	Auction   AuctionService
	Hub       *websocket.Hub
}

type Handler struct {
	txRunner  db.TxRunner
	cfg       config.Config
	customers CustomerStore
	accounts  AccountStore
	entries   EntryStore
	lots      LotLister
	admin     AdminStore
	audit     AuditStore
	outbox    OutboxStore
	ledger    LedgerService
	auction   AuctionService
	hub       *websocket.Hub
	logger    *zap.Logger
}

func New(cfg config.Config, deps Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		txRunner:  deps.TxRunner,
		cfg:       cfg,
		customers: deps.Customers,
		accounts:  deps.Accounts,
		entries:   deps.Entries,
		lots:      deps.Lots,
		admin:     deps.Admin,
		audit:     deps.Audit,
		outbox:    deps.Outbox,
		ledger:    deps.Ledger,
		auction:   deps.Auction,
		hub:       deps.Hub,
		logger:    logger,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestLogger(h.logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.cfg.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	authed := middleware.Auth(h.cfg.JWTSecret)
	manageLots := middleware.RequireAdmin(h.admin, store.RoleManageLots)

	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.With(authed).Get("/me", h.Me)
	})

	router.Route("/accounts", func(r chi.Router) {
		r.Use(authed)
		r.Get("/me", h.MyAccount)
		r.Get("/{id}/balance", h.GetBalance)
		r.Get("/{id}/entries", h.ListEntries)
	})

	router.Route("/lots", func(r chi.Router) {
		r.Use(authed)
		r.Get("/", h.ListLots)
		r.Post("/", h.CreateLot)
		r.Get("/{id}", h.GetLot)
		r.Get("/{id}/payments", h.ListPayments)
		r.Post("/{id}/decline", h.DeclineTrade)
		r.Post("/{id}/payments", h.StartPayment)
		r.With(manageLots).Post("/{id}/trade/start", h.StartTrade)
		r.With(manageLots).Post("/{id}/trade/finish", h.FinishTrade)
		r.With(manageLots).Post("/{id}/winner/approve", h.ApproveWinner)
		r.With(manageLots).Post("/{id}/payments/reject", h.RejectPayment)
	})

	router.Get("/ws/balances", h.WSBalances)

	router.Route("/admin", func(r chi.Router) {
		r.Use(authed)
		r.With(middleware.RequireAdmin(h.admin, store.RoleCreditAccounts)).Post("/accounts/{id}/credit", h.CreditAccount)
		r.With(middleware.RequireAdmin(h.admin, store.RoleViewAudit)).Get("/audit", h.ListAuditLogs)
		r.With(middleware.RequireAdmin(h.admin, store.RoleViewAudit)).Get("/reconcile", h.Reconcile)
		r.With(middleware.RequireAdmin(h.admin, store.RoleViewAudit)).Get("/outbox", h.OutboxStatus)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/roles/grant", h.GrantRole)
		r.With(middleware.RequireAdmin(h.admin, "")).Post("/promote", h.PromoteAdmin)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}
