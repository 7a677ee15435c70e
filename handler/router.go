package handler

import (
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

// RouterConfig carries the optional parts of the HTTP surface.
type RouterConfig struct {
	AdminToken string
	// Redis enables Idempotency-Key handling on money-moving endpoints when set.
	Redis *redis.Client
}

// NewRouter wires every handler onto a gorilla/mux router.
func NewRouter(l Ledger, runner InterestRunner, status StatusReporter, cfg RouterConfig) *mux.Router {
	accountHandler := NewAccountHandler(l)
	transactionHandler := NewTransactionHandler(l)
	adminHandler := NewAdminHandler(l, runner, status)

	idempotent := func(h http.HandlerFunc) http.Handler { return h }
	if cfg.Redis != nil {
		mw := Idempotency(cfg.Redis)
		idempotent = func(h http.HandlerFunc) http.Handler { return mw(h) }
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	r.Handle("/accounts", idempotent(accountHandler.CreateAccountHandler)).Methods("POST")
	r.HandleFunc("/accounts", accountHandler.ListAccountsHandler).Methods("GET")
	r.HandleFunc("/accounts/{account_id}", accountHandler.GetAccountHandler).Methods("GET")
	r.HandleFunc("/accounts/{account_id}/transactions", accountHandler.HistoryHandler).Methods("GET")
	r.HandleFunc("/accounts/{account_id}/interest-payments", accountHandler.InterestPaymentsHandler).Methods("GET")
	r.Handle("/accounts/{account_id}/deposits", idempotent(accountHandler.DepositHandler)).Methods("POST")
	r.Handle("/accounts/{account_id}/withdrawals", idempotent(accountHandler.WithdrawHandler)).Methods("POST")
	r.HandleFunc("/accounts/{account_id}/close", accountHandler.CloseAccountHandler).Methods("POST")
	r.HandleFunc("/accounts/{account_id}/password", accountHandler.ChangePasswordHandler).Methods("PUT")
	r.Handle("/transactions", idempotent(transactionHandler.CreateTransactionHandler)).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(RequireAdmin(cfg.AdminToken))
	admin.HandleFunc("/interest/runs", adminHandler.RunInterestHandler).Methods("POST")
	admin.HandleFunc("/interest/preview", adminHandler.PreviewHandler).Methods("GET")
	admin.HandleFunc("/interest/payments", adminHandler.PaymentsHandler).Methods("GET")
	admin.HandleFunc("/scheduler", adminHandler.SchedulerStatusHandler).Methods("GET")

	return r
}
