package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/roundbet/backend/internal/config"
	"github.com/roundbet/backend/internal/database"
	"github.com/roundbet/backend/internal/handlers"
	"github.com/roundbet/backend/internal/metrics"
	mW "github.com/roundbet/backend/internal/middleware"
	"github.com/roundbet/backend/internal/services"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	config.Init()

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	gameCfg := config.GetGame()
	walletCfg := config.GetWallet()

	ledgerService := services.NewLedgerService(db)
	outcomeEngine := services.NewDigitDrawEngine(viper.GetString("game.outcome_seed"))
	roundService := services.NewRoundService(db, ledgerService, outcomeEngine, redisClient, gameCfg)
	betService := services.NewBetService(db, ledgerService, gameCfg)
	walletService := services.NewWalletService(db, ledgerService, walletCfg)
	historyService := services.NewHistoryService(db)

	roundHandler := handlers.NewRoundHandler(roundService, betService)
	walletHandler := handlers.NewWalletHandler(ledgerService, walletService, historyService)
	internalHandler := handlers.NewInternalHandler(walletService, roundService, ledgerService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := roundService.Start(ctx); err != nil {
		log.Fatalf("Failed to start round scheduler: %v", err)
	}
	defer roundService.Stop()

	metricsSrv := metrics.StartServer(viper.GetString("metrics.port"), func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	defer metricsSrv.Close()

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rounds/current", roundHandler.CurrentRound)
		r.Post("/bets", roundHandler.PlaceBet)
		r.Get("/bets", roundHandler.ListBets)

		r.Get("/wallet/account", walletHandler.GetAccount)
		r.Get("/wallet/transactions", walletHandler.ListTransactions)
		r.Get("/wallet/recharges", walletHandler.ListRecharges)
		r.Get("/wallet/withdrawals", walletHandler.ListWithdrawals)
		r.Post("/wallet/recharges", walletHandler.RequestRecharge)
		r.Post("/wallet/withdrawals", walletHandler.RequestWithdrawal)
		r.Get("/wallet/withdrawal-fee", walletHandler.WithdrawalFee)
	})

	// Trusted internal surface: admin credits, funding approvals, voids.
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(mW.InternalAuth)

		r.Post("/ledger/credits", internalHandler.AdminCredit)
		r.Get("/ledger/replay/{userId}", internalHandler.ReplayBalance)
		r.Post("/recharges/{id}/approve", internalHandler.ApproveRecharge)
		r.Post("/recharges/{id}/reject", internalHandler.RejectRecharge)
		r.Post("/withdrawals/{id}/approve", internalHandler.ApproveWithdrawal)
		r.Post("/withdrawals/{id}/reject", internalHandler.RejectWithdrawal)
		r.Post("/rounds/{number}/void", internalHandler.VoidRound)
	})

	srv := &http.Server{
		Addr:         ":" + viper.GetString("server.port"),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Server starting on port %s", viper.GetString("server.port"))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
}
