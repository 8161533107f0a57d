package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/eventboard/internal/auth"
	"github.com/MarcoPoloResearchLab/eventboard/internal/config"
	"github.com/MarcoPoloResearchLab/eventboard/internal/database"
	"github.com/MarcoPoloResearchLab/eventboard/internal/events"
	"github.com/MarcoPoloResearchLab/eventboard/internal/logging"
	"github.com/MarcoPoloResearchLab/eventboard/internal/server"
	"github.com/MarcoPoloResearchLab/eventboard/internal/users"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the development gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// emulatorRuntime holds the database-backed services shared by serve and
// the admin commands.
type emulatorRuntime struct {
	config config.EmulatorConfig
	logger *zap.Logger
	db     *gorm.DB
	users  *users.Service
	events *events.Service
}

func openEmulator() (*emulatorRuntime, error) {
	appConfig, err := config.LoadEmulator(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:     db,
		Clock:        time.Now,
		IDProvider:   events.UUIDv7{},
		ConfirmEmail: appConfig.ConfirmEmail,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	eventsService, err := events.NewService(events.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: events.UUIDv7{},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &emulatorRuntime{
		config: appConfig,
		logger: logger,
		db:     db,
		users:  usersService,
		events: eventsService,
	}, nil
}

func (r *emulatorRuntime) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func runServer(ctx context.Context) error {
	runtime, err := openEmulator()
	if err != nil {
		return err
	}
	defer runtime.Close()
	appConfig := runtime.config
	logger := runtime.logger

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer:      tokenIssuer,
		SessionValidator: sessionValidator,
		UsersService:     runtime.users,
		EventsService:    runtime.events,
		APIKey:           appConfig.APIKey,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newStaffCommand() *cobra.Command {
	staffCmd := &cobra.Command{
		Use:   "staff",
		Short: "Manage the staff flag of accounts",
	}
	staffCmd.AddCommand(
		newStaffToggleCommand("grant", "Grant staff access to EMAIL", true),
		newStaffToggleCommand("revoke", "Revoke staff access from EMAIL", false),
	)
	return staffCmd
}

func newStaffToggleCommand(use, short string, staff bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " EMAIL",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openEmulator()
			if err != nil {
				return err
			}
			defer runtime.Close()

			profile, err := runtime.users.SetStaff(cmd.Context(), args[0], staff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is_staff=%t\n", profile.ID, profile.IsStaff)
			return nil
		},
	}
}

func newConfirmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm EMAIL",
		Short: "Mark the account for EMAIL as confirmed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openEmulator()
			if err != nil {
				return err
			}
			defer runtime.Close()

			account, err := runtime.users.Confirm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s confirmed\n", account.Email)
			return nil
		},
	}
}
