package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/auth"
	"github.com/MarcoPoloResearchLab/peerchat/internal/config"
	"github.com/MarcoPoloResearchLab/peerchat/internal/database"
	"github.com/MarcoPoloResearchLab/peerchat/internal/events"
	"github.com/MarcoPoloResearchLab/peerchat/internal/identity"
	"github.com/MarcoPoloResearchLab/peerchat/internal/logging"
	"github.com/MarcoPoloResearchLab/peerchat/internal/rooms"
	"github.com/MarcoPoloResearchLab/peerchat/internal/server"
	"github.com/MarcoPoloResearchLab/peerchat/internal/swarm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "peerchat",
		Short: "Peer-replicated chat node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newDisplayNameCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory holding the registry, room logs and blobs")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("nats-url", defaults.GetString("nats.url"), "Swarm node URL; empty starts an embedded node")
	cmd.PersistentFlags().Bool("embedded-nats", defaults.GetBool("nats.embedded"), "Start an embedded swarm node")
	cmd.PersistentFlags().Int("nats-port", defaults.GetInt("nats.port"), "Client port of the embedded swarm node (0 picks one)")
	cmd.PersistentFlags().String("device-name", defaults.GetString("device.name"), "Local device identity to use")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "API token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "nats.embedded", "embedded-nats")
	bindFlag(cmd, "nats.port", "nats-port")
	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "ui", "Client name recorded in the token")
	return cmd
}

func newDisplayNameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "display-name <name>",
		Short: "Set the name shown as sender of this device's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			db, err := openRegistry(appConfig, nil)
			if err != nil {
				return err
			}
			defer database.Close(db) //nolint:errcheck

			identityService, err := identity.NewService(identity.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			return identityService.SetDisplayName(cmd.Context(), appConfig.DeviceName, args[0])
		},
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func openRegistry(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	models := append(identity.Models(), rooms.Models()...)
	return database.OpenSQLite(appConfig.DatabasePath(), logger, database.Schema{Models: models})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.DeviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openRegistry(appConfig, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	swarmURL := appConfig.NATSURL
	if appConfig.NATSEmbedded && swarmURL == "" {
		node, err := swarm.StartEmbedded(swarm.EmbeddedConfig{
			Port:     appConfig.NATSPort,
			StoreDir: appConfig.NATSStoreDir,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer node.Shutdown()
		swarmURL = node.ClientURL()
	}

	identityService, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	dispatcher := events.NewDispatcher()
	manager, err := rooms.NewManager(rooms.ManagerConfig{
		Database:        db,
		Identity:        identityService,
		DeviceName:      appConfig.DeviceName,
		DataDir:         appConfig.DataDir,
		SwarmURL:        swarmURL,
		Dispatcher:      dispatcher,
		PairingTimeout:  appConfig.PairingTimeout,
		DownloadTimeout: appConfig.DownloadTimeout,
		SettleTimeout:   appConfig.SettleTimeout,
		InviteTTL:       appConfig.InviteTTL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(signalCtx); err != nil {
		_ = manager.Close()
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("room manager close failed", zap.Error(err))
		}
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:             manager,
		Events:            dispatcher,
		TokenManager:      tokenManager,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return signalCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("swarm_url", swarmURL),
			zap.String("device_key", hex.EncodeToString(manager.DeviceKey())))
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
