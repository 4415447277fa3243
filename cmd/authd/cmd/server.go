package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/authorization"
	"github.com/authelia/authelia-sub000/configuration"
	"github.com/authelia/authelia-sub000/handlers"
	"github.com/authelia/authelia-sub000/notification"
	"github.com/authelia/authelia-sub000/regulation"
	"github.com/authelia/authelia-sub000/session"
	bboltstorage "github.com/authelia/authelia-sub000/storage/bbolt"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gatekeeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configuration.Load(configPath)
		if err != nil {
			return err
		}
		configuration.SetupLogging(cfg.Log)

		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		store, err := bboltstorage.NewProviderFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		sessions, sessionCleanup, err := buildSessionProvider(cfg)
		if err != nil {
			return err
		}
		if sessionCleanup != nil {
			defer sessionCleanup()
		}

		users, err := authentication.NewFileUserProvider(cfg.AuthenticationBackend.File.Path)
		if err != nil {
			return fmt.Errorf("loading user database: %w", err)
		}

		rules, defaultPolicy, whitelist, err := cfg.AccessControl.BuildAccessControl()
		if err != nil {
			return fmt.Errorf("compiling access control rules: %w", err)
		}
		authorizer := authorization.NewAuthorizer(rules, defaultPolicy, whitelist)

		notifier, err := buildNotifier(cfg)
		if err != nil {
			return err
		}

		opts := []handlers.Option{
			handlers.WithLogger(slog.Default()),
			handlers.WithRegulator(regulation.NewSlidingWindowRegulator(cfg.Regulation.BuildRegulation())),
			handlers.WithNotifier(notifier),
			handlers.WithTOTP(&authentication.TOTPVerifier{Issuer: cfg.TOTP.Issuer}),
		}
		if cfg.WebAuthn.RPID != "" {
			wa, err := webauthn.New(&webauthn.Config{
				RPID:          cfg.WebAuthn.RPID,
				RPDisplayName: cfg.WebAuthn.DisplayName,
				RPOrigins:     []string{cfg.WebAuthn.Origin},
			})
			if err != nil {
				return fmt.Errorf("configuring webauthn: %w", err)
			}
			opts = append(opts, handlers.WithWebAuthn(wa))
		}

		api := handlers.New(handlers.Config{
			ExternalURL:             cfg.Server.ExternalURL,
			InsufficientLevelStatus: cfg.AccessControl.InsufficientLevelStatus,
			TrustedProxies:          trustedProxyPrefixes(cfg.Server.TrustedProxies),
		}, sessions, users, authorizer, store, opts...)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		watcher := configuration.NewWatcher(configPath, func(ac *configuration.AccessControlConfig) {
			rules, defaultPolicy, whitelist, err := ac.BuildAccessControl()
			if err != nil {
				slog.Error("rejected access control update", "error", err)
				return
			}
			authorizer.Update(rules, defaultPolicy, whitelist)
		})
		if err := watcher.Start(ctx); err != nil {
			slog.Warn("access control hot reload unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/api", api.Router())

		server := &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.Server.TLS.Enabled {
				err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		slog.Info("gatekeeper listening", "address", cfg.Server.Address, "tls", cfg.Server.TLS.Enabled)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			slog.Info("shutting down", "signal", sig.String())
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// buildSessionProvider picks the encrypted persistent store when a secret is
// configured and falls back to process memory otherwise.
func buildSessionProvider(cfg *configuration.Config) (*session.Provider, func(), error) {
	sessionConfig := session.Config{
		Name:               cfg.Session.Name,
		Domain:             cfg.Session.Domain,
		Expiration:         cfg.Session.Expiration.Std(),
		RememberMeDuration: cfg.Session.RememberMeDuration.Std(),
		Inactivity:         cfg.Session.Inactivity.Std(),
	}

	if cfg.Session.Secret == "" {
		slog.Warn("session.secret not set, sessions will not survive a restart")
		return session.NewProvider(session.NewMemoryStore(), sessionConfig), nil, nil
	}

	key, err := cfg.Session.SecretKey()
	if err != nil {
		return nil, nil, err
	}
	path := filepath.Join(filepath.Dir(cfg.Storage.Path), "sessions.db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("opening session store: %w", err)
	}
	store, err := session.NewBoltStore(db, key)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		store.Close()
		_ = db.Close()
	}
	return session.NewProvider(store, sessionConfig), cleanup, nil
}

func buildNotifier(cfg *configuration.Config) (notification.Notifier, error) {
	if cfg.Notifier.SMTP != nil {
		return notification.NewSMTPNotifier(*cfg.Notifier.SMTP)
	}
	return notification.NewFileNotifier(cfg.Notifier.Filesystem.Path), nil
}

func trustedProxyPrefixes(entries []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix)
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return prefixes
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
