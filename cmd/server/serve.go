package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/scott-cotton/cli"

	"github.com/ironhee/jsonapi/internal/auth"
	"github.com/ironhee/jsonapi/internal/config"
	"github.com/ironhee/jsonapi/internal/httpapi"
	"github.com/ironhee/jsonapi/internal/storage"
)

const (
	defaultCallbackPath = "/auth/callback"
	logoutPath          = "/auth/logout"
	shutdownTimeout     = 10 * time.Second
)

type ServeConfig struct {
	*MainConfig

	Listen string `cli:"name=listen desc='listen address, overrides the config file'"`

	Serve *cli.Command
}

func ServeCommand(ctx context.Context, mainCfg *MainConfig) *cli.Command {
	cfg := &ServeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Serve, "serve").
		WithSynopsis("serve [-listen addr]").
		WithDescription("run the resource server").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return serve(ctx, cfg, cc, args)
		})
}

func serve(ctx context.Context, cfg *ServeConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Serve.Parse(cc, args); err != nil {
		return err
	}
	conf, err := cfg.load()
	if err != nil {
		return err
	}
	if cfg.Listen != "" {
		conf.Listen = cfg.Listen
	}
	log, err := newLogger(os.Stderr, conf.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	store, err := storage.OpenSQLite(conf.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Config{
		Store:        store,
		BaseURL:      conf.BaseURL,
		Log:          log,
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	handler, err := authenticate(conf.Auth, api.Handler(), log)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              conf.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", conf.Listen, "database", conf.Database.Path)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// authenticate wraps api with OIDC sessions when an issuer is configured and
// with a fixed development owner otherwise.
func authenticate(conf config.Auth, api http.Handler, log *slog.Logger) (http.Handler, error) {
	if !conf.OIDC() {
		log.Warn("oidc not configured, attributing requests to the development owner", "owner", conf.DevOwner)
		return auth.DevOwnerMiddleware(conf.DevOwner)(api), nil
	}
	manager, err := auth.NewManager(conf.ManagerConfig())
	if err != nil {
		return nil, err
	}
	callbackPath := defaultCallbackPath
	if u, err := url.Parse(conf.RedirectURL); err == nil && u.Path != "" {
		callbackPath = u.Path
	}
	skipper := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/auth/")
	}

	router := mux.NewRouter()
	router.Handle(callbackPath, manager.CallbackHandler())
	router.Handle(logoutPath, manager.LogoutHandler())
	router.PathPrefix("/").Handler(manager.OIDCMiddleware(skipper)(manager.WithOwner(api)))
	return router, nil
}
