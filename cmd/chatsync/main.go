package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/blyss-chat/internal/api"
	"github.com/npezzotti/blyss-chat/internal/auth"
	"github.com/npezzotti/blyss-chat/internal/chat"
	"github.com/npezzotti/blyss-chat/internal/config"
	"github.com/npezzotti/blyss-chat/internal/database"
	"github.com/npezzotti/blyss-chat/internal/monitor"
	"github.com/npezzotti/blyss-chat/internal/push"
	"github.com/npezzotti/blyss-chat/internal/stats"
)

var (
	configPath string
	baseURL    string
	token      string
	signingKey string
	debugAddr  string
	archiveDSN string
	noConsole  bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&baseURL, "base-url", "", "chat server base url")
	flag.StringVar(&token, "token", "", "session token")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded key to verify the session token")
	flag.StringVar(&debugAddr, "debug-addr", "", "debug server address, disabled when empty")
	flag.StringVar(&archiveDSN, "archive-dsn", "", "postgres connection string for the message archive, disabled when empty")
	flag.BoolVar(&noConsole, "no-console", false, "run without reading commands from stdin")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatsync] ", log.LstdFlags)

	fc, err := config.Read(configPath)
	if err != nil {
		logger.Fatal("config:", err)
	}
	applyFlags(&fc)

	cfg, err := fc.Config()
	if err != nil {
		logger.Fatal("config:", err)
	}

	user, err := auth.UserFromToken(cfg.SessionToken, cfg.SigningKey)
	if err != nil {
		logger.Fatal("session token:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	for _, name := range stats.DefaultMetrics {
		statsUpdater.RegisterMetric(name)
	}
	statsUpdater.Run()
	defer statsUpdater.Stop()

	session := auth.NewSession()
	client := api.NewClient(logger, cfg, session, statsUpdater)

	var conn *push.Conn
	syncer := chat.NewSyncer(logger, client, session, statsUpdater, func(handler push.Handler) chat.PushChannel {
		conn = push.NewConn(logger, push.WebSocketURL(cfg.BaseURL), session, handler, statsUpdater, cfg.ReconnectDelay)
		return conn
	})

	probes := monitor.Probes{
		Identity: session,
		Push:     conn,
		Chat:     syncer,
		Stats:    statsUpdater,
	}

	var archive database.Archive
	if cfg.ArchiveDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		pg, err := database.NewPgArchive(ctx, cfg.ArchiveDSN)
		cancel()
		if err != nil {
			logger.Fatal("archive open:", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Println("archive close:", err)
			}
		}()
		syncer.UseArchive(pg)
		archive = pg
		probes.Archive = pg
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(runDone)
	}()

	session.SignIn(user, cfg.SessionToken)
	logger.Printf("signed in as %q\n", user.Username)

	errCh := make(chan error, 2)

	var srv *monitor.Server
	if cfg.DebugAddr != "" {
		srv = monitor.NewServer(mux, logger, cfg.DebugAddr, probes)
		go func() {
			errCh <- srv.Start()
		}()
	}

	quit := make(chan struct{})
	if !noConsole {
		go func() {
			err := newConsole(os.Stdin, os.Stdout, syncer, archive).run(ctx)
			switch {
			case errors.Is(err, io.EOF) && !interactive(os.Stdin):
				logger.Println("console input closed, running until signalled")
				return
			case err != nil && !errors.Is(err, io.EOF):
				logger.Println("console:", err)
			}
			close(quit)
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	case <-quit:
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutDownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutDownCtx); err != nil {
			logger.Println("debug server shutdown:", err)
		}
	}

	logger.Println("stopping sync...")
	session.SignOut()
	cancel()
	select {
	case <-runDone:
	case <-shutDownCtx.Done():
		logger.Println("sync shutdown:", shutDownCtx.Err())
	}

	logger.Println("shutdown complete")
}

// applyFlags overrides file and environment settings with flags that were set.
func applyFlags(fc *config.FileConfig) {
	if baseURL != "" {
		fc.BaseURL = baseURL
	}
	if token != "" {
		fc.SessionToken = token
	}
	if signingKey != "" {
		fc.SigningKey = signingKey
	}
	if debugAddr != "" {
		fc.DebugAddr = debugAddr
	}
	if archiveDSN != "" {
		fc.ArchiveDSN = archiveDSN
	}
}
