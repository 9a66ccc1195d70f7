package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gcottom/go-zaplog"
	"github.com/gcottom/qgin/qgin"
	"github.com/gcottom/semaphore"
	"github.com/gin-contrib/cors"
	"github.com/oldfish/oldfish-dl/config"
	"github.com/oldfish/oldfish-dl/internal/handlers"
	"github.com/oldfish/oldfish-dl/internal/services/downloader"
	"github.com/oldfish/oldfish-dl/internal/services/events"
	"github.com/oldfish/oldfish-dl/internal/services/extractor"
	"github.com/oldfish/oldfish-dl/internal/services/meta"
	"github.com/oldfish/oldfish-dl/pkg/youtube"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func init() {
	c := color.New(color.FgCyan)
	c.Print(`
  ___  _     _  __ _     _            _ _
 / _ \| | __| |/ _(_)___| |__      __| | |
| | | | |/ _' | |_| / __| '_ \    / _' | |
| |_| | | (_| |  _| \__ \ | | |  | (_| | |
 \___/|_|\__,_|_| |_|___/_| |_|   \__,_|_|
|------------------------------------------|
|      Oldfish Download Service v1.0.0     |
|------------------------------------------|
   `)
}

func main() {
	if err := RunServer(); err != nil {
		panic(err)
	}
}

func RunServer() error {
	ctx := zaplog.CreateAndInject(context.Background())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	zaplog.InfoC(ctx, "starting downloader server...")

	cfg, err := config.LoadConfigFromFile(os.Getenv("OLDFISH_CONFIG"))
	if err != nil {
		zaplog.ErrorC(ctx, "failed to load config", zap.Error(err))
		return err
	}

	ytClient := youtube.NewClient()

	zaplog.InfoC(ctx, "creating meta service...")
	metaService := &meta.Service{
		YTClient:    ytClient,
		MetaLimiter: semaphore.NewSemaphore(2),
	}

	zaplog.InfoC(ctx, "creating extractor service...")
	extractorService := &extractor.Service{
		YTClient:          ytClient,
		ConversionLimiter: semaphore.NewSemaphore(2),
		TempDir:           cfg.TempDir,
		FFmpegPath:        cfg.FFmpegPath,
	}

	bus := events.NewBus(ctx, cfg.EventBuffer)

	zaplog.InfoC(ctx, "creating downloader service...")
	downloaderService := downloader.NewService(cfg, extractorService, metaService, bus)
	if err = downloaderService.Start(ctx); err != nil {
		zaplog.ErrorC(ctx, "failed to start download workers", zap.Error(err))
		return err
	}
	defer downloaderService.Stop()

	zaplog.InfoC(ctx, "creating gin engine...")
	ginws := qgin.NewGinEngine(&ctx, &qgin.Config{
		UseContextMW:       true,
		UseLoggingMW:       true,
		UseRequestIDMW:     false,
		InjectRequestIDCTX: false,
		LogRequestID:       false,
		ProdMode:           true,
	})
	ginws.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	zaplog.InfoC(ctx, "setting up routes...")
	handlers.SetupRoutes(ginws, downloaderService, metaService, bus)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: ginws}
	serveErr := make(chan error, 1)
	go func() {
		zaplog.InfoC(ctx, "setup complete, now listening and serving", zap.String("addr", cfg.ListenAddr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		zaplog.ErrorC(ctx, "server stopped", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	zaplog.InfoC(ctx, "shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		zaplog.ErrorC(ctx, "graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
