package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"schoolconnect/internal/attendance"
	"schoolconnect/internal/channel"
	"schoolconnect/internal/cloudinary"
	"schoolconnect/internal/config"
	"schoolconnect/internal/handler"
	"schoolconnect/internal/notify"
	"schoolconnect/internal/school"
	"schoolconnect/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("server failed")
	}
}

func setupLogging(cfg config.App) {
	if cfg.Env == "dev" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("invalid LOG_LEVEL %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func run(cfg config.App) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}
	absenceChannel, err := notify.ParseChannel(cfg.AbsenceChannel)
	if err != nil {
		return errors.Wrap(err, "ABSENCE_CHANNEL")
	}

	db, err := store.NewDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "database")
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if redisClient == nil {
		logrus.Info("REDIS_ADDR not set, submissions are serialised by the database only")
	}
	defer redisClient.Close()

	loc := cfg.Location()
	window := attendance.Window{UnlockAfter: cfg.AttendanceWindow, SameDayGuard: cfg.SameDayGuard, Location: loc}

	dir := school.NewRepository(db)
	attRepo := attendance.NewRepository(db)

	senders := map[notify.Channel]notify.Sender{
		notify.SMS:      channel.NewSMS(cfg.Twilio, cfg.CountryCode),
		notify.WhatsApp: channel.NewWhatsApp(cfg.Twilio, cfg.CountryCode),
		notify.Email:    channel.NewEmail(cfg.Email),
	}
	dispatcher := notify.NewDispatcher(dir, dir, notify.NewRenderer(loc, cfg.DateLayout), cfg.DispatchConcurrency, senders)
	absence := notify.NewAbsenceNotifier(dispatcher, dir, absenceChannel, cfg.Email.Subject)
	sweeper := attendance.NewSweeper(attRepo, cfg.AttendanceWindow)

	deps := handler.Deps{
		Config:     cfg,
		DB:         db,
		Redis:      redisClient,
		School:     dir,
		Attendance: attendance.NewService(attRepo, dir, window),
		Recorder:   attendance.NewRecorder(db, attRepo, dir, window, redisClient.Locker(), absence, sweeper),
		Dispatcher: dispatcher,
	}
	if cdn := cloudinary.New(cfg.Cloudinary); cdn != nil {
		deps.Uploader = cdn
		logrus.WithField("cloud", cfg.Cloudinary.CloudName).Info("cloudinary configured")
	} else {
		logrus.Info("cloudinary not configured, uploads disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{"port": cfg.HTTPPort, "env": cfg.Env, "db": cfg.DBDriver}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-quit:
	}
	logrus.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	logrus.Info("server exited")
	return nil
}
