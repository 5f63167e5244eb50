// Command chatrelay runs the chat relay server: a TCP packet relay with
// per-connection encrypted channels, user and group management, contact
// requests and acknowledgement propagation.
//
// Configuration is read from /etc/chatrelay and the working directory
// (chatrelay.yaml), overridable through CHATRELAY_* environment variables.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/thejerf/suture/v4"

	"github.com/opd-ai/chatrelay/crypto"
	"github.com/opd-ai/chatrelay/handler"
	"github.com/opd-ai/chatrelay/ident"
	"github.com/opd-ai/chatrelay/repo"
	"github.com/opd-ai/chatrelay/server"
)

func loadConfig() (server.Config, error) {
	defaults := server.DefaultConfig()

	v := viper.New()
	v.SetConfigName("chatrelay")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/chatrelay")
	v.AddConfigPath(".")
	v.SetEnvPrefix("chatrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", defaults.Port)
	v.SetDefault("worker-threads", defaults.WorkerThreads)
	v.SetDefault("identify-timeout", defaults.IdentifyTimeout)
	v.SetDefault("key-exchange-timeout", defaults.KeyExchangeTimeout)
	v.SetDefault("max-message-size", defaults.MaxMessageSize)
	v.SetDefault("read-buffer-size", defaults.ReadBufferSize)
	v.SetDefault("sweep-interval", defaults.SweepInterval)
	v.SetDefault("metrics-addr", defaults.MetricsAddr)
	v.SetDefault("cipher-suite", defaults.CipherSuite)
	v.SetDefault("log-level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return server.Config{}, err
		}
	}

	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return server.Config{}, err
	}
	logrus.SetLevel(level)

	return server.Config{
		Port:               v.GetInt("port"),
		WorkerThreads:      v.GetInt("worker-threads"),
		IdentifyTimeout:    v.GetDuration("identify-timeout"),
		KeyExchangeTimeout: v.GetDuration("key-exchange-timeout"),
		MaxMessageSize:     v.GetInt("max-message-size"),
		ReadBufferSize:     v.GetInt("read-buffer-size"),
		SweepInterval:      v.GetDuration("sweep-interval"),
		MetricsAddr:        v.GetString("metrics-addr"),
		CipherSuite:        v.GetString("cipher-suite"),
	}, nil
}

// metricsService serves the Prometheus endpoint under the supervisor.
type metricsService struct {
	addr string
}

func (m *metricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: m.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     m.addr,
	}).Info("Metrics endpoint listening")

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := loadConfig()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Invalid configuration")
	}

	cipher, err := crypto.NewCipher(cfg.CipherSuite)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Invalid cipher suite")
	}

	users := repo.NewUsers()
	groups := repo.NewGroups()
	ids := ident.New()
	cryptoSvc := crypto.NewService(cipher)
	contacts := handler.NewContactRequests(cfg.SweepInterval)

	router := server.NewRouter()
	for _, h := range []server.Handler{
		handler.NewKeyExchange(),
		handler.NewUserManagement(),
		handler.NewGroupManagement(),
		handler.NewRelay(),
		handler.NewAckForwarder(),
		contacts,
	} {
		if err := router.Register(h); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "main",
				"error":    err.Error(),
			}).Fatal("Handler registration failed")
		}
	}

	srv := server.New(cfg, users, groups, ids, cryptoSvc, router)

	supervisor := suture.NewSimple("chatrelay")
	supervisor.Add(srv)
	supervisor.Add(contacts)
	if cfg.MetricsAddr != "" {
		supervisor.Add(&metricsService{addr: cfg.MetricsAddr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Supervisor exited")
	}

	logrus.WithFields(logrus.Fields{
		"function": "main",
	}).Info("Relay server stopped")
}
