package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"

	"github.com/ChikamsoChidebe/Photonx/configs"
	"github.com/ChikamsoChidebe/Photonx/internal/api"
	"github.com/ChikamsoChidebe/Photonx/internal/archive"
	"github.com/ChikamsoChidebe/Photonx/internal/broadcast"
	"github.com/ChikamsoChidebe/Photonx/internal/channel"
	"github.com/ChikamsoChidebe/Photonx/internal/crypto"
	"github.com/ChikamsoChidebe/Photonx/internal/pipeline"
	"github.com/ChikamsoChidebe/Photonx/internal/settlement"
	"github.com/ChikamsoChidebe/Photonx/internal/store"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := configs.AppLoad()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	domain := crypto.NewDomain(cfg.Domain.ChainID, common.HexToAddress(cfg.Domain.VerifyingContract))

	st := store.NewRetryingStore(store.NewMemoryStore(), 5, 100*time.Millisecond, logger)
	defer st.Close()

	alert := func(channelID, reason string) {
		logger.WithFields(logrus.Fields{"channel": channelID, "reason": reason}).Error("OPERATOR ALERT")
	}

	machine := channel.NewMachine(st, domain, cfg.Channel, logger, alert)

	hub := broadcast.NewHub(logger)
	broadcasters := broadcast.Multi{hub}
	if cfg.Kafka.Broker != "" {
		feed := broadcast.NewKafkaFeed(cfg.Kafka.Broker, cfg.Kafka.Topic, logger)
		defer feed.Close()
		broadcasters = append(broadcasters, feed)
		logger.WithField("topic", cfg.Kafka.Topic).Info("transition feed enabled")
	}
	if cfg.AuditDSN != "" {
		db, err := gorm.Open(clickhouse.Open(cfg.AuditDSN), &gorm.Config{})
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to audit DB")
		}
		mirror := archive.NewMirror(db, 200, 5*time.Second, logger)
		defer mirror.Close()
		broadcasters = append(broadcasters, mirror)
		logger.Info("audit mirror enabled")
	}

	pipe := pipeline.New(machine, st, domain, cfg.Pipeline, cfg.Channel, broadcasters, logger)
	pipe.Start(ctx)
	defer pipe.Stop()

	driver := settlement.NewDriver(machine, st, &settlement.NopSubmitter{}, cfg.Settlement, logger, alert)
	go driver.Run(ctx)

	sweeper := channel.NewSweeper(machine, time.Second, logger)
	go sweeper.Run(ctx)

	handler := api.NewChannelHandler(machine, pipe, driver, st, hub, logger)
	router := api.NewRouter(&api.Config{ChannelHandler: handler})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}
	go func() {
		logger.WithField("addr", srv.Addr).Info("coordinator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down coordinator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	logger.Info("coordinator shutdown complete")
}
