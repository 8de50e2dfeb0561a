package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chartfeed/config"
	"chartfeed/internal/cache"
	"chartfeed/internal/dashboard"
	"chartfeed/internal/metrics"
	"chartfeed/internal/session"
	"chartfeed/logger"
	"chartfeed/models"
	"chartfeed/reader/rest"
	"chartfeed/writer"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	var charts chartFlags
	flag.Var(&charts, "chart", "Series to open at startup as SYMBOL:interval (repeatable)")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, defaultConfigPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Chartfeed.Name,
		"version":     cfg.Chartfeed.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting chartfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Logging.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	store, err := writer.NewStore(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to create persistent store")
		os.Exit(1)
	}
	defer closeStore(log, store)

	barCache, err := cache.New(cfg.Cache.Capacity, store)
	if err != nil {
		log.WithError(err).Error("failed to create bar cache")
		os.Exit(1)
	}

	fetcher, err := rest.New(cfg.Fetcher)
	if err != nil {
		log.WithError(err).Error("failed to create bar fetcher")
		os.Exit(1)
	}

	var sessOpts []session.Option
	var kafkaWriter *writer.KafkaWriter
	if cfg.Storage.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Storage.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka writer")
			os.Exit(1)
		}
		sessOpts = append(sessOpts, session.WithObserver(kafkaWriter.Publish))
	}

	sess, err := session.New(cfg, barCache, fetcher, sessOpts...)
	if err != nil {
		log.WithError(err).Error("failed to create session")
		os.Exit(1)
	}
	if err := sess.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start session")
		os.Exit(1)
	}

	for _, key := range charts {
		if _, err := sess.OpenChart(ctx, key); err != nil {
			log.WithSeries(key).WithError(err).Warn("startup chart not opened")
		}
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, sess, cfg.Storage.Parquet.Dir)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Chartfeed.Name); err != nil {
				log.WithError(err).Error("dashboard stopped")
			}
		}()
	} else {
		log.WithComponent("main").Info("dashboard disabled")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping session")
	sess.Stop()

	if kafkaWriter != nil {
		log.Info("stopping kafka writer")
		kafkaWriter.Stop()
	}

	log.Info("stopping dashboard")
	wg.Wait()

	log.Info("shutdown complete")
}

func closeStore(log *logger.Log, store writer.Store) {
	c, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithComponent("main").WithError(err).Warn("failed to close persistent store")
	}
}

// chartFlags collects -chart values.
type chartFlags []models.SeriesKey

func (f *chartFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, k := range *f {
		parts = append(parts, k.String())
	}
	return strings.Join(parts, ",")
}

func (f *chartFlags) Set(v string) error {
	key, err := models.ParseSeriesKey(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*f = append(*f, key)
	return nil
}
