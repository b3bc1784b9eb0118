package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cmusatyalab/vmnetfs/internal/logger"
	"github.com/cmusatyalab/vmnetfs/pkg/config"
	"github.com/cmusatyalab/vmnetfs/pkg/metrics"
	"github.com/cmusatyalab/vmnetfs/pkg/transport"
	"github.com/cmusatyalab/vmnetfs/pkg/vimage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open every configured image and serve it until interrupted",
	Long: `Load the configured images, open each one's pristine cache and origin
transport, and hold them open (fetching chunks on demand as a driving
client reads or writes them) until interrupted.

This command does not mount anything: it hosts the chunk I/O engine the
way a FUSE shim or test harness would drive it, without providing either.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("serve: init logger: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics.InitRegistry(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr)
	}

	images := make([]*vimage.Image, 0, len(cfg.Images))
	for _, imgCfg := range cfg.Images {
		img, err := vimage.Open(toImageConfig(imgCfg))
		if err != nil {
			for _, opened := range images {
				opened.Close()
			}
			return fmt.Errorf("serve: open image %q: %w", imgCfg.Name, err)
		}
		images = append(images, img)
		logger.Info("image opened",
			"image", imgCfg.Name,
			"chunk_size", imgCfg.ChunkSize.String(),
			"initial_size", imgCfg.InitialSize.String(),
			"origin", imgCfg.Origin.URL)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("vmnetfs running", "images", len(images))
	<-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down")

	for _, img := range images {
		if err := img.Close(); err != nil {
			logger.Error("image close error", "image", img.Name(), "error", err)
		}
	}

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	return nil
}

func toImageConfig(c config.ImageConfig) vimage.Config {
	tr := transport.Config{
		BaseURL:      c.Origin.URL,
		Username:     c.Origin.Username,
		Password:     c.Origin.Password,
		Cookie:       c.Origin.Cookie,
		FetchOffset:  c.Origin.FetchOffset.Uint64(),
		SegmentSize:  c.Origin.SegmentSize.Uint64(),
		ExpectedETag: c.Origin.ETag,
		UserAgent:    c.Origin.UserAgent,
		RetryDelay:   c.Origin.RetryDelay,
	}
	if c.Origin.LastModified != "" {
		if t, err := http.ParseTime(c.Origin.LastModified); err == nil {
			tr.ExpectedLastModified = t
		}
	}

	return vimage.Config{
		Name:        c.Name,
		ChunkSize:   uint32(c.ChunkSize.Uint64()),
		InitialSize: c.InitialSize.Uint64(),
		CacheRoot:   c.CacheDir,
		Transport:   tr,
	}
}
