package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/example/go-eomosaic/eo"
	"github.com/example/go-eomosaic/eo/config"
	"github.com/example/go-eomosaic/eo/download"
	"github.com/example/go-eomosaic/eo/mask"
	"github.com/example/go-eomosaic/eo/search"
)

func main() {
	root := &cli.Command{
		Name:    "eomosaic",
		Usage:   "Search, composite and download imagery rendered by an earth-observation platform",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("EOMOSAIC_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Path to a .env file with environment overrides",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "Override the platform base URL",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Provide a bearer token for authenticated requests",
				Sources: cli.EnvVars("EOMOSAIC_TOKEN"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text or json)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "HTTP client timeout",
			},
		},
		Commands: []*cli.Command{
			newSearchCommand(),
			newDownloadCommand(),
			newCompositeCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// app holds what every command needs, built from configuration and the
// root flags.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	client   *eo.Client
	registry *mask.Registry
}

func newApp(cmd *cli.Command) (*app, error) {
	root := cmd.Root()
	cfg, err := config.Load(strings.TrimSpace(root.String("config")), strings.TrimSpace(root.String("env-file")))
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(root.String("base-url")); v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := strings.TrimSpace(root.String("token")); v != "" {
		cfg.Platform.Token = v
	}
	if v := strings.TrimSpace(root.String("log-level")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(root.String("log-format")); v != "" {
		cfg.Log.Format = v
	}
	if d := root.Duration("timeout"); d > 0 {
		cfg.Platform.Timeout = config.Duration(d)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	registry, err := mask.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	if cfg.Catalogue != "" {
		data, err := os.ReadFile(cfg.Catalogue)
		if err != nil {
			return nil, fmt.Errorf("read catalogue: %w", err)
		}
		if err := registry.Load(data); err != nil {
			return nil, err
		}
	}

	opts := []eo.Option{
		eo.WithBaseURL(cfg.Platform.BaseURL),
		eo.WithHTTPClient(newHTTPClient(time.Duration(cfg.Platform.Timeout))),
		eo.WithUserAgent(cfg.Platform.UserAgent),
		eo.WithLogger(logger),
	}
	if cfg.Platform.Token != "" {
		opts = append(opts, eo.WithAuthToken(cfg.Platform.Token))
	}
	client, err := eo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, client: client, registry: registry}, nil
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// downloadOptions converts the download and retry settings.
func (a *app) downloadOptions(progress download.ProgressFunc) []eo.DownloadOption {
	failure, _ := a.cfg.FailurePolicy()
	return []eo.DownloadOption{
		eo.WithDownloadConcurrency(a.cfg.Download.Concurrency),
		eo.WithTileFormat(a.cfg.Download.TileFormat),
		eo.WithLimits(a.cfg.Download.Limits),
		eo.WithTileRetry(a.cfg.RetryPolicy()),
		eo.WithAttemptTimeout(time.Duration(a.cfg.Retry.AttemptTimeout)),
		eo.WithFailurePolicy(failure),
		eo.WithPartialPolicy(a.cfg.PartialPolicy()),
		eo.WithProgress(progress),
	}
}

// searcher renders whole images in memory, so failed tiles are never kept.
func (a *app) searcher() (*search.Searcher, error) {
	opts := a.downloadOptions(nil)
	opts = append(opts, eo.WithPartialPolicy(download.DiscardPartial))
	return search.NewSearcher(a.client, a.client.Mosaicker(opts...),
		search.WithRegistry(a.registry),
		search.WithConcurrency(a.cfg.Download.Concurrency),
		search.WithLogger(a.logger),
	)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Timeout: timeout,
		Jar:     jar,
	}
	client.CheckRedirect = checkRedirect
	return client
}

const maxRedirects = 10

// checkRedirect keeps credentials on same-host redirects only.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if len(via) == 0 {
		return nil
	}
	if req.URL.Host != via[0].URL.Host {
		req.Header.Del("Authorization")
		return nil
	}
	if auth := via[len(via)-1].Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return nil
}

func progressLogger(logger *slog.Logger) download.ProgressFunc {
	return func(p download.Progress) {
		logger.Info("tile written",
			slog.String("job", p.JobID),
			slog.Int("tile", p.Tile),
			slog.Int("done", p.Done),
			slog.Int("total", p.Total))
	}
}
