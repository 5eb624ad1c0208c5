package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kwv/sightline/sight"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *sight.Config
	Logger     *zap.Logger
	Metrics    *sight.Metrics
	Index      sight.BuildingIndex
	Service    *sight.Service
	Registry   *sight.SessionRegistry
	MQTTClient *sight.MQTTClient
	Publisher  *sight.Publisher
	Out        io.Writer

	// CLI flags (effectively dependencies)
	ConfigFile string
	Catalog    string
	OutputFile string
	Radius     float64
	HttpPort   int
	MqttMode   bool

	closers []func() error
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.Catalog = opts.Catalog
	a.OutputFile = opts.OutputFile
	a.Radius = opts.Radius
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
}

// loadConfig reads the config file, falling back to defaults plus
// environment overrides when it does not exist.
func (a *App) loadConfig() (*sight.Config, error) {
	var cfg *sight.Config
	if _, err := os.Stat(a.ConfigFile); err == nil {
		cfg, err = sight.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = sight.DefaultConfig()
		cfg.ApplyEnv()
	}
	if a.Catalog != "" {
		cfg.Index.CatalogPath = a.Catalog
	}
	if a.HttpPort > 0 {
		cfg.Server.Port = a.HttpPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup builds every component from configuration
func (a *App) setup() error {
	if a.Service != nil {
		return nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.Config = cfg

	if a.Logger == nil {
		logger, err := sight.NewLogger(cfg.Log.Level, cfg.Log.Format, "sightline")
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		a.Logger = logger
	}
	a.Logger.Info("Loaded config",
		zap.String("path", a.ConfigFile),
		zap.String("index", cfg.Index.Driver),
		zap.Int("port", cfg.Server.Port),
	)

	if a.Metrics == nil {
		metrics, err := sight.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		a.Metrics = metrics
	}

	index, err := a.openIndex(cfg.Index)
	if err != nil {
		return err
	}
	a.Index = index

	var geocoder sight.Geocoder = sight.NewKakaoGeocoder(cfg.Geocoder, a.Logger)
	if cfg.Geocoder.APIKey == "" {
		a.Logger.Warn("No geocoder API key configured; reverse geocoding will be rejected upstream")
	}
	if cfg.Cache.RedisAddr != "" {
		rdb := sight.NewRedisClient(cfg.Cache)
		a.closers = append(a.closers, rdb.Close)
		geocoder = sight.NewCachedGeocoder(geocoder, rdb, cfg.Cache.TTL, a.Logger)
		a.Logger.Info("Geocode cache enabled", zap.String("redis", cfg.Cache.RedisAddr))
	}

	var vision sight.VisionAnalyzer
	if cfg.Vision.APIKey != "" {
		vision = sight.NewGeminiVision(cfg.Vision, a.Logger)
	}

	a.Service = &sight.Service{
		Matcher: sight.NewCandidateMatcher(index, a.Logger),
		Ray:     sight.NewRayIdentifier(geocoder, a.Metrics, a.Logger),
		Clock:   sight.NewSolarClock(),
		Vision:  vision,
		Metrics: a.Metrics,
		Logger:  a.Logger,
	}

	stability := cfg.Stability
	a.Registry = sight.NewSessionRegistry(cfg.Sessions, func(id string) *sight.Session {
		return sight.NewSession(id, stability, a.Service.Identify, a.Metrics, a.Logger)
	}, a.Metrics, a.Logger)
	return nil
}

func (a *App) openIndex(cfg sight.IndexConfig) (sight.BuildingIndex, error) {
	switch cfg.Driver {
	case sight.IndexDriverPostgres:
		db, err := sight.OpenPostgres(cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Logger.Info("Using PostGIS building index")
		return sight.NewPostgresIndex(db, a.Logger), nil
	default:
		var buildings []sight.Building
		if cfg.CatalogPath != "" {
			var err error
			buildings, err = sight.LoadCatalog(cfg.CatalogPath)
			if err != nil {
				return nil, fmt.Errorf("loading building catalog: %w", err)
			}
		} else {
			a.Logger.Warn("No building catalog configured; nearby searches will be empty")
		}
		idx, err := sight.NewMemoryIndex(buildings)
		if err != nil {
			return nil, err
		}
		a.Logger.Info("Loaded building catalog", zap.Int("buildings", idx.Len()))
		return idx, nil
	}
}

// Close releases external connections
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.Logger != nil {
			a.Logger.Warn("Error closing resource", zap.Error(err))
		}
	}
	a.closers = nil
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// parsePoseArg parses LAT,LNG,HEADING[,DEPTH]
func parsePoseArg(s string) (sight.Pose, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 || len(parts) > 4 {
		return sight.Pose{}, fmt.Errorf("expected LAT,LNG,HEADING[,DEPTH], got %q", s)
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return sight.Pose{}, fmt.Errorf("invalid number %q: %w", p, err)
		}
		vals[i] = v
	}
	pose := sight.Pose{Latitude: vals[0], Longitude: vals[1], Heading: vals[2]}
	if len(vals) == 4 {
		pose.DepthMeters = sight.Float64(vals[3])
	}
	if err := sight.ValidateCoordinates(pose.Latitude, pose.Longitude); err != nil {
		return sight.Pose{}, err
	}
	if err := sight.ValidateHeading(pose.Heading); err != nil {
		return sight.Pose{}, err
	}
	return pose, nil
}

// RunProbe identifies the building ahead of one pose and prints the result as JSON
func (a *App) RunProbe(arg string) error {
	pose, err := parsePoseArg(arg)
	if err != nil {
		return err
	}
	if err := a.setup(); err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hit, err := a.Service.Identify(ctx, pose)
	if err != nil {
		return fmt.Errorf("identifying building: %w", err)
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Pose   sight.Pose         `json:"pose"`
		Probes []float64          `json:"probes"`
		Hit    *sight.BuildingHit `json:"hit"`
	}{
		Pose:   pose,
		Probes: sight.ProbeDistances(pose.DepthMeters),
		Hit:    hit,
	})
}

// RunRenderScan renders the scan around one pose to OutputFile (.svg or .png)
func (a *App) RunRenderScan(arg string) error {
	pose, err := parsePoseArg(arg)
	if err != nil {
		return err
	}
	if err := a.setup(); err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	view, err := a.Service.View(ctx, pose, a.Radius)
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}

	f, err := os.Create(a.OutputFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()

	renderer := sight.NewScanRenderer()
	switch strings.ToLower(filepath.Ext(a.OutputFile)) {
	case ".png":
		err = renderer.RenderToPNG(f, *view)
	default:
		err = renderer.RenderToSVG(f, *view)
	}
	if err != nil {
		return fmt.Errorf("rendering scan: %w", err)
	}
	fmt.Fprintf(a.Out, "Wrote %s (%d candidates, engine %s)\n", a.OutputFile, len(view.Ranked), view.Engine.Name())
	return nil
}

// RunService runs the HTTP API, the session registry and, in MQTT mode,
// the MQTT pose transport until SIGINT or SIGTERM.
func (a *App) RunService() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.Registry.Run(ctx)

	if a.MqttMode {
		client, err := sight.NewMQTTClient(a.Config.MQTT, a.Registry, a.Logger)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client != nil {
			a.MQTTClient = client
			a.Publisher = sight.NewPublisher(client.GetClient(), a.Config.MQTT.TopicPrefix, a.Logger)
			a.Registry.AddListener(a.Publisher.Listener())
			a.Registry.OnSessionEnd(a.Publisher.SessionEnded)
			client.Start()
			defer client.Disconnect()
		} else {
			a.Logger.Warn("MQTT mode requested but no broker configured (set mqtt.broker or MQTT_BROKER)")
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           newHTTPServer(a.Service, a.Registry, a.MQTTClient, a.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.Config.Server.Port)
	fmt.Fprintln(a.Out, "  POST /buildings/identify      - Building ahead of a pose")
	fmt.Fprintln(a.Out, "  GET  /buildings/nearby        - Ranked candidates around a point")
	fmt.Fprintln(a.Out, "  GET  /buildings/nearby.geojson")
	fmt.Fprintln(a.Out, "  POST /buildings/scan          - Full fusion scan")
	fmt.Fprintln(a.Out, "  GET  /buildings/scan.svg|.png - Rendered scan")
	fmt.Fprintln(a.Out, "  GET  /sessions/ws             - Streaming pose session")
	fmt.Fprintln(a.Out, "  GET  /health, /metrics")
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("HTTP shutdown", zap.Error(err))
	}
	a.Registry.CloseAll()
	a.Logger.Info("Service stopped")
	return nil
}
