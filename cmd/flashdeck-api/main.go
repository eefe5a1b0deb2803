// flashdeck-api serves the flashcard API: card ingestion with images, and
// delivery of a collection's images as a multipart stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashdeck/api"
	"flashdeck/assembler"
	"flashdeck/backend"
	"flashdeck/healthz"
	"flashdeck/httpmetrics"
	"flashdeck/ingest"

	"contrib.go.opencensus.io/exporter/stackdriver"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"go.opencensus.io/stats/view"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	listen               = flag.String("listen", "0.0.0.0:8080", "Server address:port for the API.")
	debugListen          = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	envFile              = flag.String("env-file", ".env", "File of FLASHDECK_* settings to load into the environment, if it exists.")
	cardStore            = flag.String("card-store", "", "Card store: firestore or memory.  Overrides FLASHDECK_CARD_STORE.")
	dataProject          = flag.String("data-project", "", "GCP project that contains the card store.  Overrides FLASHDECK_DATA_PROJECT.")
	objectStore          = flag.String("object-store", "", "Object store: gcs, badger or memory.  Overrides FLASHDECK_OBJECT_STORE.")
	bucket               = flag.String("bucket", "", "GCS bucket for card images.  Overrides FLASHDECK_BUCKET.")
	bucketPrefix         = flag.String("bucket-prefix", "", "Object name prefix inside the bucket.  Overrides FLASHDECK_BUCKET_PREFIX.")
	badgerDir            = flag.String("badger-dir", "", "Directory for the badger object store.  Overrides FLASHDECK_BADGER_DIR.")
	fetchConcurrency     = flag.Int64("fetch-concurrency", 64, "Maximum in-flight image fetches per collection request.")
	shutdownGrace        = flag.Duration("shutdown-grace", 15*time.Second, "How long to wait for in-flight requests on shutdown.")
	monitoring           = flag.Bool("monitoring", false, "Enable Cloud Trace export?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.0001, "What ratio of traces should be exported?")
	enableMetrics        = flag.Bool("enable-metrics", false, "Enable Cloud Monitoring metrics export?")
)

func main() {
	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	flag.VisitAll(func(f *flag.Flag) {
		glog.Infof("%s: %q", f.Name, f.Value.String())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		glog.Exitf("Error: %v", err)
	}
}

// loadConfig merges the env file, the environment and explicitly set flags,
// in increasing order of precedence.
func loadConfig() (backend.Config, error) {
	if err := godotenv.Load(*envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return backend.Config{}, fmt.Errorf("while loading env file %q: %w", *envFile, err)
		}
		glog.Infof("No env file at %q", *envFile)
	}

	cfg := backend.ConfigFromEnv()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "card-store":
			cfg.CardStore = *cardStore
		case "data-project":
			cfg.DataProject = *dataProject
		case "object-store":
			cfg.ObjectStore = *objectStore
		case "bucket":
			cfg.Bucket = *bucket
		case "bucket-prefix":
			cfg.BucketPrefix = *bucketPrefix
		case "badger-dir":
			cfg.BadgerDir = *badgerDir
		}
	})
	return cfg, nil
}

func do(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	glog.Infof("backend config: %+v", cfg)

	if *monitoring {
		traceOpts := []cloudtrace.Option{}
		if *monitoringProject != "" {
			traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
		}

		_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)))
		if err != nil {
			return fmt.Errorf("while installing Cloud Trace OpenTelemetry trace pipeline: %w", err)
		}
		defer traceShutdown()
	}

	be, err := backend.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("while opening backend: %w", err)
	}
	defer func() {
		if err := be.Close(); err != nil {
			glog.Errorf("Error while closing backend: %v", err)
		}
	}()

	svc := ingest.New(be.Store, be.Gateway)
	asm := assembler.New(be.Store, be.Gateway, assembler.WithConcurrency(*fetchConcurrency))

	apiServeMux := http.NewServeMux()
	api.New(svc, asm).Register(apiServeMux)
	metricsWrapper := httpmetrics.New(apiServeMux)

	if *enableMetrics {
		opts := stackdriver.Options{
			MetricPrefix:      "flashdeck",
			ReportingInterval: 60 * time.Second,
		}
		if *monitoringProject != "" {
			opts.ProjectID = *monitoringProject
		}
		exporter, err := stackdriver.NewExporter(opts)
		if err != nil {
			return fmt.Errorf("while initializing metrics exporter: %w", err)
		}
		if err := metricsWrapper.RegisterMetrics(); err != nil {
			return fmt.Errorf("while registering request views: %w", err)
		}
		if err := view.Register(assembler.Views()...); err != nil {
			return fmt.Errorf("while registering assembler views: %w", err)
		}
		if err := exporter.StartMetricsExporter(); err != nil {
			return fmt.Errorf("while starting metrics exporter: %w", err)
		}
		defer exporter.Flush()
		defer exporter.StopMetricsExporter()
	}

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New(nil))
	debugServeMux.Handle("/readyz", healthz.New(be.Checks()))
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	apiServer := &http.Server{
		Addr:    *listen,
		Handler: metricsWrapper,

		// No WriteTimeout: collection image streams last as long as the
		// slowest fetch.
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		glog.Infof("Serving API on %s", *listen)
		serveErr <- apiServer.ListenAndServe()
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		glog.Infof("Got %v, shutting down", sig)
	case err := <-serveErr:
		return fmt.Errorf("API server died: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, *shutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Error while shutting down API server: %v", err)
	}
	if err := debugServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Error while shutting down debug server: %v", err)
	}

	glog.Flush()

	return nil
}
