package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/prow/pkg/interrupts"
	"sigs.k8s.io/prow/pkg/logrusutil"

	"github.com/simplestreams/mirror/pkg/catalog"
	"github.com/simplestreams/mirror/pkg/custom"
	"github.com/simplestreams/mirror/pkg/jobs"
	"github.com/simplestreams/mirror/pkg/mirror"
	"github.com/simplestreams/mirror/pkg/publish"
	"github.com/simplestreams/mirror/pkg/server"
	"github.com/simplestreams/mirror/pkg/storage"
	"github.com/simplestreams/mirror/pkg/upstream"
)

type options struct {
	database        string
	storageRoot     string
	address         string
	healthAddress   string
	upstreamTimeout time.Duration
	userAgent       string
	gracePeriod     time.Duration
	logLevel        string
}

func gatherOptions() options {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.database, "database", "simplestream-mirror.db", "Path to the SQLite catalog database.")
	fs.StringVar(&o.storageRoot, "storage-root", "", "Directory holding artifact files and the published simplestream tree.")
	fs.StringVar(&o.address, "address", ":8080", "Address to serve the API and the published tree on.")
	fs.StringVar(&o.healthAddress, "health-address", ":8081", "Address to serve health and metrics endpoints on.")
	fs.DurationVar(&o.upstreamTimeout, "upstream-timeout", 900*time.Second, "Timeout for every upstream HTTP request.")
	fs.StringVar(&o.userAgent, "user-agent", "simplestream-mirror", "User-Agent header sent to upstream servers.")
	fs.DurationVar(&o.gracePeriod, "grace-period", 5*time.Second, "Grace period for HTTP server shutdown.")
	fs.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("could not parse input")
	}
	return o
}

func (o *options) validate() error {
	var errs []error
	if o.database == "" {
		errs = append(errs, errors.New("--database is required"))
	}
	if o.storageRoot == "" {
		errs = append(errs, errors.New("--storage-root is required"))
	}
	if o.upstreamTimeout <= 0 {
		errs = append(errs, errors.New("--upstream-timeout must be positive"))
	}
	if o.gracePeriod < 0 {
		errs = append(errs, errors.New("--grace-period must not be negative"))
	}
	if _, err := logrus.ParseLevel(o.logLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid --log-level: %w", err))
	}
	return utilerrors.NewAggregate(errs)
}

func main() {
	logrusutil.ComponentInit()
	o := gatherOptions()
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options")
	}
	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)

	store, err := catalog.Open(o.database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open the catalog database")
	}
	defer store.Close()
	if err := os.MkdirAll(filepath.Join(o.storageRoot, "streams", "v1"), 0o755); err != nil {
		logrus.WithError(err).Fatal("Failed to create the storage root")
	}

	httpClient := &http.Client{Timeout: o.upstreamTimeout}
	upstreamClient := upstream.NewClient(httpClient, o.userAgent)
	downloader := &storage.Downloader{Client: httpClient, UserAgent: o.userAgent}
	publisher := publish.New(store, o.storageRoot)
	engine := mirror.NewEngine(store, upstreamClient, downloader, publisher, o.storageRoot)
	runner := jobs.NewRunner(store, engine)
	customService := custom.NewService(store, publisher, o.storageRoot)

	// Jobs a previous process left running go back to the queue before
	// anything can observe them.
	ctx := interrupts.Context()
	if err := runner.ResumePending(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to resume interrupted mirror jobs")
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "OK")
	})
	healthMux.Handle("/metrics", promhttp.Handler())
	interrupts.ListenAndServe(&http.Server{Addr: o.healthAddress, Handler: healthMux}, o.gracePeriod)

	apiServer := server.New(ctx, store, upstreamClient, runner, customService, o.storageRoot)
	interrupts.ListenAndServe(&http.Server{Addr: o.address, Handler: apiServer.Handler()}, o.gracePeriod)
	logrus.WithField("address", o.address).Info("Serving the simplestream mirror API")
	interrupts.WaitForGracefulShutdown()
}
