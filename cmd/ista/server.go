package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-ista/internal/cache"
	"github.com/23skdu/longbow-ista/internal/client"
	"github.com/23skdu/longbow-ista/internal/device"
	"github.com/23skdu/longbow-ista/internal/fit"
	"github.com/23skdu/longbow-ista/internal/problem"
)

var (
	fitsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ista_server_requests_total",
		Help: "Fit requests by HTTP status code",
	}, []string{"code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ista_server_request_duration_seconds",
		Help:    "Time spent processing fit requests",
		Buckets: prometheus.DefBuckets,
	})

	fitsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ista_server_fits_in_flight",
		Help: "Fits currently holding an admission slot",
	})

	warmStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ista_server_warm_starts_total",
		Help: "Fits started from a cached solution",
	})
)

var tracer = otel.Tracer("ista-server")

// FitRequest is the CBOR body of POST /fit. Zero-valued options fall back
// to the server defaults.
type FitRequest struct {
	Problem     *problem.Problem `cbor:"problem"`
	Precision   string           `cbor:"precision,omitempty"`
	MaxIter     int              `cbor:"max_iter,omitempty"`
	Tol         float64          `cbor:"tol,omitempty"`
	Accelerated bool             `cbor:"accelerated,omitempty"`
	WarmStart   bool             `cbor:"warm_start,omitempty"`
}

// FitResponse is the CBOR body returned by POST /fit.
type FitResponse struct {
	Beta        []float64 `cbor:"beta"`
	Lipschitz   float64   `cbor:"lipschitz"`
	Objective   float64   `cbor:"objective"`
	Iterations  int       `cbor:"iterations"`
	Converged   bool      `cbor:"converged"`
	NonZero     int       `cbor:"nnz"`
	Precision   string    `cbor:"precision"`
	Fingerprint string    `cbor:"fingerprint"`
	WarmStarted bool      `cbor:"warm_started"`
	ElapsedNS   int64     `cbor:"elapsed_ns"`
}

// ServerConfig holds the service limits and defaults.
type ServerConfig struct {
	MaxConcurrent int
	MaxCells      int
	Precision     device.Precision
	Defaults      fit.Config
	Dataset       string
}

type Server struct {
	solvers   *solvers
	cache     cache.CoefficientCache
	publisher *client.Publisher
	sem       *semaphore.Weighted
	decMode   cbor.DecMode
	bodyLimit int64
	cfg       ServerConfig
}

// bytesPerCell covers X plus Y, beta0 and truth at 9 bytes per encoded
// float64, in the worst case of a single column.
const (
	bytesPerCell  = 4 * 9
	bodyOverhead  = 1 << 20
	minDecodeSize = 131072
)

func NewServer(s *solvers, c cache.CoefficientCache, pub *client.Publisher, cfg ServerConfig) *Server {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	srv := &Server{
		solvers:   s,
		cache:     c,
		publisher: pub,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:       cfg,
	}
	if cfg.MaxCells > 0 {
		srv.decMode = problem.NewDecMode(max(cfg.MaxCells, minDecodeSize))
		srv.bodyLimit = bodyOverhead
		if cells := int64(cfg.MaxCells); cells < (math.MaxInt64-bodyOverhead)/bytesPerCell {
			srv.bodyLimit += cells * bytesPerCell
		} else {
			srv.bodyLimit = math.MaxInt64
		}
	} else {
		srv.decMode = problem.NewDecMode(math.MaxInt)
	}
	return srv
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/fit", s.handleFit)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleFit")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	fail := func(code int, err error) {
		span.RecordError(err)
		fitsServed.WithLabelValues(strconv.Itoa(code)).Inc()
		http.Error(w, err.Error(), code)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	body := r.Body
	if s.bodyLimit > 0 {
		body = http.MaxBytesReader(w, r.Body, s.bodyLimit)
	}
	var req FitRequest
	if err := s.decMode.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		fail(http.StatusBadRequest, fmt.Errorf("bad request (CBOR decode): %w", err))
		return
	}
	if req.Problem == nil {
		fail(http.StatusBadRequest, errors.New("bad request: missing problem"))
		return
	}
	p := req.Problem
	if err := p.Validate(); err != nil {
		fail(http.StatusBadRequest, err)
		return
	}
	if s.cfg.MaxCells > 0 && p.Rows*p.Cols > s.cfg.MaxCells {
		fail(http.StatusRequestEntityTooLarge, fmt.Errorf("problem has %d cells, limit is %d", p.Rows*p.Cols, s.cfg.MaxCells))
		return
	}

	prec := s.cfg.Precision
	if req.Precision != "" {
		var err error
		if prec, err = device.ParsePrecision(req.Precision); err != nil {
			fail(http.StatusBadRequest, err)
			return
		}
	}

	cfg := s.cfg.Defaults
	cfg.Lambda = p.Lambda
	cfg.LogEvery = 0
	cfg.Accelerated = cfg.Accelerated || req.Accelerated
	if req.MaxIter > 0 {
		cfg.MaxIter = req.MaxIter
	}
	if req.Tol > 0 {
		cfg.Tol = req.Tol
	}
	if err := cfg.Validate(); err != nil {
		fail(http.StatusBadRequest, err)
		return
	}

	key := p.Fingerprint()
	beta0 := p.Beta0
	warm := false
	if req.WarmStart && beta0 == nil && s.cache != nil {
		if e, ok := s.cache.Get(key); ok && len(e.Beta) == p.Cols {
			beta0, warm = e.Beta, true
			if e.Lipschitz > cfg.L0 {
				cfg.L0 = e.Lipschitz
			}
			warmStarts.Inc()
		}
	}

	span.SetAttributes(
		attribute.Int("rows", p.Rows),
		attribute.Int("cols", p.Cols),
		attribute.String("precision", prec.String()),
		attribute.Bool("warm_start", warm),
	)

	// Admission Control
	out, err := s.admit(ctx, func() (*outcome, error) {
		return s.solvers.solve(ctx, prec, p, beta0, cfg)
	})

	if err != nil {
		switch {
		case errors.Is(err, errBusy), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			fail(http.StatusServiceUnavailable, err)
		case errors.Is(err, device.ErrUnsupportedPrecision):
			fail(http.StatusBadRequest, err)
		default:
			fail(http.StatusInternalServerError, err)
		}
		return
	}

	if s.cache != nil {
		s.cache.Put(key, cache.Entry{Beta: out.Beta, Lipschitz: out.Lipschitz, Lambda: cfg.Lambda})
	}
	if s.publisher != nil {
		s.forward(ctx, p, cfg, out)
	}

	resp := FitResponse{
		Beta:        out.Beta,
		Lipschitz:   out.Lipschitz,
		Objective:   out.Objective,
		Iterations:  out.Iterations,
		Converged:   out.Converged,
		Precision:   out.Precision.String(),
		Fingerprint: formatFingerprint(key),
		WarmStarted: warm,
		ElapsedNS:   out.Elapsed.Nanoseconds(),
	}
	for _, v := range out.Beta {
		if v != 0 {
			resp.NonZero++
		}
	}

	payload, err := cbor.Marshal(resp)
	if err != nil {
		fail(http.StatusInternalServerError, err)
		return
	}
	fitsServed.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

var errBusy = errors.New("server busy")

// admit runs fn while holding an admission slot.
func (s *Server) admit(ctx context.Context, fn func() (*outcome, error)) (*outcome, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		return nil, errBusy
	}
	defer s.sem.Release(1)
	fitsInFlight.Inc()
	defer fitsInFlight.Dec()
	return fn()
}

// forward publishes the coefficients. Failures are logged, not returned.
func (s *Server) forward(ctx context.Context, p *problem.Problem, cfg fit.Config, out *outcome) {
	rec, err := client.NewRecordBatchBuilder(memory.DefaultAllocator).BuildCoefficients(out.Beta, map[string]string{
		"fingerprint": formatFingerprint(p.Fingerprint()),
		"lambda":      strconv.FormatFloat(cfg.Lambda, 'g', -1, 64),
		"precision":   out.Precision.String(),
	})
	if err != nil || rec == nil {
		return
	}
	defer rec.Release()
	if err := s.publisher.Publish(ctx, s.cfg.Dataset, rec); err != nil {
		log.Error().Err(err).Msg("Error forwarding coefficients")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func formatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

var (
	listenAddr    string
	maxConcurrent int
	maxCells      int
	cacheSize     int
	serveFlight   string
	serveDataset  string
	serveCfg      = fit.DefaultConfig()
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP fit service",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	f.IntVar(&maxConcurrent, "max-concurrent", 4, "Maximum number of fits running at once")
	f.IntVar(&maxCells, "max-cells", 1<<24, "Reject problems with more than this many X entries (0 = no limit)")
	f.IntVar(&cacheSize, "cache-size", 1024, "Warm-start cache capacity (0 = unbounded)")
	f.StringVar(&serveFlight, "server", "", "Flight server address to forward coefficients to")
	f.StringVar(&serveDataset, "dataset", "ista_coefficients", "Target dataset name on the Flight server")
	f.IntVar(&serveCfg.MaxIter, "max-iter", serveCfg.MaxIter, "Default maximum number of iterations")
	f.Float64Var(&serveCfg.Tol, "tol", serveCfg.Tol, "Default convergence tolerance")
	f.BoolVar(&serveCfg.Accelerated, "fista", serveCfg.Accelerated, "Use FISTA for every request")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	prec, err := device.ParsePrecision(precisionName)
	if err != nil {
		return err
	}

	backend, err := openBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	s, err := newSolvers(backend, defaultL0, device.Float32, device.Float64)
	if err != nil {
		return err
	}
	defer s.Close()

	var pub *client.Publisher
	if serveFlight != "" {
		fc, err := client.NewFlightClient(serveFlight)
		if err != nil {
			return err
		}
		defer fc.Close()
		log.Info().Str("addr", serveFlight).Msg("Connected to Flight Server")
		pub = client.NewPublisher(fc, client.NewCircuitBreaker(5, 30*time.Second))
	}

	srv := NewServer(s, cache.NewMapCache(cacheSize), pub, ServerConfig{
		MaxConcurrent: maxConcurrent,
		MaxCells:      maxCells,
		Precision:     prec,
		Defaults:      serveCfg,
		Dataset:       serveDataset,
	})

	log.Info().
		Str("addr", listenAddr).
		Int("max_concurrent", maxConcurrent).
		Str("backend", backend.Name()).
		Msg("Starting ISTA Server")
	return http.ListenAndServe(listenAddr, srv.Handler())
}
