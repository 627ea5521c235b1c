package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

var (
	configPath  = flag.String("config", "", "Path to config.json (default: bert-tiny)")
	weightsPath = flag.String("weights", "", "Path to CBOR weight bundle (default: random init)")
	savePath    = flag.String("save", "", "Write the model to a CBOR weight bundle")
	saveFP16    = flag.Bool("save-fp16", false, "Store float tensors as fp16 when saving")
	seed        = flag.Int64("seed", 1, "Seed for random weight initialization and synthetic inputs")
	useInt8     = flag.Bool("int8", false, "Quantize dense weights to int8")
	batchSize   = flag.Int("batch", 8, "Sequences per batch")
	seqLen      = flag.Int("seq", 32, "Padded sequence length")
	poolFlag    = flag.String("pool", "mean", "Pooling strategy (mean, cls)")
	normalize   = flag.Bool("normalize", true, "L2-normalize pooled embeddings")
	useCache    = flag.Bool("cache", false, "Reuse pooled vectors of previously seen token sequences")
	inspectPath = flag.String("inspect", "", "Print a JSON summary of a CBOR weight bundle and exit")
	workers     = flag.Int("workers", 0, "Backend worker goroutines (0 = NumCPU)")
	concurrency = flag.Int("concurrency", 4, "Concurrent forward passes in soak mode")
	maxTokens   = flag.Int64("max-tokens", 0, "In-flight token budget in soak mode (0 = unlimited)")
	duration    = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics on (e.g. :9100)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	if err := run(context.Background(), os.Stdout); err != nil {
		log.Error().Err(err).Msg("quiver failed")
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer) error {
	if *inspectPath != "" {
		return inspect(*inspectPath, out)
	}

	var be *device.CPUBackend
	if *workers > 0 {
		be = device.NewCPUBackendWithWorkers(*workers)
	} else {
		be = device.NewCPUBackend()
	}

	enc, cfg, err := buildEncoder(be)
	if err != nil {
		return err
	}
	if *useInt8 {
		if enc, err = model.QuantizeEncoder(enc); err != nil {
			return fmt.Errorf("failed to quantize encoder: %w", err)
		}
		log.Info().Msg("Dense weights quantized to int8")
	}

	if *savePath != "" {
		dtype := weights.F32
		if *saveFP16 {
			dtype = weights.F16
		}
		if err := weights.SaveFile(*savePath, enc, cfg, dtype); err != nil {
			return err
		}
		log.Info().Str("path", *savePath).Str("dtype", string(dtype)).Msg("Saved weight bundle")
	}

	strategy, err := model.ParsePoolingStrategy(*poolFlag)
	if err != nil {
		return err
	}
	if *seqLen > cfg.MaxPositionEmbeddings() {
		return fmt.Errorf("sequence length %d exceeds max position embeddings %d", *seqLen, cfg.MaxPositionEmbeddings())
	}

	rng := rand.New(rand.NewSource(*seed))
	batch, err := syntheticBatch(rng, *batchSize, *seqLen, cfg.VocabSize())
	if err != nil {
		return err
	}

	p := &pipeline{encoder: enc, strategy: strategy, normalize: *normalize}
	if *useCache {
		p.cache = cache.NewMapCache()
	}

	if *duration > 0 {
		_, err := soak(ctx, p, batch, soakOptions{
			Duration:    *duration,
			Concurrency: *concurrency,
			MaxTokens:   *maxTokens,
		})
		return err
	}

	start := time.Now()
	vectors, err := p.embed(ctx, batch)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", vectors.Rows).
		Dur("elapsed", elapsed).
		Int("dim", vectors.Cols).
		Float64("tps", float64(vectors.Rows)/elapsed.Seconds()).
		Msg("Embedded sequences")

	rec := buildRecord(vectors, batch.lengths)
	defer rec.Release()
	return writeArrowStream(out, rec)
}

func buildEncoder(be device.Backend) (*model.Encoder, *config.BaseConfig, error) {
	if *weightsPath != "" {
		b, err := weights.LoadFile(*weightsPath)
		if err != nil {
			return nil, nil, err
		}
		if *configPath != "" {
			log.Warn().Str("config", *configPath).Msg("Ignoring -config; the weight bundle carries its own")
		}
		cfg, err := b.BaseConfig()
		if err != nil {
			return nil, nil, err
		}
		enc, err := b.Encoder(be)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", *weightsPath).Int("layers", len(enc.Layers)).Msg("Loaded weight bundle")
		return enc, cfg, nil
	}

	cfg := config.DefaultBertTiny()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, nil, err
		}
	}
	enc, err := model.NewRandomEncoder(cfg, be, *seed)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Int64("seed", *seed).Int("hidden", cfg.HiddenSize()).Msg("Using randomly initialized weights")
	return enc, cfg, nil
}

func inspect(path string, out io.Writer) error {
	b, err := weights.LoadFile(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Format  string                  `json:"format"`
		Config  config.Params           `json:"config"`
		Tensors []weights.TensorSummary `json:"tensors"`
	}{b.Format, b.Config, b.Summary()})
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
