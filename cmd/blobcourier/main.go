// Package main is the entry point for blobcourier, the resumable blob
// transfer client for Google Cloud Storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blobcourier/blobcourier/internal/blob"
	"github.com/blobcourier/blobcourier/internal/bucket"
	"github.com/blobcourier/blobcourier/internal/config"
	"github.com/blobcourier/blobcourier/internal/download"
	"github.com/blobcourier/blobcourier/internal/gcs"
	"github.com/blobcourier/blobcourier/internal/logging"
	"github.com/blobcourier/blobcourier/internal/metrics"
	"github.com/blobcourier/blobcourier/internal/token"
	"github.com/blobcourier/blobcourier/internal/upload"
)

const usage = "Usage: blobcourier <upload|download|rm|cp|exists> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "upload":
		os.Exit(runUpload(os.Args[2:]))
	case "download":
		os.Exit(runDownload(os.Args[2:]))
	case "rm":
		os.Exit(runRemove(os.Args[2:]))
	case "cp":
		os.Exit(runCopy(os.Args[2:]))
	case "exists":
		os.Exit(runExists(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

// commonFlags are the flags every subcommand shares.
type commonFlags struct {
	configPath *string
	container  *string
	logLevel   *string
	logFormat  *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "", "path to configuration file (built-in defaults when empty)"),
		container:  fs.String("container", "", "logical container ID (required)"),
		logLevel:   fs.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)"),
		logFormat:  fs.String("log-format", "", "log format: text, json (default: from config or text)"),
	}
}

// env holds the wired client stack shared by all subcommands.
type env struct {
	cfg        *config.Config
	client     *gcs.Client
	resolver   *bucket.Resolver
	container  bucket.Container
	store      *blob.Store
	downloader *download.Downloader
	metricsSrv *http.Server
}

// setup loads config, initializes logging and metrics, and wires the token
// provider, API client, bucket resolver, and blob store.
func setup(cf *commonFlags) (*env, error) {
	var cfg *config.Config
	if *cf.configPath != "" {
		loaded, err := config.Load(*cf.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	// Command-line flags override config file values.
	if *cf.logLevel != "" {
		cfg.Logging.Level = *cf.logLevel
	}
	if *cf.logFormat != "" {
		cfg.Logging.Format = *cf.logFormat
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	if *cf.container == "" {
		return nil, fmt.Errorf("-container is required")
	}

	tokens, err := token.NewProvider(cfg.Auth.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("initializing token provider: %w", err)
	}

	client := gcs.NewClient(tokens)
	resolver := bucket.NewResolver(client, bucket.Config{
		BaseName:                 cfg.Storage.Bucket,
		NameFormat:               cfg.Storage.BucketNameFormat,
		Labels:                   cfg.Storage.BucketLabels,
		UniformBucketLevelAccess: cfg.Storage.UniformBucketLevelAccess,
		Project:                  cfg.Storage.Project,
		Location:                 cfg.Storage.Location,
		CacheTTL:                 time.Duration(cfg.Storage.BucketCacheTTL) * time.Second,
	})
	container := bucket.Container{
		ID:             *cf.container,
		BucketOverride: cfg.Storage.BucketOverride,
	}
	store := blob.NewStore(client, resolver, container)

	e := &env{
		cfg:        cfg,
		client:     client,
		resolver:   resolver,
		container:  container,
		store:      store,
		downloader: download.NewDownloader(client, resolver, container, cfg.Transfer.ReadChunkSize),
	}

	// Optional Prometheus listener for long-running transfers.
	if addr := cfg.Metrics.Addr; addr != "" {
		router := chi.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		e.metricsSrv = &http.Server{Addr: addr, Handler: router}
		go func() {
			slog.Info("metrics listener started", "addr", addr)
			if err := e.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics listener failed", "error", err)
			}
		}()
	}

	return e, nil
}

func (e *env) close() {
	if e.metricsSrv != nil {
		e.metricsSrv.Shutdown(context.Background())
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (e *env) session(slot string) *upload.Session {
	return upload.NewSession(e.client, e.resolver, e.store, e.container, slot, upload.Options{
		Creator:   userName(),
		Request:   "blobcourier-cli",
		ChunkSize: e.cfg.Transfer.ChunkSize,
	})
}

func userName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "blobcourier"
}

func runUpload(args []string) int {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	cf := addCommonFlags(fs)
	slot := fs.String("slot", "", "logical upload slot (default: base name of the file)")
	contentType := fs.String("content-type", "application/octet-stream", "MIME type of the upload")
	input := fs.String("file", "-", "file to upload (- for stdin)")
	fs.Parse(args)

	e, err := setup(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	var src io.Reader
	size := upload.UnknownSize
	filename := "stdin"
	if *input == "-" {
		src = os.Stdin
	} else {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening input: %v\n", err)
			return 1
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		src = f
		size = info.Size()
		filename = filepath.Base(*input)
	}
	if size != upload.UnknownSize && size > e.cfg.Transfer.MaxSize {
		fmt.Fprintf(os.Stderr, "Error: file exceeds max transfer size (%d > %d)\n", size, e.cfg.Transfer.MaxSize)
		return 1
	}

	name := *slot
	if name == "" {
		name = filename
	}

	sess := e.session(name)
	if err := sess.Start(ctx, size, *contentType, filename); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting upload: %v\n", err)
		return 1
	}
	if _, err := sess.Append(ctx, src); err != nil {
		fmt.Fprintf(os.Stderr, "Error uploading: %v\n", err)
		return 1
	}
	ref, err := sess.Finish(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finishing upload: %v\n", err)
		return 1
	}
	fmt.Printf("uploaded %s (%d bytes) as %s\n", ref.Filename, ref.Size, ref.URI)
	return 0
}

func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	cf := addCommonFlags(fs)
	key := fs.String("key", "", "object key to download (required)")
	output := fs.String("output", "-", "output file path (- for stdout)")
	rangeStart := fs.Int64("range-start", -1, "byte range start (inclusive)")
	rangeEnd := fs.Int64("range-end", -1, "byte range end (exclusive)")
	fs.Parse(args)

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		return 1
	}

	e, err := setup(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	var rng *download.ByteRange
	if *rangeStart >= 0 && *rangeEnd > *rangeStart {
		rng = &download.ByteRange{Start: *rangeStart, End: *rangeEnd}
	}

	reader, err := e.downloader.Open(ctx, *key, rng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening download: %v\n", err)
		return 1
	}
	defer reader.Close()

	var dst io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output: %v\n", err)
			return 1
		}
		defer f.Close()
		dst = f
	}

	n, err := io.Copy(dst, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error downloading: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "downloaded %d bytes\n", n)
	return 0
}

func runRemove(args []string) int {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	cf := addCommonFlags(fs)
	key := fs.String("key", "", "object key to delete (required)")
	prefix := fs.Bool("prefix", false, "treat the key as a slot prefix and delete all generations")
	fs.Parse(args)

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		return 1
	}

	e, err := setup(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	sess := e.session(*key)
	if *prefix {
		found, err := sess.DeleteByPrefix(ctx, *key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting by prefix: %v\n", err)
			return 1
		}
		if !found {
			fmt.Fprintf(os.Stderr, "no objects under prefix %s\n", *key)
			return 0
		}
		fmt.Fprintf(os.Stderr, "deleted objects under prefix %s\n", *key)
		return 0
	}

	outcome, err := sess.DeleteUpload(ctx, *key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", *key, outcome)
	return 0
}

func runCopy(args []string) int {
	fs := flag.NewFlagSet("cp", flag.ExitOnError)
	cf := addCommonFlags(fs)
	src := fs.String("src", "", "source object key (required)")
	srcName := fs.String("src-filename", "", "source filename metadata")
	srcType := fs.String("src-content-type", "application/octet-stream", "source content type metadata")
	srcSize := fs.Int64("src-size", 0, "source size metadata in bytes")
	dstSlot := fs.String("dst-slot", "", "destination upload slot (required)")
	fs.Parse(args)

	if *src == "" || *dstSlot == "" {
		fmt.Fprintln(os.Stderr, "Error: -src and -dst-slot are required")
		return 1
	}

	e, err := setup(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	srcSess := e.session(*src)
	srcSess.SetReference(upload.ObjectReference{
		URI:         *src,
		Filename:    *srcName,
		ContentType: *srcType,
		Size:        *srcSize,
	})
	dstSess := e.session(*dstSlot)

	ref, err := srcSess.Copy(ctx, dstSess)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error copying: %v\n", err)
		return 1
	}
	fmt.Printf("copied %s to %s (%d bytes)\n", *src, ref.URI, ref.Size)
	return 0
}

func runExists(args []string) int {
	fs := flag.NewFlagSet("exists", flag.ExitOnError)
	cf := addCommonFlags(fs)
	key := fs.String("key", "", "object key to probe (required)")
	fs.Parse(args)

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		return 1
	}

	e, err := setup(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	sess := e.session(*key)
	sess.SetReference(upload.ObjectReference{URI: *key})
	ok, err := sess.Exists(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error checking existence: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Println("absent")
		return 2
	}
	fmt.Println("exists")
	return 0
}
