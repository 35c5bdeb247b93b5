// Package main is the entry point for blobcourier-admin, the bucket and
// object administration tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/api/iterator"

	"github.com/blobcourier/blobcourier/internal/blob"
	"github.com/blobcourier/blobcourier/internal/bucket"
	"github.com/blobcourier/blobcourier/internal/config"
	"github.com/blobcourier/blobcourier/internal/gcs"
	"github.com/blobcourier/blobcourier/internal/logging"
	"github.com/blobcourier/blobcourier/internal/metrics"
	"github.com/blobcourier/blobcourier/internal/signer"
	"github.com/blobcourier/blobcourier/internal/token"
)

const usage = "Usage: blobcourier-admin <ls|rm-bucket|sign-url> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "ls":
		os.Exit(runList(os.Args[2:]))
	case "rm-bucket":
		os.Exit(runRemoveBucket(os.Args[2:]))
	case "sign-url":
		os.Exit(runSignURL(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

// loadConfig reads the config file if given, otherwise the built-in
// defaults, and initializes logging.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()
	return cfg, nil
}

// wireStore builds the token provider, client, resolver, and blob store for
// the given container.
func wireStore(cfg *config.Config, containerID string) (*blob.Store, error) {
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
		ID:             containerID,
		BucketOverride: cfg.Storage.BucketOverride,
	}
	return blob.NewStore(client, resolver, container), nil
}

func runList(args []string) int {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	containerID := fs.String("container", "", "logical container ID (required)")
	prefix := fs.String("prefix", "", "object key prefix (default: the container's namespace)")
	long := fs.Bool("l", false, "long listing: size and creation time")
	fs.Parse(args)

	if *containerID == "" {
		fmt.Fprintln(os.Stderr, "Error: -container is required")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	store, err := wireStore(cfg, *containerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	it := store.Objects(ctx, *prefix)
	count := 0
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing: %v\n", err)
			return 1
		}
		if *long {
			fmt.Printf("%12d  %s  %s\n", obj.Size, obj.Created.Format(time.RFC3339), obj.Name)
		} else {
			fmt.Println(obj.Name)
		}
		count++
	}
	fmt.Fprintf(os.Stderr, "%d objects\n", count)
	return 0
}

func runRemoveBucket(args []string) int {
	fs := flag.NewFlagSet("rm-bucket", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	containerID := fs.String("container", "", "logical container ID (required)")
	yes := fs.Bool("yes", false, "confirm deletion of the bucket and all its objects")
	fs.Parse(args)

	if *containerID == "" {
		fmt.Fprintln(os.Stderr, "Error: -container is required")
		return 1
	}
	if !*yes {
		fmt.Fprintln(os.Stderr, "Error: rm-bucket deletes the bucket and every object in it; pass -yes to confirm")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	store, err := wireStore(cfg, *containerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := store.DeleteBucket(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting bucket: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "bucket for container %s deleted\n", *containerID)
	return 0
}

func runSignURL(args []string) int {
	fs := flag.NewFlagSet("sign-url", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	bucketName := fs.String("bucket", "", "bucket name (required)")
	key := fs.String("key", "", "object key (required)")
	expiry := fs.Duration("expiry", time.Hour, "URL validity window (max 168h)")
	fs.Parse(args)

	if *bucketName == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -bucket and -key are required")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Auth.CredentialsFile == "" {
		fmt.Fprintln(os.Stderr, "Error: sign-url requires auth.credentials_file (a service-account key)")
		return 1
	}
	keyJSON, err := os.ReadFile(cfg.Auth.CredentialsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading credentials: %v\n", err)
		return 1
	}
	urlSigner, err := signer.New(keyJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing credentials: %v\n", err)
		return 1
	}

	url, err := urlSigner.SignedURL(*bucketName, *key, *expiry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing: %v\n", err)
		return 1
	}
	fmt.Println(url)
	return 0
}
