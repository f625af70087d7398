// Command trigger publishes a manual reindex trigger for a package version
// on the Redis channel the indexer's manual source listens to.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkgdepot/pkgdepot/internal/task"
	"github.com/pkgdepot/pkgdepot/pkg/config"
	"github.com/pkgdepot/pkgdepot/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	pkg := flag.String("package", "", "package name to reindex (required)")
	version := flag.String("version", "", "package version to reindex (required)")
	flag.Parse()

	if *pkg == "" || *version == "" {
		fmt.Fprintln(os.Stderr, "usage: trigger -package <name> -version <version>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	client, err := redis.NewClient(cfg.Redis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	payload, err := json.Marshal(task.TriggerMessage{
		Package: *pkg,
		Version: *version,
		Updated: time.Now(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode trigger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Publish(ctx, cfg.Redis.TriggerChannel, payload); err != nil {
		fmt.Fprintf(os.Stderr, "failed to publish trigger: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("trigger published for %s %s on %s\n", *pkg, *version, cfg.Redis.TriggerChannel)
}
