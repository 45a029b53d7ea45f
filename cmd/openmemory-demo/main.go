// Command openmemory-demo wires C1-C6 together against a local embedded
// store and runs the S1 replacement-over-time scenario end to end, to
// exercise the bootstrap path the MCP/HTTP adapters would otherwise drive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/progressdb/openmemory-core/internal/config"
	"github.com/progressdb/openmemory-core/internal/crypto"
	"github.com/progressdb/openmemory-core/internal/eventbus"
	"github.com/progressdb/openmemory-core/internal/graph"
	"github.com/progressdb/openmemory-core/internal/logger"
	"github.com/progressdb/openmemory-core/internal/model"
	"github.com/progressdb/openmemory-core/internal/query"
	"github.com/progressdb/openmemory-core/internal/storage/pebblestore"
	"github.com/progressdb/openmemory-core/internal/timeline"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Init("info")

	if err := crypto.Init(crypto.Config{
		Enabled:          cfg.EncryptionEnabled,
		PrimarySecret:    cfg.EncryptionPrimarySecret,
		SecondarySecrets: cfg.EncryptionSecondarySecrets,
		Salt:             cfg.EncryptionSalt,
	}); err != nil {
		log.Fatalf("init crypto: %v", err)
	}

	backend, err := pebblestore.Open(cfg.PebblePath)
	if err != nil {
		log.Fatalf("open pebblestore: %v", err)
	}
	defer backend.Close()

	bus := eventbus.New()
	bus.Subscribe(eventbus.FactCreated, func(e eventbus.Event) {
		logger.Info("event", "topic", e.Topic, "fields", e.Fields)
	})
	bus.Subscribe(eventbus.FactUpdated, func(e eventbus.Event) {
		logger.Info("event", "topic", e.Topic, "fields", e.Fields)
	})

	g := graph.New(backend, bus)
	q, err := query.New(backend, cfg.GraphCacheSize)
	if err != nil {
		log.Fatalf("new query engine: %v", err)
	}
	tl := timeline.New(backend)

	ctx := context.Background()
	owner := model.OwnerOf("u1")

	id1, err := g.InsertFact(ctx, owner, "John", "location", "NY", 1000, 0.8, nil)
	if err != nil {
		log.Fatalf("insert fact 1: %v", err)
	}
	id2, err := g.InsertFact(ctx, owner, "John", "location", "Paris", 5000, 0.9, nil)
	if err != nil {
		log.Fatalf("insert fact 2: %v", err)
	}
	fmt.Fprintf(os.Stdout, "inserted facts: %s, %s\n", id1, id2)

	current, err := q.GetCurrentFact(ctx, owner, "John", "location", nil)
	if err != nil {
		log.Fatalf("get current fact: %v", err)
	}
	if current != nil {
		fmt.Fprintf(os.Stdout, "current location: %s\n", current.Object)
	}

	entries, err := tl.GetSubjectTimeline(ctx, owner, "John", nil)
	if err != nil {
		log.Fatalf("get subject timeline: %v", err)
	}
	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "timeline: %s %s=%s at %d (%s)\n", e.Subject, e.Predicate, e.Object, e.Timestamp, e.ChangeType)
	}
}
