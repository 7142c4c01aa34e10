// propagate is the thin, in-process caller of submit_job / subscribe /
// job_snapshot (§6) — a stand-in for the external Gateway, used for local
// runs and in tests. It never grows into the HTTP/SSE surface spec.md
// places out of scope: everything here is one process, one job, one run.
//
// Usage:
//
//	propagate -dir ./migrations/20260731_211500 -pattern 'cmp_%'
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schemafleet/propagator/config"
	"github.com/schemafleet/propagator/internal/catalog"
	"github.com/schemafleet/propagator/internal/dispatcher"
	"github.com/schemafleet/propagator/internal/domain"
	"github.com/schemafleet/propagator/internal/engine"
	"github.com/schemafleet/propagator/internal/generator"
	"github.com/schemafleet/propagator/internal/jobstore"
	"github.com/schemafleet/propagator/internal/worker"
)

func main() {
	dir := flag.String("dir", "", "directory containing upgrade.sql, downgrade.sql, metadata.json")
	pattern := flag.String("pattern", "%", "Catalog SQL LIKE pattern selecting target databases")
	dryRun := flag.Bool("dry-run", false, "execute the script and always roll back; do not stamp the ledger")
	maxConcurrency := flag.Int("concurrency", 0, "override the default max_concurrency (0 = use config default)")
	flag.Parse()

	if *dir == "" {
		log.Fatal("propagate: -dir is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maxConcurrencyForPool := cfg.DefaultMaxConcurrency
	if *maxConcurrency > 0 {
		maxConcurrencyForPool = *maxConcurrency
	}
	registry, err := catalog.NewRegistry(ctx, cfg.CatalogDSN, maxConcurrencyForPool)
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	defer registry.Close()

	script, err := generator.Load(*dir)
	if err != nil {
		log.Fatalf("generator: %v", err)
	}

	policy := cfg.DefaultPolicy()
	policy.DryRun = *dryRun
	if *maxConcurrency > 0 {
		policy.MaxConcurrency = *maxConcurrency
	}

	store := jobstore.New()
	disp := dispatcher.New(worker.NewPGConnector(worker.EnvCredentialResolver{}))
	eng := engine.New(store, disp, registry)

	jobID, err := eng.SubmitJob(ctx, script, policy, *pattern)
	if err != nil {
		log.Fatalf("submit job: %v", err)
	}
	fmt.Printf("job %s submitted (version %s)\n", jobID, script.VersionID)

	events, unsubscribe, err := eng.Subscribe(jobID)
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	go func() {
		<-ctx.Done()
		if _, err := eng.CancelJob(jobID); err != nil {
			log.Printf("cancel job: %v", err)
		}
	}()

	// The subscription stays open after the job finalizes, so unsubscribe
	// (closing the channel) once the job reaches a terminal status; events
	// already buffered are still drained by the loop below.
	go func() {
		for {
			job, err := eng.JobSnapshot(jobID)
			if err != nil || job.Status.Terminal() {
				unsubscribe()
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	for e := range events {
		printEvent(e)
	}

	job, err := eng.JobSnapshot(jobID)
	if err != nil {
		log.Fatalf("job snapshot: %v", err)
	}
	fmt.Printf("\njob %s finished: %s (total=%d succeeded=%d skipped=%d failed=%d)\n",
		job.ID, job.Status, job.Counts.Total, job.Counts.Succeeded, job.Counts.Skipped, job.Counts.Failed)

	if job.Status != domain.StatusSucceeded && job.Status != domain.StatusFailed {
		os.Exit(1)
	}
	if job.Counts.Failed > 0 {
		os.Exit(1)
	}
}

func printEvent(e domain.Event) {
	switch e.Kind {
	case domain.EventProgressSnapshot:
		fmt.Printf("[%s] progress: started=%d succeeded=%d skipped=%d failed=%d retrying=%d / %d\n",
			time.Now().Format(time.Kitchen),
			e.Snapshot.Started, e.Snapshot.Succeeded, e.Snapshot.Skipped, e.Snapshot.Failed, e.Snapshot.Retrying, e.Snapshot.Total)
	case domain.EventDropped:
		fmt.Printf("[%s] dropped %d events (subscriber fell behind)\n", time.Now().Format(time.Kitchen), e.DroppedCount)
	case domain.EventAborted:
		fmt.Printf("[%s] job aborted: %s\n", e.Timestamp.Format(time.Kitchen), e.ErrorSummary)
	case domain.EventRetrying:
		fmt.Printf("[%s] %-32s retrying (attempt %d, delay %s): %s\n",
			e.Timestamp.Format(time.Kitchen), e.Target, e.Attempt, e.Delay, e.ErrorSummary)
	default:
		fmt.Printf("[%s] %-32s %s\n", e.Timestamp.Format(time.Kitchen), e.Target, e.Kind)
	}
}
