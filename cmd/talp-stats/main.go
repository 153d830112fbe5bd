// talp-stats is an observer CLI for the TALP shared-memory registry: it
// attaches read-only to the node's segment and reports the registered
// regions, optionally filtered by an expression or exported as OTLP spans.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	talp "github.com/mrzor/talp-registry"
	"github.com/mrzor/talp-registry/internal/config"
	"github.com/mrzor/talp-registry/internal/filter"
	"github.com/mrzor/talp-registry/internal/otelexport"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}

	// The plain table needs no standing attach: PrintInfo opens a
	// temporary observer attach of its own.
	if !cfg.ListPids && cfg.Filter == "" && !cfg.OTLP {
		return talp.PrintInfo(os.Stdout, cfg.ShmKey, cfg.ShmSizeMultiplier)
	}

	if err := talp.ExtInit(cfg.ShmKey, cfg.ShmSizeMultiplier); err != nil {
		return fmt.Errorf("failed to attach to talp shmem: %w", err)
	}
	defer func() {
		if err := talp.ExtFinalize(); err != nil {
			log.Printf("Error detaching from talp shmem: %v", err)
		}
	}()

	if cfg.ListPids {
		pids, err := talp.GetPidList(talp.GetMaxRegions())
		if err != nil {
			return err
		}
		for _, pid := range pids {
			fmt.Println(pid)
		}
		return nil
	}

	var regionFilter *filter.Filter
	if cfg.Filter != "" {
		regionFilter, err = filter.New(cfg.Filter)
		if err != nil {
			return err
		}
	}

	regions, err := talp.Snapshot()
	if err != nil {
		return err
	}

	kept := regions[:0]
	for _, r := range regions {
		match, err := regionFilter.Matches(r)
		if err != nil {
			return err
		}
		if match {
			kept = append(kept, r)
		}
	}

	for _, r := range kept {
		fmt.Printf("%d %s %d %d %.2f\n", r.PID, r.Name, r.MPITime, r.UsefulTime, r.AvgCPUs)
	}

	if cfg.OTLP {
		otelCfg, err := config.ParseOTELConfig()
		if err != nil {
			return err
		}
		tp, err := otelexport.InitProvider(otelCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize OTLP exporter: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelexport.ShutdownProvider(tp, shutdownCtx); err != nil {
				log.Printf("Error shutting down OTLP exporter: %v", err)
			}
		}()
		otelexport.ExportSnapshot(context.Background(), tp.Tracer("talp-stats"), kept)
	}

	return nil
}
