package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// StartHealthScheduler starts a cron-based probe that periodically runs the
// listSimulations query and logs whether the data source is reachable.
// The schedule is a standard 5-field cron expression (minute hour day-of-month month day-of-week).
// Examples: "*/15 * * * *" (every 15 minutes), "0 * * * *" (hourly).
func StartHealthScheduler(cfg Config, fetcher *Fetcher) {
	schedule := strings.TrimSpace(cfg.HealthSchedule)
	if schedule == "" {
		log.Println("Health probe disabled (health_check_schedule not set)")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid health_check_schedule '%s': %v (health probe disabled)", schedule, err)
		return
	}

	log.Printf("Health probe scheduled (cron: %s) against %s", schedule, cfg.GraphQLURL)

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			time.Sleep(next.Sub(now))
			probeDataSource(cfg, fetcher)
		}
	}()
}

func probeDataSource(cfg Config, fetcher *Fetcher) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ExternalHTTPTimeout())
	defer cancel()

	started := time.Now()
	simulations, err := fetcher.ListSimulations(ctx)
	if err != nil {
		log.Printf("health probe failed after %s: %v", time.Since(started).Round(time.Millisecond), err)
		return
	}
	log.Printf("health probe ok simulations=%d latency=%s", len(simulations), time.Since(started).Round(time.Millisecond))
}
