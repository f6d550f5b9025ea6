package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/internal/repository"
	"github.com/noah-isme/lesson-sync-api/internal/service"
	"github.com/noah-isme/lesson-sync-api/pkg/cache"
	"github.com/noah-isme/lesson-sync-api/pkg/config"
	"github.com/noah-isme/lesson-sync-api/pkg/database"
	"github.com/noah-isme/lesson-sync-api/pkg/logger"
)

type options struct {
	repair       bool
	apply        bool
	relationship string
	schedule     string
	kinds        string
	timeout      time.Duration
}

func main() {
	var opts options
	flag.BoolVar(&opts.repair, "repair", false, "Plan repairs after detection")
	flag.BoolVar(&opts.apply, "apply", false, "Apply planned repairs (implies -repair)")
	flag.StringVar(&opts.relationship, "relationship", "", "Relationship authority override: teacher|student")
	flag.StringVar(&opts.schedule, "schedule", "", "Schedule authority override: teacher|student")
	flag.StringVar(&opts.kinds, "kinds", "", "Comma separated issue kinds to repair")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Overall run timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	var cacheSvc *service.CacheService
	if redisClient, err := cache.NewRedis(ctx, cfg.Redis); err == nil && redisClient != nil {
		defer redisClient.Close()
		cacheSvc = service.NewCacheService(repository.NewCacheRepository(redisClient, "lesson-sync:", logr), nil, cfg.Booking.WeeklyViewCacheTTL, logr)
	}

	consistency := service.NewConsistencyService(repository.NewTeacherRepository(db), repository.NewStudentRepository(db), cacheSvc, nil, service.ConsistencyConfig{
		BatchSize:       cfg.Consistency.BatchSize,
		DefaultDuration: cfg.Consistency.DefaultDuration,
		ExampleLimit:    cfg.Consistency.ExampleLimit,
		WriteAttempts:   cfg.Booking.MaxWriteAttempts,
		Authority: models.Authority{
			Relationship: models.Side(cfg.Consistency.RelationshipAuthority),
			Schedule:     models.Side(cfg.Consistency.ScheduleAuthority),
		},
	}, logr)

	authority := authorityOverride(opts)
	report, err := consistency.DetectInconsistencies(ctx, dto.DetectRequest{Authority: authority})
	if err != nil {
		log.Fatalf("detection failed: %v", err)
	}
	printReport(report)

	if !opts.repair && !opts.apply {
		if report.Total > 0 {
			os.Exit(1)
		}
		return
	}

	result, err := consistency.Repair(ctx, dto.RepairRequest{
		DryRun:    !opts.apply,
		Authority: authority,
		Kinds:     parseKinds(opts.kinds),
	})
	if err != nil {
		log.Fatalf("repair failed: %v", err)
	}
	printRepair(result)
	if len(result.Errors) > 0 || len(result.Unresolved) > 0 {
		os.Exit(1)
	}
}

func authorityOverride(opts options) *models.Authority {
	if opts.relationship == "" && opts.schedule == "" {
		return nil
	}
	return &models.Authority{
		Relationship: models.Side(strings.ToLower(opts.relationship)),
		Schedule:     models.Side(strings.ToLower(opts.schedule)),
	}
}

func parseKinds(raw string) []models.IssueKind {
	var kinds []models.IssueKind
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			kinds = append(kinds, models.IssueKind(part))
		}
	}
	return kinds
}

func printReport(report *models.ConsistencyReport) {
	fmt.Println("Consistency Report")
	fmt.Println("==================")
	fmt.Printf("Authority: relationship=%s schedule=%s\n", report.Authority.Relationship, report.Authority.Schedule)
	fmt.Printf("Scanned: %d teachers, %d students\n", report.TeachersScanned, report.StudentsScanned)

	kinds := make([]string, 0, len(report.Counts))
	for kind := range report.Counts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		count := report.Counts[models.IssueKind(kind)]
		if count == 0 {
			continue
		}
		fmt.Printf("[%s] %d\n", kind, count)
		for _, issue := range report.Examples[models.IssueKind(kind)] {
			fmt.Printf("  %s %s %s ref=%s slot=%s: %s\n", issue.EntityType, issue.EntityID, issue.Field, issue.RefID, issue.SlotID, issue.Detail)
		}
	}
	fmt.Printf("Total issues: %d\n", report.Total)
}

func printRepair(result *models.RepairResult) {
	mode := "APPLY"
	if result.DryRun {
		mode = "DRY RUN"
	}
	fmt.Printf("\nRepair (%s)\n", mode)
	fmt.Println("============")
	for _, action := range result.Actions {
		fmt.Printf("[%s] %s %s ref=%s slot=%s: %s\n", action.Kind, action.EntityType, action.EntityID, action.RefID, action.SlotID, action.Fix)
	}
	for _, rec := range result.Errors {
		fmt.Printf("  Error: %s %s %s: %s\n", rec.EntityType, rec.EntityID, rec.Code, rec.Message)
	}
	for _, rec := range result.Unresolved {
		fmt.Printf("  Unresolved: %s %s %s: %s\n", rec.EntityType, rec.EntityID, rec.Code, rec.Message)
	}
	fmt.Printf("Applied: %d, Skipped: %d, Errors: %d, Unresolved: %d\n", result.Applied, result.Skipped, len(result.Errors), len(result.Unresolved))
}
