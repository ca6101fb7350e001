package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"taskguide/config"
	"taskguide/shared"
	"taskguide/store"
	"taskguide/workflow"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	demo := flag.Bool("demo", false, "walk a sample session and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	sqlite, err := store.OpenSQLite(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("Unable to open session store", zap.Error(err))
	}
	defer sqlite.Close()
	sessions := store.WithRetry(sqlite, cfg.Database.RetryAttempts, cfg.Database.RetryBackoff, logger)

	graphs, err := workflow.LoadTemplateDir(cfg.Templates.Dir)
	if err != nil {
		logger.Fatal("Unable to load task templates", zap.Error(err))
	}

	manager := workflow.NewManager(sessions, shared.LogSink{Logger: logger}, logger,
		workflow.WithRetention(cfg.Session.Retention))
	for _, graph := range graphs {
		if err := manager.Register(graph); err != nil {
			logger.Fatal("Unable to register task template", zap.Error(err))
		}
	}

	ctx := context.Background()
	removed, err := manager.ExpireSessions(ctx)
	if err != nil {
		logger.Warn("Session expiry sweep failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info("Session expiry sweep finished", zap.Int("removed", removed))
	}

	if *demo {
		if err := runSampleSession(ctx, manager, logger); err != nil {
			logger.Fatal("Sample session failed", zap.Error(err))
		}
		return
	}

	logger.Info("Task templates loaded and store ready",
		zap.Int("taskTypes", len(graphs)),
		zap.String("database", cfg.Database.Path))
}

// runSampleSession walks one benefit-claim session end to end and logs each
// decision. Useful as a smoke test of templates, store and engine together.
func runSampleSession(ctx context.Context, manager *workflow.Manager, logger *zap.Logger) error {
	sess, dec, err := manager.StartSession(ctx, "demo-user", "en", "benefit_claim")
	if err != nil {
		return err
	}
	logger.Info("Sample session started",
		zap.String("sessionID", sess.ID),
		zap.String("firstStep", dec.Step.ID))

	answers := []struct {
		stepID string
		input  map[string]shared.Value
	}{
		{"provide_age", map[string]shared.Value{"age": shared.NumberValue(34)}},
		{"income_review", map[string]shared.Value{"employment": shared.StringValue("employed")}},
		{"confirm_claim", nil},
	}

	for _, answer := range answers {
		sess, dec, err = manager.CompleteStep(ctx, sess.ID, answer.stepID, answer.input)
		if err != nil {
			return err
		}
		nextStep := "none"
		if dec.Step != nil {
			nextStep = dec.Step.ID
		}
		logger.Info("Sample step completed",
			zap.String("stepID", answer.stepID),
			zap.String("nextStep", nextStep),
			zap.Strings("newlySkipped", dec.NewlySkipped),
			zap.Float64("percentComplete", sess.PercentComplete))
	}

	eligibility, err := manager.Eligibility(ctx, sess.ID)
	if err != nil {
		return err
	}
	logger.Info("Sample session finished",
		zap.String("workflowState", string(sess.State)),
		zap.Bool("eligible", eligibility.OverallEligible))
	return nil
}
