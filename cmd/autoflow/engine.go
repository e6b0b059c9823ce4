package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/autoflow/internal/config"
	"github.com/ShayCichocki/autoflow/internal/orchestrator"
	"github.com/ShayCichocki/autoflow/internal/pipeline"
	"github.com/ShayCichocki/autoflow/internal/provider"
	"github.com/ShayCichocki/autoflow/internal/state"
	"github.com/ShayCichocki/autoflow/internal/store"
	"github.com/ShayCichocki/autoflow/pkg/models"
)

// engine bundles everything a foreground or server run needs.
type engine struct {
	svc      *orchestrator.Service
	features *store.FileStore
	history  *state.DB
	watcher  *store.Watcher
	logger   *orchestrator.DebugLogger
}

// close releases engine resources. Safe after a partial build.
func (e *engine) close() {
	if e.watcher != nil {
		e.watcher.Close()
	}
	if e.history != nil {
		e.history.Close()
	}
	if e.logger != nil {
		e.logger.Close()
	}
}

// buildEngine wires the feature store, run history, pipeline, provider,
// and orchestrator together for the given repository.
func buildEngine(repoPath string, cfg *config.Config) (*engine, error) {
	e := &engine{}

	features, err := store.NewFileStore(repoPath)
	if err != nil {
		return nil, fmt.Errorf("open feature store: %w", err)
	}
	e.features = features

	// The watcher is an optimization; polling covers its absence.
	if w, err := store.NewWatcher(features.Dir()); err == nil {
		e.watcher = w
	}

	history, err := state.OpenProject(repoPath)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("open run history: %w", err)
	}
	if err := history.Migrate(); err != nil {
		e.close()
		return nil, fmt.Errorf("migrate run history: %w", err)
	}
	e.history = history

	def, err := loadPipeline(repoPath, cfg.Orchestrator)
	if err != nil {
		e.close()
		return nil, err
	}

	prov, err := provider.NewAnthropic(provider.AnthropicConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		e.close()
		return nil, fmt.Errorf("create provider: %w", err)
	}

	logger := orchestrator.NewDebugLoggerForRepo(repoPath)
	e.logger = logger

	engineCfg := orchestrator.DefaultConfig()
	engineCfg.MaxConcurrency = cfg.Orchestrator.MaxConcurrency
	engineCfg.PollInterval = cfg.Orchestrator.PollInterval
	engineCfg.AutoStart = cfg.Orchestrator.AutoStart
	engineCfg.MaxRetries = cfg.Orchestrator.MaxRetries
	engineCfg.StepTimeout = cfg.Orchestrator.StepTimeout
	engineCfg.OnFailure = models.FailurePolicy(cfg.Orchestrator.OnFailure)
	engineCfg.FailureThreshold = cfg.Pause.FailureThreshold
	engineCfg.FailureWindow = cfg.Pause.FailureWindow
	engineCfg.RateLimitBackoff = cfg.Pause.RateLimitBackoff
	if err := engineCfg.Validate(); err != nil {
		e.close()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	emitter := orchestrator.NewEventEmitter(256)
	agent := orchestrator.NewProviderAgent(prov, repoPath, logger)
	worker := orchestrator.NewFeatureExecutor(
		features, history, def, agent, agent,
		emitter, logger, engineCfg.MaxRetries, prov.Usage,
	)

	opts := []orchestrator.Option{
		orchestrator.WithConfig(engineCfg),
		orchestrator.WithHistory(history),
		orchestrator.WithLogger(logger),
		orchestrator.WithEmitter(emitter),
	}
	if e.watcher != nil {
		opts = append(opts, orchestrator.WithWatch(e.watcher.Notify()))
	}
	e.svc = orchestrator.NewService(features, worker, opts...)

	return e, nil
}

// loadPipeline reads .autoflow/pipeline.yaml, falling back to the
// default single-review pipeline. The engine's default step timeout is
// applied to steps that don't set their own.
func loadPipeline(repoPath string, oc config.OrchestratorConfig) (*pipeline.Definition, error) {
	path := filepath.Join(repoPath, ".autoflow", "pipeline.yaml")

	var def *pipeline.Definition
	if _, err := os.Stat(path); err == nil {
		def, err = pipeline.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load pipeline: %w", err)
		}
	} else {
		def = pipeline.Default()
	}

	if oc.StepTimeout <= 0 {
		return def, nil
	}
	pc := def.Config()
	changed := false
	for i := range pc.Steps {
		if pc.Steps[i].Timeout == 0 {
			pc.Steps[i].Timeout = oc.StepTimeout
			changed = true
		}
	}
	if !changed {
		return def, nil
	}
	return pipeline.New(pc)
}
