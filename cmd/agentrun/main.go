// Command agentrun runs the orchestrator as a small demo process: it
// wires the in-memory (or Redis) store, a provider caller, and a console
// event subscriber, enqueues a few runs, and prints what happens.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentforge/agentrun/core"
	"github.com/agentforge/agentrun/events"
	"github.com/agentforge/agentrun/orchestration"
	"github.com/agentforge/agentrun/providers"
	"github.com/agentforge/agentrun/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	redisAddr := flag.String("redis", "", "redis address for shared run state (empty: in-memory)")
	useMock := flag.Bool("mock", true, "use the scripted mock provider instead of live APIs")
	flag.Parse()

	if err := run(*configPath, *redisAddr, *useMock); err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, redisAddr string, useMock bool) error {
	logger := core.NewJSONLogger().WithComponent("agentrun")

	config := orchestration.DefaultConfig()
	if configPath != "" {
		loaded, err := orchestration.LoadConfig(configPath)
		if err != nil {
			return err
		}
		config = *loaded
	}
	config.Logger = logger

	runStore, err := buildStore(redisAddr, logger)
	if err != nil {
		return err
	}

	var caller core.ProviderCaller
	if useMock {
		caller = providers.NewMockCaller()
	} else {
		caller = providers.NewOpenAICompat(&providers.OpenAICompatConfig{
			MaxOutputTokens: config.MaxOutputTokens,
			Logger:          logger,
		})
	}

	orch, err := orchestration.New(&config, orchestration.Deps{
		Store:    runStore,
		Provider: caller,
		Vault:    envVault{},
	})
	if err != nil {
		return err
	}

	for _, typ := range []events.Type{
		events.TaskQueued, events.TaskStarted, events.TaskCompleted,
		events.TaskError, events.TaskHealing, events.Log,
		events.ApprovalGranted, events.ApprovalRejected,
	} {
		eventType := typ
		orch.Subscribe(eventType, func(e events.Event) {
			fmt.Printf("[%s] %s run=%s payload=%+v\n",
				e.Timestamp.Format(time.TimeOnly), eventType, e.RunID, e.Payload)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := make(chan error, 1)
	go func() { started <- orch.Start(ctx) }()

	goals := []string{
		"summarize the Q3 incident review",
		"draft a changelog entry for the storage migration",
		"list open questions from the design doc",
	}
	for i, goal := range goals {
		runID, err := orch.Enqueue(ctx, core.Task{
			ProjectID: "demo-project",
			OrgID:     "demo-org",
			Goal:      goal,
			Mode:      "chat",
			Priority:  i,
		})
		if err != nil {
			return err
		}
		logger.Info("Enqueued demo run", map[string]interface{}{
			"operation": "demo",
			"run_id":    runID,
			"goal":      goal,
		})
	}

	// Give the workers a moment, then report and shut down unless a
	// signal arrives first.
	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}

	metrics := orch.GetHealthMetrics()
	fmt.Printf("\nprocessed=%d failed=%d queue_depth=%d pending_approvals=%d\n",
		metrics.Processed, metrics.Failed, metrics.QueueDepth, metrics.PendingApprovals)
	for _, provider := range metrics.Providers {
		fmt.Printf("  %-12s priority=%d healthy=%v errors=%d\n",
			provider.ID, provider.Priority, provider.Healthy, provider.ErrorCount)
	}

	stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		return err
	}
	return <-started
}

func buildStore(redisAddr string, logger core.Logger) (core.RunStore, error) {
	if redisAddr == "" {
		memStore := store.NewMemoryRunStore()
		memStore.PutOrg(&core.Org{ID: "demo-org", OwnerUserID: "demo-user"})
		return memStore, nil
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable at %s: %w", redisAddr, err)
	}

	config := store.DefaultRedisRunStoreConfig()
	config.Logger = logger
	return store.NewRedisRunStore(client, &config), nil
}

// envVault resolves credentials from the environment, keyed by provider:
// OPENAI_API_KEY, GROQ_API_KEY, and so on.
type envVault struct{}

func (envVault) Get(ctx context.Context, userID, service string) (string, error) {
	switch core.Provider(service) {
	case core.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY"), nil
	case core.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY"), nil
	case core.ProviderGoogle:
		return os.Getenv("GOOGLE_API_KEY"), nil
	case core.ProviderGroq:
		return os.Getenv("GROQ_API_KEY"), nil
	case core.ProviderPerplexity:
		return os.Getenv("PERPLEXITY_API_KEY"), nil
	case core.ProviderXAI:
		return os.Getenv("XAI_API_KEY"), nil
	}
	return "", nil
}
