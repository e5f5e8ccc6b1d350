// Package e2e boots a complete in-process engine against a real Postgres
// schema and drives it through whole run lifecycles: queue claim, stepper,
// gateway dispatch over a live WebSocket, continuation resume, and the
// persisted event log.
package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/agent"
	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/connector"
	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/gateway"
	"github.com/vespid/vespid/pkg/llm"
	"github.com/vespid/vespid/pkg/masking"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/queue"
	"github.com/vespid/vespid/pkg/skills"
	"github.com/vespid/vespid/pkg/store"
	"github.com/vespid/vespid/pkg/workflow"
	testdb "github.com/vespid/vespid/test/database"
	"github.com/vespid/vespid/test/util"
)

// e2eServiceToken guards the gateway's internal routes in tests.
const e2eServiceToken = "e2e-service-token"

// TestApp is one fully wired engine instance. Everything runs in-process
// except Postgres; the gateway listens on a real loopback port so executor
// clients exercise the production WebSocket path.
type TestApp struct {
	Config   *config.Config
	DBClient *database.Client

	LLM *llm.Scripted

	Masking   *masking.Service
	Publisher *events.Publisher
	Runs      *store.RunStore
	Workflows *store.WorkflowStore
	Events    *store.EventStore
	Executors *store.ExecutorStore

	RunQueue          *queue.Queue
	ContinuationQueue *queue.Queue

	Registry      *gateway.Registry
	Router        *gateway.Router
	StreamManager *events.StreamManager

	// GatewayURL is the http base of the gateway test server.
	GatewayURL string

	listener    *events.Listener
	stepHandler queue.Handler
	contHandler queue.Handler

	mu         sync.Mutex
	runPool    *queue.Pool
	contPool   *queue.Pool
	generation int

	podID string
	t     *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	llmClient      *llm.Scripted
	secrets        workflow.SecretResolver
	connectorEnv   *connector.Env
	mutateWorkflow func(*config.WorkflowConfig)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithLLM sets a pre-scripted LLM client.
func WithLLM(client *llm.Scripted) TestAppOption {
	return func(c *testAppConfig) { c.llmClient = client }
}

// WithSecrets sets the worker-side secret resolver.
func WithSecrets(resolver workflow.SecretResolver) TestAppOption {
	return func(c *testAppConfig) { c.secrets = resolver }
}

// WithConnectorEnv points cloud-mode connector actions at a stub API.
func WithConnectorEnv(env connector.Env) TestAppOption {
	return func(c *testAppConfig) { c.connectorEnv = &env }
}

// WithWorkflowConfig mutates the workflow section before wiring.
func WithWorkflowConfig(mutate func(*config.WorkflowConfig)) TestAppOption {
	return func(c *testAppConfig) { c.mutateWorkflow = mutate }
}

// NewTestApp creates and starts a full engine instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.llmClient == nil {
		tc.llmClient = llm.NewScripted()
	}

	cfg := config.DefaultConfig()
	cfg.Queue.RunConcurrency = 2
	cfg.Queue.ContinuationConcurrency = 2
	cfg.Queue.PollInterval = 100 * time.Millisecond
	cfg.Queue.PollIntervalJitter = 50 * time.Millisecond
	cfg.Queue.ContinuationPollInterval = 200 * time.Millisecond
	cfg.Queue.JobTimeout = 30 * time.Second
	cfg.Queue.GracefulShutdownTimeout = 10 * time.Second
	cfg.Gateway.ServiceToken = e2eServiceToken
	// Fast retries keep multi-attempt scenarios inside the test budget.
	cfg.Workflow.RetryBackoff = 50 * time.Millisecond
	if tc.mutateWorkflow != nil {
		tc.mutateWorkflow(cfg.Workflow)
	}

	ctx := context.Background()

	// 1. Database, one isolated schema per test.
	dbClient := testdb.NewTestClient(t)

	// 2. Masking and event publishing, wired exactly like production:
	// every persisted event passes the masker, and the stepper registers
	// dispatch secrets before they leave the process.
	maskingService := masking.New(cfg.Masking)
	publisher := events.NewPublisher(dbClient.DB(), events.WithMasker(maskingService))

	// 3. Stores and queues.
	runs := store.NewRunStore(dbClient, publisher)
	workflows := store.NewWorkflowStore(dbClient)
	eventStore := store.NewEventStore(dbClient)
	executorStore := store.NewExecutorStore(dbClient)
	runQueue := queue.New(dbClient, cfg.Queue.RunQueueName)
	contQueue := queue.New(dbClient, cfg.Queue.ContinuationQueueName)

	// 4. Gateway with a live WebSocket surface.
	registry := gateway.NewRegistry()
	router := gateway.NewRouter(registry, executorStore, contQueue, publisher, cfg.Gateway)
	gatewayClient := gateway.NewLocalClient(router)
	srv := gateway.NewServer(cfg.Gateway, dbClient, registry, router, executorStore)

	// 5. Node executors: built-ins plus the agent loop on the scripted LLM.
	connectors := connector.BuiltinRegistry()
	env := connector.DefaultEnv()
	if tc.connectorEnv != nil {
		env = *tc.connectorEnv
	}
	execRegistry := workflow.NewRegistry()
	workflow.RegisterBuiltins(execRegistry, workflow.BuiltinDeps{
		Connectors: connectors,
		Secrets:    tc.secrets,
		Env:        env,
	})
	execRegistry.Register(models.NodeTypeAgentRun, agent.NewLoop(agent.Deps{
		LLM:        tc.llmClient,
		Provider:   "scripted",
		Model:      "scripted-1",
		Connectors: connectors,
		Secrets:    tc.secrets,
		Skills:     skills.NewRegistry(),
		Env:        env,
		Config:     cfg.Agent,
	}))

	// 6. Stepper and continuation handlers.
	stepper := workflow.NewStepper(workflow.StepperParams{
		Runs:          runs,
		Workflows:     workflows,
		Publisher:     publisher,
		Gateway:       gatewayClient,
		Executors:     execRegistry,
		RunQueue:      runQueue,
		Continuations: contQueue,
		Workflow:      cfg.Workflow,
		Queue:         cfg.Queue,
		Scrubber:      maskingService,
	})
	continuations := workflow.NewContinuations(workflow.ContinuationParams{
		Runs:      runs,
		Publisher: publisher,
		Gateway:   gatewayClient,
		RunQueue:  runQueue,
		Workflow:  cfg.Workflow,
	})

	app := &TestApp{
		Config:            cfg,
		DBClient:          dbClient,
		LLM:               tc.llmClient,
		Masking:           maskingService,
		Publisher:         publisher,
		Runs:              runs,
		Workflows:         workflows,
		Events:            eventStore,
		Executors:         executorStore,
		RunQueue:          runQueue,
		ContinuationQueue: contQueue,
		Registry:          registry,
		Router:            router,
		stepHandler:       stepper.Handle,
		contHandler:       continuations.Handle,
		podID:             fmt.Sprintf("e2e-%s", t.Name()),
		t:                 t,
	}

	// 7. Streaming infrastructure: one LISTEN connection fans out to the
	// run event stream and the worker pools.
	app.StreamManager = events.NewStreamManager(eventStore, 5*time.Second)
	app.listener = events.NewListener(util.GetBaseConnectionString(t), app.fanNotification)
	require.NoError(t, app.listener.Start(ctx))
	app.StreamManager.SetListener(app.listener)
	for _, q := range []*queue.Queue{runQueue, contQueue} {
		require.NoError(t, app.listener.Listen(ctx, q.NotifyChannel()))
	}

	// 8. Worker pools.
	app.runPool = queue.NewPool(app.podID, runQueue, cfg.Queue.RunConcurrency, cfg.Queue, app.stepHandler)
	app.contPool = queue.NewPool(app.podID, contQueue, cfg.Queue.ContinuationConcurrency, cfg.Queue, app.contHandler)
	require.NoError(t, app.runPool.Start(ctx))
	require.NoError(t, app.contPool.Start(ctx))

	// 9. Gateway HTTP server on a loopback port.
	srv.SetRunStream(app.StreamManager)
	ts := httptest.NewServer(srv.Handler())
	app.GatewayURL = ts.URL

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		ts.Close()
		app.mu.Lock()
		rp, cp := app.runPool, app.contPool
		app.mu.Unlock()
		rp.Stop()
		cp.Stop()
		app.listener.Stop(context.Background())
		// DB cleanup handled by testdb.NewTestClient.
	})

	return app
}

// fanNotification routes a Postgres NOTIFY to every in-process consumer.
// The pools are read under the lock so a worker restart swaps them without
// racing the listener goroutine.
func (app *TestApp) fanNotification(channel, payload string) {
	app.StreamManager.HandleNotification(channel, payload)
	app.mu.Lock()
	rp, cp := app.runPool, app.contPool
	app.mu.Unlock()
	if rp != nil {
		rp.HandleNotification(channel, payload)
	}
	if cp != nil {
		cp.HandleNotification(channel, payload)
	}
}

// RestartWorkers stops both pools and starts fresh ones under a new pod
// identity, simulating a process restart. Parked runs must survive: their
// state lives in the run row, not in the workers.
func (app *TestApp) RestartWorkers(t *testing.T) {
	t.Helper()
	app.mu.Lock()
	rp, cp := app.runPool, app.contPool
	app.mu.Unlock()
	rp.Stop()
	cp.Stop()

	app.generation++
	podID := fmt.Sprintf("%s-r%d", app.podID, app.generation)
	newRun := queue.NewPool(podID, app.RunQueue, app.Config.Queue.RunConcurrency, app.Config.Queue, app.stepHandler)
	newCont := queue.NewPool(podID, app.ContinuationQueue, app.Config.Queue.ContinuationConcurrency, app.Config.Queue, app.contHandler)
	ctx := context.Background()
	require.NoError(t, newRun.Start(ctx))
	require.NoError(t, newCont.Start(ctx))

	app.mu.Lock()
	app.runPool, app.contPool = newRun, newCont
	app.mu.Unlock()
}
