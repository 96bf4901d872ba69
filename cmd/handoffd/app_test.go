package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jeeves-cluster-organization/handoffkernel/commbus"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	handoffgrpc "github.com/jeeves-cluster-organization/handoffkernel/coreengine/grpc"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/logging"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/natsbus"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const campaignGraphYAML = `
name: campaign
stages:
  - name: brief
    capability: strategy
    deliverables: [{name: brief, format: md}]
    successors: [{to: design}]
  - name: design
    capability: design
    deliverables: [{name: deck, format: pdf}]
    successors: [{to: launch}]
  - name: launch
    capability: strategy
    deliverables: [{name: plan, format: md}]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Store = config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "handoff.db")}
	cfg.Lock.Driver = "redis"
	cfg.Lock.RedisAddr = mr.Addr()
	cfg.NATS = config.NATSConfig{
		Enabled:   true,
		Embedded:  true,
		Host:      "127.0.0.1",
		Port:      natsserver.RANDOM_PORT,
		DataDir:   t.TempDir(),
		Stream:    "HANDOFF_TEST",
		Retention: time.Hour,
	}
	cfg.Agents = []config.AgentSpec{
		{ID: "strategist", Capabilities: []string{"strategy"}, Priority: 1},
		{ID: "designer", Capabilities: []string{"design"}, Priority: 1},
		{ID: "reviewer", Capabilities: []string{"review"}, Priority: 1},
	}
	cfg.Artifacts = []config.ArtifactSpec{
		{ID: "art-brand-book", Type: "document", Name: "Brand book", Location: "s3://brand/book.pdf", Version: "3"},
	}
	cfg.Supervisors = []string{"ops-lead"}
	cfg.Graphs = []*stagegraph.Graph{testutil.CampaignGraph()}
	require.NoError(t, cfg.Validate())
	return cfg
}

type running struct {
	app      *app
	logs     *syncBuffer
	httpURL  string
	grpcAddr string
	cancel   context.CancelFunc
	done     chan error
}

func startApp(t *testing.T) *running {
	t.Helper()
	cfg := testConfig(t)
	logs := &syncBuffer{}
	logger, err := logging.NewWithWriter(config.LoggingConfig{Level: "debug"}, logs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &running{
		app:      a,
		logs:     logs,
		httpURL:  "http://" + httpLis.Addr().String(),
		grpcAddr: grpcLis.Addr().String(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { r.done <- a.run(ctx, grpcLis, httpLis) }()

	t.Cleanup(func() {
		r.stop(t)
	})
	return r
}

func (r *running) stop(t *testing.T) {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Error("servers did not stop")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, r.app.shutdown(ctx))
}

// =============================================================================
// APP TESTS
// =============================================================================

func TestApp_ServesWorkflowOverBothSurfaces(t *testing.T) {
	r := startApp(t)
	ctx := context.Background()

	published := make(chan observability.Record, 64)
	_, err := r.app.nats.SubscribeRecords(natsbus.SubjectFor(observability.EntityWorkflow), func(rec observability.Record) {
		published <- rec
	})
	require.NoError(t, err)
	require.NoError(t, r.app.nats.Flush())

	body, err := json.Marshal(api.StartWorkflowRequest{CampaignID: "camp-1", Graph: "campaign"})
	require.NoError(t, err)
	resp, err := http.Post(r.httpURL+"/api/v1/workflows", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var started api.WorkflowResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	conn, err := grpc.NewClient(r.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := handoffgrpc.NewClient(conn)

	var adv api.AdvanceResponse
	require.NoError(t, client.Call(ctx, handoffgrpc.MethodAdvanceWorkflow,
		map[string]any{"workflow_id": started.Workflow.ID}, &adv))
	require.NotNil(t, adv.Handoff)
	assert.Equal(t, "brief", adv.Handoff.Context.Stage)
	assert.Equal(t, "strategist", adv.Handoff.TargetAgent)

	// The bus answers status queries from the kernel.
	got, err := r.app.bus.QuerySync(ctx, &commbus.GetHandoffStatus{HandoffID: adv.Handoff.ID})
	require.NoError(t, err)
	status, ok := got.(*commbus.HandoffStatusResponse)
	require.True(t, ok)
	assert.True(t, status.Found)
	assert.Equal(t, string(handoff.StateInTransit), status.State)

	for _, component := range []string{"store", "lock", "nats"} {
		got, err := r.app.bus.QuerySync(ctx, &commbus.HealthCheckRequest{Component: component})
		require.NoError(t, err, component)
		health, ok := got.(*commbus.HealthCheckResponse)
		require.True(t, ok)
		assert.Equal(t, commbus.HealthStatusHealthy, health.Status, component)
	}

	// Workflow records reach NATS.
	select {
	case rec := <-published:
		assert.Equal(t, started.Workflow.ID, rec.EntityID)
	case <-time.After(5 * time.Second):
		t.Fatal("no workflow record published")
	}

	// Seeded artifacts resolve through the cache.
	art, err := r.app.artifacts.Resolve(ctx, "art-brand-book")
	require.NoError(t, err)
	assert.Equal(t, "Brand book", art.Name)
}

func TestApp_EscalationNotifiesSupervisors(t *testing.T) {
	r := startApp(t)
	ctx := context.Background()
	k := r.app.kernel

	h, err := k.CreateHandoff(ctx, "strategist", "designer", "", "", "adhoc", testutil.ValidPayload(), 2)
	require.NoError(t, err)
	_, err = testutil.Drive(ctx, k, h.ID, "designer", kernel.EventSubmit, kernel.EventDeliverAck)
	require.NoError(t, err)
	_, out, err := k.TransitionHandoff(ctx, h.ID, kernel.TransitionRequest{
		Event: kernel.EventDecline, Actor: "designer", Note: "brief missing audience",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Exception)

	_, err = k.EscalateException(ctx, out.Exception.ID, "account-lead", "client unreachable")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return strings.Contains(r.logs.String(), "supervisors_notified")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, r.logs.String(), out.Exception.ID)
}

func TestNewApp_FailsOnUnreachableRedis(t *testing.T) {
	cfg := config.Default()
	cfg.Lock.Driver = "redis"
	cfg.Lock.RedisAddr = "127.0.0.1:1"

	_, err := newApp(context.Background(), cfg, logging.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestValidateGraphCmd(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "campaign.yaml")
	require.NoError(t, os.WriteFile(good, []byte(campaignGraphYAML), 0o600))
	bad := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: broken\nstages:\n  - name: a\n    capability: x\n    successors: [{to: nowhere}]\n"), 0o600))

	t.Run("valid", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"validate-graph", good})
		require.NoError(t, cmd.Execute())

		var rep graphReport
		require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
		assert.True(t, rep.Valid)
		assert.Equal(t, "campaign", rep.Name)
		assert.Equal(t, []string{"brief", "design", "launch"}, rep.Order)
		assert.Equal(t, []string{"launch"}, rep.Finals)
	})

	t.Run("invalid", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"validate-graph", good, bad})
		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2")

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		var rep graphReport
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &rep))
		assert.False(t, rep.Valid)
		assert.NotEmpty(t, rep.Error)
	})
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "handoffd "+observability.Version+"\n", out.String())
}
