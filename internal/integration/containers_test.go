//go:build integration

// Package integration spins up real Postgres, Redis, and Redpanda containers
// and runs the adapters against them. Requires a local Docker daemon:
//
//	go test -tags integration ./internal/integration/
package integration

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/safeguardai/decision-engine/internal/adapter/idempotency"
	"github.com/safeguardai/decision-engine/internal/adapter/queue/redpanda"
	"github.com/safeguardai/decision-engine/internal/adapter/repo/postgres"
	"github.com/safeguardai/decision-engine/internal/adapter/rules"
	"github.com/safeguardai/decision-engine/internal/domain"
)

func startContainer(t *testing.T, req tc.ContainerRequest) tc.Container {
	t.Helper()
	ctx := context.Background()
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	return c
}

func endpoint(t *testing.T, c tc.Container, port nat.Port) string {
	t.Helper()
	ctx := context.Background()
	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return host + ":" + mapped.Port()
}

func sampleEvent(eventID, key string) domain.TransactionEvent {
	return domain.TransactionEvent{
		EventID:        eventID,
		TenantID:       "t1",
		IdempotencyKey: key,
		Amount:         250,
		Currency:       "EUR",
		Timestamp:      time.Now().UTC(),
		Merchant:       domain.Merchant{ID: "m1", MCC: "5411", Country: "DE"},
		Card:           domain.Card{CardID: "c1", UserID: "u1", Type: "physical"},
		Context:        domain.TxContext{Channel: "web"},
		Security:       domain.Security{AuthMethod: "3ds"},
	}
}

func TestPostgresRepos(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pg := startContainer(t, tc.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "fraud"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	})
	dsn := "postgres://postgres:postgres@" + endpoint(t, pg, "5432") + "/fraud?sslmode=disable"

	pool, err := postgres.NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ddl, err := os.ReadFile("../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(ddl))
	require.NoError(t, err)

	events := postgres.NewEventRepo(pool)
	decisions := postgres.NewDecisionRepo(pool)

	ev := sampleEvent("evt-int-1", "k1")
	require.NoError(t, events.Append(ctx, ev))
	require.NoError(t, events.Append(ctx, ev), "replays insert nothing and do not error")

	d := domain.Decision{
		DecisionID: "d-int-1", EventID: ev.EventID, TenantID: ev.TenantID,
		Verdict: domain.VerdictAllow, Score: 0.1, ModelVersion: "gbdt_v1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, decisions.Append(ctx, d))

	got, err := decisions.GetByEvent(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, d.DecisionID, got.DecisionID)

	// the audit trigger rejects mutation
	_, err = pool.Exec(ctx, `UPDATE decisions SET score = 0.9 WHERE decision_id = $1`, d.DecisionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestRedisStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rd := startContainer(t, tc.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	})
	rdb := redis.NewClient(&redis.Options{Addr: endpoint(t, rd, "6379")})
	t.Cleanup(func() { _ = rdb.Close() })
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)

	idem := idempotency.New(rdb)
	res, err := idem.Reserve(ctx, "t1:k1", time.Hour)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationFresh, res.State)
	canonical, err := idem.Finalize(ctx, "t1:k1", "d-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "d-1", canonical)

	vel := rules.NewVelocityStore(rdb, map[string]string{"amount": "sum", "count": "count"}, 200*time.Millisecond)
	now := time.Now()
	require.NoError(t, vel.Record(ctx, "u1", now, map[string]float64{"amount": 120.5, "count": 1}))
	require.NoError(t, vel.Record(ctx, "u1", now, map[string]float64{"amount": 79.5, "count": 1}))

	sum, err := vel.Read(ctx, time.Hour, "u1", "amount")
	require.NoError(t, err)
	assert.InDelta(t, 200.0, sum, 1e-9)
	n, err := vel.Read(ctx, 24*time.Hour, "u1", "count")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, n, 1e-9)
}

func TestRedpandaPublisher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Redpanda advertises a fixed host port so the broker address it hands
	// back to clients is reachable from the test process.
	req := tc.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.3.7",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--overprovisioned", "--smp", "1",
			"--memory", "256M", "--reserve-memory", "0M",
			"--node-id", "0", "--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", "PLAINTEXT://127.0.0.1:19092",
			"--default-log-level=error",
			"--mode", "dev-container",
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(60 * time.Second),
		HostConfigModifier: func(hc *containerTypes.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			hc.PortBindings[nat.Port("9092/tcp")] = []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "19092"},
			}
		},
	}
	startContainer(t, req)
	broker := "localhost:19092"

	pub, err := redpanda.NewPublisher(slog.Default(), []string{broker}, "decision_events", "case_events", 64)
	require.NoError(t, err)
	t.Cleanup(pub.Close)

	d := domain.Decision{
		DecisionID: "d-int-2", EventID: "evt-int-2", TenantID: "t1",
		Verdict: domain.VerdictDeny, Score: 0.95, RuleHits: []string{"r1"},
		Reasons: []string{"gambling mcc"}, ModelVersion: "gbdt_v1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, pub.PublishDecision(ctx, d))
	require.NoError(t, pub.PublishCase(ctx, d))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics("decision_events", "case_events"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		fetches := consumer.PollFetches(fctx)
		fetches.EachRecord(func(r *kgo.Record) { seen[r.Topic] = true })
		return seen["decision_events"] && seen["case_events"]
	}, 30*time.Second, time.Second)
}
