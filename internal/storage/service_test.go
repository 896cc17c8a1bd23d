package storage_test

import (
	"careline/backend/internal/models"
	"careline/backend/internal/storage"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// Shared by every test in the package, started on first use.
	containersOnce sync.Once
	containersErr  error
	postgresDSN    string
	redisAddr      string
)

// sharedBackends returns the PostgreSQL DSN and Redis address to test against.
// TEST_POSTGRES_DSN and TEST_REDIS_ADDR point at external services (CI);
// otherwise both are started once as testcontainers.
func sharedBackends(t *testing.T) (string, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("storage integration tests need PostgreSQL and Redis")
	}
	containersOnce.Do(func() {
		ctx := context.Background()
		postgresDSN = os.Getenv("TEST_POSTGRES_DSN")
		redisAddr = os.Getenv("TEST_REDIS_ADDR")

		if postgresDSN == "" {
			t.Log("Starting shared PostgreSQL testcontainer")
			pg, err := postgres.Run(ctx,
				"postgres:17-alpine",
				postgres.WithDatabase("careline"),
				postgres.WithUsername("test"),
				postgres.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(30*time.Second)),
			)
			if err != nil {
				containersErr = fmt.Errorf("start postgres container: %w", err)
				return
			}
			if postgresDSN, err = pg.ConnectionString(ctx, "sslmode=disable"); err != nil {
				containersErr = fmt.Errorf("postgres connection string: %w", err)
				return
			}
		}

		if redisAddr == "" {
			t.Log("Starting shared Redis testcontainer")
			rc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
				ContainerRequest: testcontainers.ContainerRequest{
					Image:        "redis:7-alpine",
					ExposedPorts: []string{"6379/tcp"},
					WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
				},
				Started: true,
			})
			if err != nil {
				containersErr = fmt.Errorf("start redis container: %w", err)
				return
			}
			if redisAddr, err = rc.Endpoint(ctx, ""); err != nil {
				containersErr = fmt.Errorf("redis endpoint: %w", err)
				return
			}
		}
	})
	require.NoError(t, containersErr, "failed to set up storage backends")
	return postgresDSN, redisAddr
}

// newTestService opens a Service on a schema of its own, dropped when the
// test ends.
func newTestService(t *testing.T) *storage.Service {
	t.Helper()
	dsn, addr := sharedBackends(t)
	ctx := context.Background()
	schema := schemaName(t)

	admin, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, admin.Exec(fmt.Sprintf("CREATE SCHEMA %s", schema)).Error)

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := gorm.Open(gormpostgres.Open(dsn+sep+"search_path="+schema), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(ctx).Err())

	svc := storage.NewStorageService(db, rdb, zap.NewNop())
	require.NoError(t, svc.AutoMigrate())

	t.Cleanup(func() {
		_ = svc.Close()
		if err := admin.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)).Error; err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
		if sqlDB, err := admin.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return svc
}

func schemaName(t *testing.T) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToLower(t.Name()))
	if len(name) > 40 {
		name = name[:40]
	}
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(b))
}

// accounts returns ids unique to this test, so Redis channels never overlap
// between tests sharing one server.
func accounts(names ...string) []string {
	suffix := uuid.NewString()[:8]
	ids := make([]string, len(names))
	for i, n := range names {
		ids[i] = n + "-" + suffix
	}
	return ids
}

func seed(t *testing.T, svc *storage.Service, id string, role models.Role) {
	t.Helper()
	require.NoError(t, svc.SaveProfile(context.Background(), &models.UserProfile{ID: id, Role: role, Name: id}))
}

func TestService_ConcurrentAcceptsClaimOnce(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	ids := accounts("u", "d1", "d2")
	user, doctors := ids[0], ids[1:]
	seed(t, svc, user, models.RoleUser)
	for _, d := range doctors {
		seed(t, svc, d, models.RoleDoctor)
	}
	_, err := svc.PutChatRequest(ctx, user)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		chats = make([]*models.Chat, len(doctors))
		errs  = make([]error, len(doctors))
	)
	for i, d := range doctors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chats[i], errs[i] = svc.AcceptRequest(ctx, user, d)
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "only one doctor may win the request")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, storage.ErrRequestClaimed)
	}
	require.NotEqual(t, -1, winner, "one doctor must win the request")
	chat := chats[winner]

	p, err := svc.GetProfile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, p.ActiveChatID())
	p, err = svc.GetProfile(ctx, doctors[winner])
	require.NoError(t, err)
	assert.Equal(t, chat.ID, p.ActiveChatID())
	p, err = svc.GetProfile(ctx, doctors[1-winner])
	require.NoError(t, err)
	assert.Nil(t, p.ChatID)

	pending, err := svc.ListPendingRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestService_AcceptRejectsBusyAndWrongRoles(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	ids := accounts("u1", "u2", "d1")
	seed(t, svc, ids[0], models.RoleUser)
	seed(t, svc, ids[1], models.RoleUser)
	seed(t, svc, ids[2], models.RoleDoctor)

	_, err := svc.PutChatRequest(ctx, ids[2])
	assert.ErrorIs(t, err, storage.ErrRoleMismatch, "doctors cannot file requests")

	_, err = svc.PutChatRequest(ctx, ids[0])
	require.NoError(t, err)
	_, err = svc.AcceptRequest(ctx, ids[0], ids[1])
	assert.ErrorIs(t, err, storage.ErrRoleMismatch)

	// the failed claim rolled back, so the request is still there
	req, err := svc.GetChatRequest(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, req.Pending())

	_, err = svc.AcceptRequest(ctx, ids[0], ids[2])
	require.NoError(t, err)
	_, err = svc.PutChatRequest(ctx, ids[0])
	assert.ErrorIs(t, err, storage.ErrAlreadyInChat)
}

func TestService_ResubmitKeepsQueuePosition(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	ids := accounts("u1", "u2")
	for _, id := range ids {
		seed(t, svc, id, models.RoleUser)
	}

	first, err := svc.PutChatRequest(ctx, ids[0])
	require.NoError(t, err)
	_, err = svc.PutChatRequest(ctx, ids[1])
	require.NoError(t, err)
	again, err := svc.PutChatRequest(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, first.CreatedAt.Equal(again.CreatedAt), "re-submission keeps created_at")

	pending, err := svc.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].UserID)
	assert.Equal(t, ids[1], pending[1].UserID)
}

func TestService_EndByFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	ids := accounts("u1", "d1", "d2")
	seed(t, svc, ids[0], models.RoleUser)
	seed(t, svc, ids[1], models.RoleDoctor)
	seed(t, svc, ids[2], models.RoleDoctor)
	_, err := svc.PutChatRequest(ctx, ids[0])
	require.NoError(t, err)
	chat, err := svc.AcceptRequest(ctx, ids[0], ids[1])
	require.NoError(t, err)

	require.NoError(t, svc.AppendMessage(ctx, &models.Message{ChatID: chat.ID, Text: "hello", SenderID: ids[0]}))
	assert.ErrorIs(t, svc.AppendMessage(ctx, &models.Message{ChatID: chat.ID, Text: "hi", SenderID: ids[2]}), storage.ErrNotParticipant)

	ended, err := svc.MarkChatEnded(ctx, chat.ID, ids[1])
	require.NoError(t, err)
	require.NotNil(t, ended.EndedBy)
	require.NotNil(t, ended.EndedAt)

	again, err := svc.MarkChatEnded(ctx, chat.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[1], *again.EndedBy, "the second end leaves the first signal untouched")
	assert.True(t, ended.EndedAt.Equal(*again.EndedAt))

	_, err = svc.MarkChatEnded(ctx, chat.ID, ids[2])
	assert.ErrorIs(t, err, storage.ErrNotParticipant)
	assert.ErrorIs(t, svc.AppendMessage(ctx, &models.Message{ChatID: chat.ID, Text: "late", SenderID: ids[0]}), storage.ErrChatEnded)

	msgs, err := svc.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.False(t, msgs[0].Timestamp.IsZero())

	// ClearChatRef only clears a reference that still points at this chat
	require.NoError(t, svc.ClearChatRef(ctx, ids[0], uuid.NewString()))
	p, err := svc.GetProfile(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, chat.ID, p.ActiveChatID())
	require.NoError(t, svc.ClearChatRef(ctx, ids[0], chat.ID))
	p, err = svc.GetProfile(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, p.ChatID)
}

func TestService_ReconcileDanglingChats(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	ids := accounts("u1", "u2")
	seed(t, svc, ids[0], models.RoleUser)
	seed(t, svc, ids[1], models.RoleUser)
	require.NoError(t, svc.DB.Model(&models.UserProfile{}).
		Where("id = ?", ids[0]).
		Update("chat_id", uuid.NewString()).Error)

	healed, err := svc.ReconcileDanglingChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, healed)

	p, err := svc.GetProfile(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, p.ChatID)

	healed, err = svc.ReconcileDanglingChats(ctx)
	require.NoError(t, err)
	assert.Empty(t, healed)
}

func TestService_WatchProfileFollowsChanges(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	id := accounts("u1")[0]

	got := make(chan *models.UserProfile, 8)
	sub := svc.WatchProfile(id, func(p *models.UserProfile, err error) {
		assert.NoError(t, err)
		got <- p
	})
	defer sub.Cancel()
	assert.Nil(t, next(t, got), "a missing profile is delivered as nil")

	seed(t, svc, id, models.RoleUser)
	p := next(t, got)
	require.NotNil(t, p)
	assert.Equal(t, id, p.Name)

	require.NoError(t, svc.SaveProfile(ctx, &models.UserProfile{ID: id, Role: models.RoleUser, Name: "Renamed"}))
	assert.Eventually(t, func() bool {
		select {
		case p := <-got:
			return p != nil && p.Name == "Renamed"
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedisPresence_CountsConnectionsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	_, addr := sharedBackends(t)
	id := accounts("d1")[0]

	// two presence clients stand in for two server processes
	instances := make([]*storage.RedisPresence, 2)
	for i := range instances {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = rdb.Close() })
		instances[i] = storage.NewRedisPresence(rdb)
	}
	state := func() models.PresenceState {
		st, err := instances[0].GetStatus(ctx, id)
		require.NoError(t, err)
		if st == nil {
			return ""
		}
		return st.State
	}

	require.NoError(t, instances[0].Connect(ctx, id))
	require.NoError(t, instances[1].Connect(ctx, id))
	assert.Equal(t, models.PresenceOnline, state())

	require.NoError(t, instances[0].Disconnect(ctx, id))
	assert.Equal(t, models.PresenceOnline, state(), "the other instance still holds a connection")

	require.NoError(t, instances[1].Disconnect(ctx, id))
	assert.Equal(t, models.PresenceOffline, state())

	// an extra disconnect never drives the count below zero
	require.NoError(t, instances[1].Disconnect(ctx, id))
	require.NoError(t, instances[0].Connect(ctx, id))
	assert.Equal(t, models.PresenceOnline, state())
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero T
	return zero
}
