package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/pipeflow/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewGormStore(db, true, zap.NewNop())
	require.NoError(t, err)
	return store
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, "test:", zap.NewNop())
	require.NoError(t, err)
	return store
}

// 所有后端共用的行为测试
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("save step upserts", func(t *testing.T) {
		s := newStore(t)
		first := &StepCheckpoint{WorkflowID: "wf", StepID: "search", Index: 0, ExecutorID: "a", Status: StepRunning, StartedAt: time.Now().UTC()}
		require.NoError(t, s.SaveStep(ctx, first))

		done := Completed("wf", "search", 0, "a", json.RawMessage(`{"kind":"text","data":"ok"}`), 1.5)
		done.IdempotencyToken = "tok"
		require.NoError(t, s.SaveStep(ctx, done))
		require.NoError(t, s.SaveStep(ctx, done))

		steps, err := s.ListSteps(ctx, "wf")
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, StepCompleted, steps[0].Status)
		assert.Equal(t, "tok", steps[0].IdempotencyToken)
		assert.InDelta(t, 1.5, steps[0].Cost, 1e-9)
		assert.JSONEq(t, `{"kind":"text","data":"ok"}`, string(steps[0].Result))
		assert.NotNil(t, steps[0].CompletedAt)
	})

	t.Run("load completed steps filters by status", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveStep(ctx, Completed("wf", "a", 0, "x", json.RawMessage(`1`), 0)))
		require.NoError(t, s.SaveStep(ctx, Completed("wf", "b", 1, "x", json.RawMessage(`2`), 0)))
		require.NoError(t, s.SaveStep(ctx, &StepCheckpoint{WorkflowID: "wf", StepID: "c", Index: 2, Status: StepFailed, Error: "boom"}))
		require.NoError(t, s.SaveStep(ctx, &StepCheckpoint{WorkflowID: "wf", StepID: "d", Index: 3, Status: StepRunning}))
		require.NoError(t, s.SaveStep(ctx, Completed("other", "a", 0, "x", json.RawMessage(`9`), 0)))

		done, err := s.LoadCompletedSteps(ctx, "wf")
		require.NoError(t, err)
		assert.Len(t, done, 2)
		assert.JSONEq(t, `1`, string(done["a"]))
		assert.JSONEq(t, `2`, string(done["b"]))

		steps, err := s.ListSteps(ctx, "wf")
		require.NoError(t, err)
		require.Len(t, steps, 4)
		assert.Equal(t, []string{"a", "b", "c", "d"}, []string{steps[0].StepID, steps[1].StepID, steps[2].StepID, steps[3].StepID})
		assert.Empty(t, steps[2].Result)
	})

	t.Run("completed step without result is rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.SaveStep(ctx, &StepCheckpoint{WorkflowID: "wf", StepID: "a", Status: StepCompleted})
		assert.True(t, errors.Is(err, ErrInvalidInput))
	})

	t.Run("commit step writes checkpoint and costs together", func(t *testing.T) {
		s := newStore(t)
		cp := Completed("wf", "draft", 0, "writer,editor", json.RawMessage(`{"kind":"text","data":"ok"}`), 0.75)
		cp.IdempotencyToken = "tok-draft"
		costs := []types.CostEntry{
			{WorkflowID: "wf", StepID: "draft", ExecutorID: "writer", Tier: "standard", Cost: 0.5, CreatedAt: time.Now().UTC()},
			{WorkflowID: "wf", StepID: "draft", ExecutorID: "editor", Tier: "premium", Cost: 0.25, CreatedAt: time.Now().UTC()},
		}
		require.NoError(t, s.CommitStep(ctx, cp, costs))

		done, err := s.LoadCompletedSteps(ctx, "wf")
		require.NoError(t, err)
		assert.Contains(t, done, "draft")
		total, err := s.GetCostTotal(ctx, "wf")
		require.NoError(t, err)
		assert.InDelta(t, 0.75, total, 1e-9)

		running := &StepCheckpoint{WorkflowID: "wf", StepID: "x", Status: StepRunning}
		assert.ErrorIs(t, s.CommitStep(ctx, running, nil), ErrInvalidInput)
		foreign := []types.CostEntry{{WorkflowID: "other", StepID: "y", Cost: 1}}
		assert.ErrorIs(t, s.CommitStep(ctx, Completed("wf", "y", 1, "x", json.RawMessage(`1`), 1), foreign), ErrInvalidInput)

		require.NoError(t, s.CommitStep(ctx, Completed("wf", "z", 2, "x", json.RawMessage(`2`), 0), nil))
		total, err = s.GetCostTotal(ctx, "wf")
		require.NoError(t, err)
		assert.InDelta(t, 0.75, total, 1e-9, "rejected commits write nothing")
		done, err = s.LoadCompletedSteps(ctx, "wf")
		require.NoError(t, err)
		assert.Len(t, done, 2)
	})

	t.Run("cost total", func(t *testing.T) {
		s := newStore(t)
		total, err := s.GetCostTotal(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, 0.0, total)

		for _, c := range []float64{1, 2, 0.25} {
			require.NoError(t, s.AppendCost(ctx, types.CostEntry{WorkflowID: "wf", StepID: "s", Cost: c, CreatedAt: time.Now().UTC()}))
		}
		require.NoError(t, s.AppendCost(ctx, types.CostEntry{WorkflowID: "other", StepID: "s", Cost: 100}))

		total, err = s.GetCostTotal(ctx, "wf")
		require.NoError(t, err)
		assert.InDelta(t, 3.25, total, 1e-9)
	})

	t.Run("error reports", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveErrorReport(ctx, "wf", types.StepErrorReport{
				StepID:          "fetch",
				ExecutorID:      "http",
				ErrorType:       types.ErrorTypeTransient,
				Code:            types.ErrTimeout,
				Message:         "timed out",
				RetryCount:      i,
				SuggestedAction: types.ActionRetry,
				CreatedAt:       time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			}))
		}
		reports, err := s.ListErrorReports(ctx, "wf")
		require.NoError(t, err)
		require.Len(t, reports, 3)
		assert.Equal(t, 2, reports[2].RetryCount)
		assert.Equal(t, types.ActionRetry, reports[0].SuggestedAction)
		assert.Equal(t, types.ErrTimeout, reports[0].Code)
	})

	t.Run("instances", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadInstance(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))

		require.NoError(t, s.SaveInstance(ctx, &InstanceRecord{ID: "wf-1", DefinitionID: "d", State: "RUNNING", Snapshot: json.RawMessage(`{"a":1}`)}))
		require.NoError(t, s.SaveInstance(ctx, &InstanceRecord{ID: "wf-1", DefinitionID: "d", State: "COMPLETED", Snapshot: json.RawMessage(`{"a":2}`)}))
		require.NoError(t, s.SaveInstance(ctx, &InstanceRecord{ID: "wf-2", DefinitionID: "d", State: "PENDING", Snapshot: json.RawMessage(`{}`)}))

		rec, err := s.LoadInstance(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "COMPLETED", rec.State)
		assert.JSONEq(t, `{"a":2}`, string(rec.Snapshot))
		assert.False(t, rec.CreatedAt.IsZero())

		all, err := s.ListInstances(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		assert.True(t, errors.Is(s.SaveInstance(ctx, &InstanceRecord{}), ErrInvalidInput))
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestGormStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newSQLiteStore(t) })
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newRedisStore(t) })
}

// 设置 PIPEFLOW_TEST_MONGO_URI 后针对真实 MongoDB 运行，每个子测试使用独立数据库
func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("PIPEFLOW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PIPEFLOW_TEST_MONGO_URI not set")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	runStoreContract(t, func(t *testing.T) Store {
		db := client.Database("pipeflow_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
		t.Cleanup(func() { _ = db.Drop(context.Background()) })
		store, err := New(context.Background(), Config{Backend: BackendMongo, AutoMigrate: true}, Clients{Mongo: db}, zap.NewNop())
		require.NoError(t, err)
		return store
	})
}

func TestMongoStore_Construction(t *testing.T) {
	_, err := NewMongoStore(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Connect 不会立即拨号，不开启 AutoMigrate 时无需服务器
	client, err := mongo.Connect(options.Client().ApplyURI("mongodb://127.0.0.1:1"))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	s, err := New(context.Background(), Config{Backend: BackendMongo}, Clients{Mongo: client.Database("pf")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MongoStore{}, s)
	assert.NoError(t, s.Close())

	err = s.CommitStep(context.Background(), &StepCheckpoint{WorkflowID: "wf", StepID: "a", Status: StepRunning}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput, "validation runs before any network call")

	doc := costDoc(types.CostEntry{WorkflowID: "wf", StepID: "a", ExecutorID: "x", Tier: "premium", InputTokens: 3, OutputTokens: 4, Cost: 0.2})
	assert.Equal(t, "wf", doc["workflow_id"])
	assert.Equal(t, "premium", doc["tier"])
	assert.Equal(t, 0.2, doc["cost"])
}

func TestGormStore_CommitStepUsesTxRunner(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()

	var txCalls int
	tx := func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		txCalls++
		return db.WithContext(ctx).Transaction(fn)
	}
	s, err := New(context.Background(), Config{Backend: BackendDatabase, AutoMigrate: true}, Clients{DB: db, Tx: tx}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	cp := Completed("wf", "a", 0, "x", json.RawMessage(`1`), 1)
	require.NoError(t, s.CommitStep(ctx, cp, []types.CostEntry{{WorkflowID: "wf", StepID: "a", Cost: 1}}))
	assert.Equal(t, 1, txCalls)

	// 事务内失败时检查点和成本都回滚
	failing := func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := fn(tx); err != nil {
				return err
			}
			return errors.New("commit aborted")
		})
	}
	rolled, err := NewGormStore(db, false, zap.NewNop(), WithTxRunner(failing))
	require.NoError(t, err)
	err = rolled.CommitStep(ctx, Completed("wf", "b", 1, "x", json.RawMessage(`2`), 2), []types.CostEntry{{WorkflowID: "wf", StepID: "b", Cost: 2}})
	require.Error(t, err)

	done, err := s.LoadCompletedSteps(ctx, "wf")
	require.NoError(t, err)
	assert.Len(t, done, 1)
	total, err := s.GetCostTotal(ctx, "wf")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
	assert.ErrorIs(t, s.SaveStep(context.Background(), Completed("wf", "a", 0, "x", json.RawMessage(`1`), 0)), ErrStoreClosed)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cp := Completed("wf", "a", 0, "x", json.RawMessage(`"v"`), 0)
	require.NoError(t, s.SaveStep(ctx, cp))
	cp.Result[1] = 'X'

	done, err := s.LoadCompletedSteps(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, `"v"`, string(done["a"]))
}

func TestNew_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{Backend: BackendMemory}, Clients{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(ctx, Config{Backend: BackendDatabase}, Clients{}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = New(ctx, Config{Backend: BackendRedis}, Clients{}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = New(ctx, Config{Backend: BackendMongo}, Clients{}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = New(ctx, Config{Backend: "etcd"}, Clients{}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s, err = New(ctx, Config{Backend: BackendRedis}, Clients{Redis: client}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	assert.Equal(t, "pipeflow:", s.(*RedisStore).keyPrefix)
}

func TestStepCheckpoint_Validate(t *testing.T) {
	assert.Error(t, (*StepCheckpoint)(nil).Validate())
	assert.Error(t, (&StepCheckpoint{StepID: "a", Status: StepRunning}).Validate())
	assert.Error(t, (&StepCheckpoint{WorkflowID: "w", StepID: "a", Status: "weird"}).Validate())
	assert.NoError(t, (&StepCheckpoint{WorkflowID: "w", StepID: "a", Status: StepFailed}).Validate())
}
