package observability

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestHealthChecker_Check(t *testing.T) {
	db := testDB(t)
	_, client := testRedis(t)
	checker := NewHealthChecker(db, client)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)
}

func TestHealthChecker_DatabaseDownIsUnhealthy(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Close())
	checker := NewHealthChecker(db, nil)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["database"].Status)
	assert.NotEmpty(t, status.Dependencies["database"].Message)
}

func TestHealthChecker_RedisDownOnlyDegrades(t *testing.T) {
	db := testDB(t)
	mr, client := testRedis(t)
	mr.Close()
	checker := NewHealthChecker(db, client)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
}

func TestHealthChecker_NilRedisIsSkipped(t *testing.T) {
	checker := NewHealthChecker(testDB(t), nil)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Contains(t, status.Dependencies, "database")
	assert.NotContains(t, status.Dependencies, "redis")
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		checker := NewHealthChecker(testDB(t), nil)
		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest("GET", "/readyz", nil))
		assert.Equal(t, 200, rec.Code)
		assert.Contains(t, rec.Body.String(), StatusHealthy)
	})

	t.Run("unhealthy database returns 503", func(t *testing.T) {
		db := testDB(t)
		require.NoError(t, db.Close())
		checker := NewHealthChecker(db, nil)
		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest("GET", "/readyz", nil))
		assert.Equal(t, 503, rec.Code)
	})

	t.Run("degraded cache still ready", func(t *testing.T) {
		db := testDB(t)
		mr, client := testRedis(t)
		mr.Close()
		checker := NewHealthChecker(db, client)
		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest("GET", "/readyz", nil))
		assert.Equal(t, 200, rec.Code)
		assert.Contains(t, rec.Body.String(), StatusDegraded)
	})
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	rec := httptest.NewRecorder()
	checker.Liveness(rec, httptest.NewRequest("GET", "/livez", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), StatusHealthy)
}
