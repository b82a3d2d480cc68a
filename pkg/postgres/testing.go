package postgres

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/itamittech/documentsearch/pkg/config"
)

// SkipIfUnavailable connects to the test database described by TEST_POSTGRES_*
// variables, or skips the test when it cannot.
func SkipIfUnavailable(t testing.TB) *Client {
	t.Helper()
	db, err := New(TestConfig())
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestConfig returns connection settings for the test database.
func TestConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "documentsearch_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "documentsearch"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
