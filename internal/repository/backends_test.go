package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

func TestGormRepo(t *testing.T) {
	runConformance(t, func(t *testing.T) Repository {
		repo, err := OpenSQLite(":memory:")
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

// TestMySQLRepo needs a scratch database, e.g.
// CORDGUARD_TEST_MYSQL_DSN="root:pw@tcp(127.0.0.1:3306)/cg_test?parseTime=true&clientFoundRows=true".
func TestMySQLRepo(t *testing.T) {
	dsn := os.Getenv("CORDGUARD_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CORDGUARD_TEST_MYSQL_DSN not set")
	}

	runConformance(t, func(t *testing.T) Repository {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		ctx := context.Background()
		for _, table := range []string{"files", "analyses", "workers", "missions", "results"} {
			if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				t.Fatalf("drop %s: %v", table, err)
			}
		}
		if err := Migrate(ctx, db); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		repo, err := NewMySQLRepo(db)
		if err != nil {
			t.Fatalf("NewMySQLRepo: %v", err)
		}
		t.Cleanup(func() {
			repo.Close()
			db.Close()
		})
		return repo
	})
}

func TestRedisRepo(t *testing.T) {
	addr := os.Getenv("CORDGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CORDGUARD_TEST_REDIS_ADDR not set")
	}

	runConformance(t, func(t *testing.T) Repository {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		prefix := "cgtest-" + uuid.NewString()
		t.Cleanup(func() {
			ctx := context.Background()
			iter := rdb.Scan(ctx, 0, prefix+":*", 100).Iterator()
			for iter.Next(ctx) {
				rdb.Del(ctx, iter.Val())
			}
			rdb.Close()
		})
		return NewRedisRepo(rdb, prefix)
	})
}
