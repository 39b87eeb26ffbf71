package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentdesk/conductor/pkg/approval"
	"github.com/agentdesk/conductor/pkg/phase"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// connString returns a Postgres connection string for integration tests.
// CI provides an external database via CI_DATABASE_URL; local runs share one
// testcontainer across the package.
func connString(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("conductor_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

func openTestStore(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, PostgresConfig{URL: connString(t), MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() {
		// Shared database: clear tables rather than dropping the schema.
		_, _ = p.db.ExecContext(context.Background(),
			`TRUNCATE sessions, approval_rules, settings`)
		_ = p.Close()
	})
	return p
}

func TestPostgresSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := openTestStore(t)

	rec := sampleRecord("pg-s1", time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, p.SaveSession(ctx, rec))

	got, err := p.GetSession(ctx, "pg-s1")
	require.NoError(t, err)
	assert.Equal(t, rec.Prompt, got.Prompt)
	assert.Equal(t, rec.Driver, got.Driver)
	require.Len(t, got.Transcript, 1)
	assert.Equal(t, "go", got.Transcript[0].Content)
	assert.True(t, got.CompletedAt.IsZero())

	// Upsert: phase change and completion stamp persist.
	rec.Phase = phase.Completed
	rec.CompletedAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, p.SaveSession(ctx, rec))

	got, err = p.GetSession(ctx, "pg-s1")
	require.NoError(t, err)
	assert.Equal(t, phase.Completed, got.Phase)
	assert.False(t, got.CompletedAt.IsZero())

	_, err = p.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresListAndDelete(t *testing.T) {
	ctx := context.Background()
	p := openTestStore(t)
	base := time.Now().UTC()

	require.NoError(t, p.SaveSession(ctx, sampleRecord("pg-old", base.Add(-time.Hour))))
	require.NoError(t, p.SaveSession(ctx, sampleRecord("pg-new", base)))

	list, err := p.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "pg-new", list[0].ID)
	assert.Equal(t, 1, list[0].MessageCount)

	require.NoError(t, p.DeleteSession(ctx, "pg-old"))
	assert.ErrorIs(t, p.DeleteSession(ctx, "pg-old"), ErrNotFound)
}

func TestPostgresRulesPersistAcrossOpens(t *testing.T) {
	ctx := context.Background()
	p := openTestStore(t)

	rule := approval.Rule{
		Pattern:   "fs(*)",
		Approved:  true,
		Scope:     approval.ScopeGlobal,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, p.SaveRule(ctx, rule))

	// A second store over the same database sees the rule.
	p2, err := NewPostgres(ctx, PostgresConfig{URL: connString(t)})
	require.NoError(t, err)
	defer p2.Close()

	rules, err := p2.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "fs(*)", rules[0].Pattern)
	assert.True(t, rules[0].Approved)

	// Upsert flips the decision without duplicating the row.
	rule.Approved = false
	require.NoError(t, p.SaveRule(ctx, rule))
	rules, err = p.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Approved)
}

func TestPostgresSettings(t *testing.T) {
	ctx := context.Background()
	p := openTestStore(t)

	_, err := p.GetSetting(ctx, "office.objective")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.SetSetting(ctx, "office.objective", "keep CI green"))
	require.NoError(t, p.SetSetting(ctx, "office.objective", "ship the release"))

	v, err := p.GetSetting(ctx, "office.objective")
	require.NoError(t, err)
	assert.Equal(t, "ship the release", v)
}
