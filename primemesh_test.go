package primemesh

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/internal/testutil"
	"github.com/hupe1980/primemesh/runner"
	"github.com/hupe1980/primemesh/team"
)

// recordingLogger keeps error messages for assertions.
type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Warn(string, ...any)  {}
func (l *recordingLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprint(append([]any{msg}, args...)...))
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func TestPrimeMesh_DeleteCascade(t *testing.T) {
	m := New(func(o *Options) { o.Clock = testutil.FixedClock })
	ctx := context.Background()

	a, err := m.Agents().Create(ctx, testutil.NewAgentBuilder("a").Spec())
	require.NoError(t, err)
	b, err := m.Agents().Create(ctx, testutil.NewAgentBuilder("b").Primes(7, 11).Spec())
	require.NoError(t, err)

	tm, err := m.Teams().Create(ctx, core.TeamSpec{Name: "pair", Members: []string{a.ID, b.ID}})
	require.NoError(t, err)
	_, err = m.Teams().SummonTeam(ctx, tm.ID, team.SummonOptions{Layers: []string{"perception"}})
	require.NoError(t, err)

	h, err := m.Runner().Start(ctx, a.ID, runner.StartOptions{
		Observations: []core.Observation{testutil.Obs("loop")},
		MaxSteps:     10,
		Interval:     time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, m.Agents().Delete(ctx, a.ID))

	v, err := m.Runner().GetRunStatus(h.RunID)
	require.NoError(t, err)
	assert.True(t, v.Status.Terminal())

	got, err := m.Teams().Get(tm.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, got.Members)

	_, err = m.Agents().Get(a.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	st := m.Status()
	assert.Equal(t, 1, st.Agents.Agents)
	assert.Equal(t, 1, st.Teams)
	assert.Zero(t, st.Runs.ActiveRuns)

	require.NoError(t, m.Shutdown(ctx))
}

func TestPrimeMesh_LogsEngineErrors(t *testing.T) {
	logger := &recordingLogger{}
	m := New(func(o *Options) { o.Logger = logger })
	ctx := context.Background()

	a, err := m.Agents().Create(ctx, testutil.NewAgentBuilder("a").Spec())
	require.NoError(t, err)

	_, err = m.Agents().Summon(a.ID, "planning")
	require.ErrorIs(t, err, core.ErrDependency)
	assert.Equal(t, 1, logger.count())
}

func TestNewFromEnv_RestoresState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mesh.db")
	t.Setenv(EnvSQLitePath, dbPath)
	t.Setenv(EnvRedisURL, "")
	t.Setenv(EnvCatalogPath, "")
	t.Setenv(EnvMaxRuns, "2")
	t.Setenv(EnvLogLevel, "error")
	ctx := context.Background()

	m, err := NewFromEnv(ctx)
	require.NoError(t, err)

	a, err := m.Agents().CreateFromTemplate(ctx, "scout", "s1")
	require.NoError(t, err)
	_, err = m.Agents().Step(ctx, a.ID, testutil.Obs("remember me"), nil)
	require.NoError(t, err)
	tm, err := m.Teams().Create(ctx, core.TeamSpec{Name: "solo", Members: []string{a.ID}})
	require.NoError(t, err)

	h, err := m.Runner().Start(ctx, a.ID, runner.StartOptions{
		Observations: []core.Observation{testutil.Obs("x")},
		MaxSteps:     2,
	})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = m.Runner().Wait(waitCtx, h.RunID)
	require.NoError(t, err)

	before, err := m.Agents().GetState(a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), before.Epoch)
	assert.Equal(t, 2, m.Runner().GetTelemetry().Capacity)

	require.NoError(t, m.Shutdown(ctx))

	m2, err := NewFromEnv(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, m2.Shutdown(ctx)) }()

	after, err := m2.Agents().GetState(a.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Epoch, after.Epoch)
	assert.Equal(t, before.Quaternion, after.Quaternion)
	assert.Equal(t, before.BodyHash, after.BodyHash)

	got, err := m2.Teams().Get(tm.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, got.Members)

	run, err := m2.Runner().GetRunStatus(h.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, run.Status)
	assert.Equal(t, 2, run.StepCount)
}

func TestNewFromEnv_BadCatalog(t *testing.T) {
	t.Setenv(EnvSQLitePath, "")
	t.Setenv(EnvRedisURL, "")
	t.Setenv(EnvCatalogPath, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := NewFromEnv(context.Background())
	require.Error(t, err)
}
