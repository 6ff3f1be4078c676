package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/cli/config"
	"github.com/AshkanYarmoradi/go-locus/logging"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Database.URL = ""
	return cfg
}

func quietLogger() RuntimeOption {
	return WithRuntimeLogger(logging.NewFromZap(zap.NewNop()))
}

func newTestRuntime(t *testing.T, cfg *config.Config, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background(), cfg, append([]RuntimeOption{quietLogger()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// newTestApp shares one memory runtime across every command run.
func newTestApp(t *testing.T) (*app, *Runtime) {
	t.Helper()
	rt := newTestRuntime(t, memoryConfig())
	return &app{
		open: func(context.Context) (*Runtime, func(), error) {
			return rt, func() {}, nil
		},
	}, rt
}

func run(a *app, args ...string) (string, error) {
	root := newRootCommand(a)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, a *app, args ...string) string {
	t.Helper()
	out, err := run(a, args...)
	require.NoError(t, err, out)
	return out
}

func TestDefineAndShow(t *testing.T) {
	a, _ := newTestApp(t)

	out := mustRun(t, a, "define", "Campus", "--type", "logical", "--id", "campus")
	assert.Contains(t, out, "Defined campus (version 1)")

	out = mustRun(t, a, "define", "Building A", "--id", "bldg-a",
		"--street", "1 Main St", "--locality", "Berlin", "--region", "BE",
		"--postal-code", "10115", "--country", "de",
		"--parent", "campus", "--reason", "opened")
	assert.Contains(t, out, "Defined bldg-a")

	out = mustRun(t, a, "show", "bldg-a")
	assert.Contains(t, out, "Building A")
	assert.Contains(t, out, "Physical")
	assert.Contains(t, out, "campus")
	assert.Contains(t, out, "Berlin")
	assert.Contains(t, out, "active")
}

func TestDefine_GeneratesID(t *testing.T) {
	a, rt := newTestApp(t)

	out := mustRun(t, a, "define", "Storefront", "--type", "virtual", "--url", "https://shop.example.com")
	assert.Contains(t, out, "Defined ")

	res, err := rt.Dispatch(context.Background(), locus.DefineLocation{
		Name:         "Other",
		LocationType: locus.Logical,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AggregateID)
}

func TestDefine_Errors(t *testing.T) {
	a, _ := newTestApp(t)

	tests := []struct {
		name string
		args []string
		want error
		msg  string
	}{
		{"missing name", []string{"define"}, nil, "name is required"},
		{"unknown type", []string{"define", "X", "--type", "planet"}, locus.ErrValidationFailed, ""},
		{"physical without site", []string{"define", "X", "--type", "physical"}, nil, ""},
		{"lat without lon", []string{"define", "X", "--lat", "52.5"}, nil, "--lat and --lon"},
		{"unknown parent", []string{"define", "X", "--type", "logical", "--parent", "nowhere"}, locus.ErrNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(a, tt.args...)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.msg != "" {
				assert.ErrorContains(t, err, tt.msg)
			}
		})
	}
}

func TestHierarchyCommands(t *testing.T) {
	a, _ := newTestApp(t)
	mustRun(t, a, "define", "Site", "--type", "logical", "--id", "site")
	mustRun(t, a, "define", "Floor", "--type", "logical", "--id", "floor", "--parent", "site")
	mustRun(t, a, "define", "Room", "--type", "logical", "--id", "room", "--parent", "floor")

	out := mustRun(t, a, "ancestors", "room")
	assert.Contains(t, out, "site")
	assert.Contains(t, out, "floor")
	assert.Contains(t, out, "depth 2 of 10")

	_, err := run(a, "set-parent", "site", "room")
	assert.ErrorIs(t, err, locus.ErrCycleDetected)

	out = mustRun(t, a, "remove-parent", "room")
	assert.Contains(t, out, "Detached room (version 2)")

	out = mustRun(t, a, "set-parent", "room", "site")
	assert.Contains(t, out, "Re-parented room (version 3)")

	_, err = run(a, "remove-parent", "site")
	assert.ErrorIs(t, err, locus.ErrNoOpRejected)
}

func TestReparent(t *testing.T) {
	a, rt := newTestApp(t)
	for _, id := range []string{"a", "b", "c"} {
		mustRun(t, a, "define", id, "--type", "logical", "--id", id)
	}

	out := mustRun(t, a, "reparent", "b=a", "c=b")
	assert.Contains(t, out, "Moved 2 location(s)")
	assert.Contains(t, out, "version 2")

	depth, err := rt.Guard.Depth(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	_, err = run(a, "reparent", "a=c")
	assert.ErrorIs(t, err, locus.ErrCycleDetected)

	_, err = run(a, "reparent", "nonsense")
	assert.ErrorContains(t, err, "expected CHILD=PARENT")
}

func TestParseMoves(t *testing.T) {
	moves, err := parseMoves([]string{"room=floor", "kiosk="})
	require.NoError(t, err)
	assert.Equal(t, []locus.ParentMove{
		{ChildID: "room", ParentID: "floor"},
		{ChildID: "kiosk", ParentID: ""},
	}, moves)

	_, err = parseMoves([]string{"=floor"})
	assert.Error(t, err)
}

func TestUpdateMetadataArchive(t *testing.T) {
	a, _ := newTestApp(t)
	mustRun(t, a, "define", "Depot", "--id", "depot", "--lat", "51.92", "--lon", "4.48")

	out := mustRun(t, a, "update", "depot", "--name", "North Depot")
	assert.Contains(t, out, "Updated depot (version 2)")

	_, err := run(a, "update", "depot", "--name", "North Depot")
	assert.ErrorIs(t, err, locus.ErrNoOpRejected)

	mustRun(t, a, "metadata", "depot", "dock-count", "4")

	out = mustRun(t, a, "show", "depot", "--json")
	var state locus.LocationState
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, "North Depot", state.Name)
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, "4", state.Metadata["dock-count"])
	require.NotNil(t, state.Coordinates)
	assert.InDelta(t, 51.92, state.Coordinates.Latitude, 1e-9)

	out = mustRun(t, a, "show", "depot", "--at", "1")
	assert.Contains(t, out, "Depot")
	assert.NotContains(t, out, "North Depot")

	out = mustRun(t, a, "archive", "depot", "--reason", "closed")
	assert.Contains(t, out, "Archived depot (version 4)")
	assert.Contains(t, mustRun(t, a, "show", "depot"), "archived")

	_, err = run(a, "metadata", "depot", "k", "v")
	assert.ErrorIs(t, err, locus.ErrTerminalStateViolation)
}

func TestHistory(t *testing.T) {
	a, _ := newTestApp(t)
	mustRun(t, a, "define", "Hub", "--type", "logical", "--id", "hub")
	mustRun(t, a, "metadata", "hub", "owner", "ops")

	out := mustRun(t, a, "history", "hub")
	assert.Contains(t, out, "LocationDefined")
	assert.Contains(t, out, "LocationMetadataAdded")
	assert.Contains(t, out, "2 events")

	out = mustRun(t, a, "history", "hub", "--json")
	var envelopes []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &envelopes))
	require.Len(t, envelopes, 2)
	assert.Equal(t, "LocationDefined", envelopes[0]["type"])

	_, err := run(a, "history", "missing")
	assert.ErrorIs(t, err, locus.ErrNotFound)
}

func TestSnapshotRebuild(t *testing.T) {
	a, _ := newTestApp(t)
	mustRun(t, a, "define", "Hub", "--type", "logical", "--id", "hub")

	out := mustRun(t, a, "snapshot", "rebuild", "hub")
	assert.Contains(t, out, "hub at version 1")

	out, err := run(a, "snapshot", "rebuild", "hub", "ghost")
	assert.ErrorContains(t, err, "failed to rebuild ghost")
	assert.Contains(t, out, "[2/2]")
}

func TestBrowse(t *testing.T) {
	a, rt := newTestApp(t)
	ctx := context.Background()

	for _, cmd := range []locus.Command{
		locus.DefineLocation{LocationID: "campus", Name: "Campus", LocationType: locus.Logical},
		locus.DefineLocation{LocationID: "library", Name: "Library", LocationType: locus.Logical, ParentID: "campus"},
		locus.DefineLocation{LocationID: "lab", Name: "Lab", LocationType: locus.Logical, ParentID: "campus"},
		locus.DefineLocation{LocationID: "room-1", Name: "Reading room", LocationType: locus.Logical, ParentID: "library"},
		locus.DefineLocation{LocationID: "depot", Name: "Old depot", LocationType: locus.Logical},
		locus.AddLocationMetadata{LocationID: "lab", Key: "wing", Value: "east"},
		locus.ArchiveLocation{LocationID: "depot"},
	} {
		_, err := rt.Dispatch(ctx, cmd)
		require.NoError(t, err, cmd.CommandType())
	}

	out := mustRun(t, a, "list")
	assert.Contains(t, out, "Reading room")
	assert.NotContains(t, out, "Old depot")
	assert.Contains(t, out, "4 locations")

	out = mustRun(t, a, "list", "--archived", "--name", "DEPOT")
	assert.Contains(t, out, "Old depot")
	assert.Contains(t, out, "1 location")

	out = mustRun(t, a, "list", "--json", "--meta", "wing=east")
	var found []locus.LocationState
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "lab", found[0].ID)

	_, err := run(a, "list", "--meta", "wing")
	assert.ErrorContains(t, err, "expected key=value")

	out = mustRun(t, a, "children", "campus", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 2)
	assert.Equal(t, "lab", found[0].ID)
	assert.Equal(t, "library", found[1].ID)

	_, err = run(a, "children", "nowhere")
	assert.ErrorIs(t, err, locus.ErrNotFound)

	out = mustRun(t, a, "tree", "campus", "--json")
	var nodes []locus.HierarchyNode
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 1)
	require.Len(t, nodes[0].Children, 2)
	assert.Equal(t, "room-1", nodes[0].Children[1].Children[0].Location.ID)
	assert.Equal(t, 2, nodes[0].Children[1].Children[0].Depth)

	out = mustRun(t, a, "tree")
	assert.Contains(t, out, "Reading room (room-1)")
	assert.NotContains(t, out, "depot")

	out = mustRun(t, a, "stats", "--json")
	var stats locus.LocationStatistics
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.Active)
	assert.Equal(t, 1, stats.Archived)
	assert.Equal(t, map[locus.LocationType]int{locus.Logical: 4}, stats.ByType)
}

func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, cfg.Save(dir))
	return filepath.Join(dir, config.ConfigFileName)
}

func TestDiagnose(t *testing.T) {
	a, _ := newTestApp(t)
	a.configPath = writeConfig(t, memoryConfig())

	out := mustRun(t, a, "diagnose")
	assert.Contains(t, out, "Using in-memory driver")
	assert.Contains(t, out, "Stored with events")
	assert.Contains(t, out, "All checks passed")
}

func TestConfigFlag(t *testing.T) {
	a, _ := newTestApp(t)
	path := writeConfig(t, memoryConfig())

	out := mustRun(t, a, "--config", path, "diagnose")
	assert.Contains(t, out, "Using in-memory driver")

	cfg, dir, err := a.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, filepath.Dir(path), dir)

	// A path set before the command tree is built survives flag parsing.
	preset := &app{configPath: path, open: a.open}
	newRootCommand(preset)
	assert.Equal(t, path, preset.configPath)
}

func TestDiagnose_NoConfig(t *testing.T) {
	a, _ := newTestApp(t)
	a.configPath = filepath.Join(t.TempDir(), config.ConfigFileName)

	out := mustRun(t, a, "diagnose")
	assert.Contains(t, out, "Skipped (no configuration)")
	assert.Contains(t, out, "locus init")
}

func TestInit_NonInteractive(t *testing.T) {
	a, _ := newTestApp(t)
	dir := filepath.Join(t.TempDir(), "svc")

	out := mustRun(t, a, "init", dir, "--non-interactive", "--driver", "memory", "--name", "inventory")
	assert.Contains(t, out, "Created locus.yaml")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "inventory", cfg.Service.Name)
	assert.Equal(t, "memory", cfg.Database.Driver)

	out = mustRun(t, a, "init", dir, "--non-interactive")
	assert.Contains(t, out, "already exists")
}

func TestInit_InvalidFlags(t *testing.T) {
	a, _ := newTestApp(t)
	_, err := run(a, "init", t.TempDir(), "--non-interactive", "--driver", "mysql")
	assert.ErrorContains(t, err, "database.driver")
}

func TestMigrate_Memory(t *testing.T) {
	a, _ := newTestApp(t)
	a.configPath = writeConfig(t, memoryConfig())

	out := mustRun(t, a, "migrate")
	assert.Contains(t, out, "doesn't require migrations")
}

func TestVersion(t *testing.T) {
	a, _ := newTestApp(t)
	out := mustRun(t, a, "version")
	assert.Contains(t, out, "Version")
	assert.Contains(t, out, "dev")
}

func TestOpenRuntime_InvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Hierarchy.MaxDepth = 0

	a := &app{configPath: writeConfig(t, cfg)}
	_, _, err := a.openRuntime(context.Background())
	assert.ErrorContains(t, err, "hierarchy.max_depth")
}

func TestNewRuntime_Errors(t *testing.T) {
	t.Run("postgres without url", func(t *testing.T) {
		cfg := config.DefaultConfig()
		_, err := NewRuntime(context.Background(), cfg, quietLogger())
		assert.ErrorContains(t, err, "database url is not set")
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Database.Driver = "sqlite"
		_, err := NewRuntime(context.Background(), cfg, quietLogger())
		assert.ErrorContains(t, err, "unsupported database driver")
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Snapshots.Store = "redis"
		cfg.Snapshots.RedisURL = "redis://127.0.0.1:1/0"
		_, err := NewRuntime(context.Background(), cfg, quietLogger())
		assert.ErrorContains(t, err, "redis")
	})
}

func TestRuntime_SnapshotsDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Snapshots.Store = "none"
	rt := newTestRuntime(t, cfg)

	assert.Nil(t, rt.Snapshots)
	_, err := rt.Repo.RebuildSnapshot(context.Background(), "x")
	assert.ErrorContains(t, err, "not enabled")
}

func TestRuntime_RedisSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := memoryConfig()
	cfg.Snapshots.Store = "redis"
	cfg.Snapshots.RedisURL = "redis://" + mr.Addr()
	cfg.Snapshots.Frequency = 1
	cfg.Snapshots.Codec = "msgpack"
	rt := newTestRuntime(t, cfg)

	health := rt.HealthCheck(context.Background())
	assert.NoError(t, health["event log"])
	assert.NoError(t, health["snapshot store"])

	ctx := context.Background()
	_, err := rt.Dispatch(ctx, locus.DefineLocation{LocationID: "hq", Name: "HQ", LocationType: locus.Logical})
	require.NoError(t, err)

	snap, err := rt.Repo.RebuildSnapshot(ctx, "hq")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.NotEmpty(t, mr.Keys())
}

func TestRuntime_WebhookPublishing(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := memoryConfig()
	cfg.Publishing.WebhookURL = srv.URL
	rt, err := NewRuntime(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), locus.DefineLocation{LocationID: "hq", Name: "HQ", LocationType: locus.Logical})
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "LocationDefined")
}

type recordingSNS struct {
	mu     sync.Mutex
	inputs []*awssns.PublishInput
}

func (r *recordingSNS) Publish(_ context.Context, in *awssns.PublishInput, _ ...func(*awssns.Options)) (*awssns.PublishOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	return &awssns.PublishOutput{MessageId: aws.String("1")}, nil
}

func TestRuntime_SNSPublishing(t *testing.T) {
	const arn = "arn:aws:sns:eu-central-1:123456789012:locations.fifo"
	client := &recordingSNS{}

	cfg := memoryConfig()
	cfg.Publishing.SNSTopicARN = arn
	rt, err := NewRuntime(context.Background(), cfg, quietLogger(), WithSNSClient(client))
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), locus.DefineLocation{LocationID: "hq", Name: "HQ", LocationType: locus.Logical})
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.inputs, 1)
	assert.Equal(t, arn, aws.ToString(client.inputs[0].TopicArn))
	assert.Equal(t, "hq", aws.ToString(client.inputs[0].MessageGroupId))
}

func TestNewSNSClient_Region(t *testing.T) {
	t.Setenv("AWS_REGION", "")

	client, err := newSNSClient("arn:aws:sns:ap-south-1:123456789012:locations")
	require.NoError(t, err)
	assert.Equal(t, "ap-south-1", client.Options().Region)

	_, err = newSNSClient("not-an-arn")
	assert.Error(t, err)
}

func TestRuntime_StdoutTracing(t *testing.T) {
	var traces bytes.Buffer

	cfg := memoryConfig()
	cfg.Telemetry.TraceStdout = true
	rt, err := NewRuntime(context.Background(), cfg, quietLogger(), WithTraceOutput(&traces))
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), locus.DefineLocation{LocationID: "hq", Name: "HQ", LocationType: locus.Logical})
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	assert.Contains(t, traces.String(), "DefineLocation")
}

func TestRuntime_Metrics(t *testing.T) {
	rt := newTestRuntime(t, memoryConfig())

	_, err := rt.Dispatch(context.Background(), locus.DefineLocation{LocationID: "hq", Name: "HQ", LocationType: locus.Logical})
	require.NoError(t, err)

	families, err := rt.Registry.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "locus_commands_total")
}

func TestLoadConfig_Search(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, memoryConfig().Save(dir))
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, found, err := (&app{}).loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, dir, found)
}
