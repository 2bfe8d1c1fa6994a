package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"wfbase/wfetl/internal/fetch"
	"wfbase/wfetl/internal/interchange"
	"wfbase/wfetl/internal/normalize"
	"wfbase/wfetl/internal/synth"
)

const (
	warframesBody = `[
		{"uniqueName":"/Lotus/Powersuits/Excalibur/Excalibur","name":"Excalibur","category":"Warframes","health":270,"shield":270,"armor":225,"power":100,"sprint":1.0},
		{"uniqueName":"/Lotus/Powersuits/Excalibur/ExcaliburHelmet","name":"Excalibur Helmet","category":"Warframes"}
	]`
	weaponsBody = `[{"uniqueName":"/Lotus/Weapons/Braton","name":"Braton","category":"Primary","masteryReq":0}]`
	modsBody    = `[{"uniqueName":"/Lotus/Upgrades/Mods/Serration","name":"Serration","category":"Mods","type":"Rifle Mod","polarity":"madurai","fusionLimit":10}]`
	itemsBody   = `[
		{"uniqueName":"/Lotus/Arcanes/Energize","name":"Arcane Energize","category":"Arcanes","type":"Arcane","levelStats":[{},{},{},{},{},{}]},
		{"uniqueName":"/Lotus/Weapons/Braton","name":"Braton","category":"Primary"},
		{"uniqueName":"/Lotus/Resources/Ferrite","name":"Ferrite","category":"Resources"}
	]`
)

type apiServer struct {
	*httptest.Server
	mu     sync.Mutex
	calls  map[string]int
	failOn string
}

func newAPIServer(t *testing.T, failOn string) *apiServer {
	t.Helper()
	s := &apiServer{calls: make(map[string]int), failOn: failOn}
	bodies := map[string]string{
		"/warframes": warframesBody,
		"/weapons":   weaponsBody,
		"/mods":      modsBody,
		"/items":     itemsBody,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		s.mu.Unlock()
		if r.URL.Path == "/"+s.failOn {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) callCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

type fixture struct {
	dir      string
	opts     Options
	logs     *observer.ObservedLogs
	logger   *zap.Logger
	metrics  *Metrics
	fetcher  *fetch.Fetcher
	server   *apiServer
	observed []State
}

func newFixture(t *testing.T, failOn string) *fixture {
	t.Helper()
	dir := t.TempDir()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	server := newAPIServer(t, failOn)
	metrics := NewMetrics()

	f := fetch.New(fetch.Options{BaseURL: server.URL, Attempts: 3, RetryDelay: 0}, logger)
	f.OnAttempt = metrics.ObserveAttempt

	return &fixture{
		dir: dir,
		opts: Options{
			Area: interchange.Area{
				RawDir:       filepath.Join(dir, "Raw"),
				ProcessedDir: filepath.Join(dir, "Processed"),
			},
			OutputFile: filepath.Join(dir, "load_data.sql"),
			StateFile:  filepath.Join(dir, "run-state.json"),
			Dialect:    synth.MSSQL,
		},
		logs:    logs,
		logger:  logger,
		metrics: metrics,
		fetcher: f,
		server:  server,
	}
}

func (fx *fixture) pipeline() *Pipeline {
	p := New(fx.fetcher, fx.opts, fx.logger, fx.metrics)
	p.OnTransition = func(_, to State) { fx.observed = append(fx.observed, to) }
	return p
}

func TestRun_BratonScenario(t *testing.T) {
	fx := newFixture(t, "")
	p := fx.pipeline()

	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, StateDone, p.State())
	require.Equal(t, []State{StateExtracting, StateTransforming, StateLoading, StateDone}, fx.observed)

	data, err := os.ReadFile(fx.opts.OutputFile)
	require.NoError(t, err)
	script := string(data)

	require.True(t, strings.HasPrefix(script, "BEGIN TRANSACTION;\n-- Auto-generated by wfetl\n"))
	require.True(t, strings.HasSuffix(script, "COMMIT TRANSACTION;\nPRINT 'Data loaded successfully';"))
	require.Contains(t, script,
		"IF NOT EXISTS (SELECT 1 FROM [wf_base].[Weapons] WHERE UniqueName = '/Lotus/Weapons/Braton')")
	require.Contains(t, script, "VALUES ('/Lotus/Weapons/Braton', 'Braton', 'Primary', 0, 0.0, 0.0, 0.0, NULL")
	require.Equal(t, 1, strings.Count(script, "[wf_base].[Warframes] WHERE"), "helmet without health is dropped")
	require.Equal(t, 1, strings.Count(script, "[wf_base].[Arcanes] WHERE"), "only Arcanes survive the items filter")
	require.Contains(t, script, "'Arcane', 5, ")

	// category order in the batch
	wf := strings.Index(script, "[wf_base].[Warframes]")
	we := strings.Index(script, "[wf_base].[Weapons]")
	mo := strings.Index(script, "[wf_base].[Mods]")
	ar := strings.Index(script, "[wf_base].[Arcanes]")
	require.True(t, wf < we && we < mo && mo < ar)

	// interchange files
	for _, c := range normalize.Categories {
		require.FileExists(t, fx.opts.Area.RawPath(c))
		require.FileExists(t, fx.opts.Area.ProcessedPath(c))
	}
	raws, err := fx.opts.Area.LoadRaw(normalize.CategoryArcane)
	require.NoError(t, err)
	require.Len(t, raws, 1, "raw arcanes file holds the filtered items")

	// run state
	st, err := LoadRunState(fx.opts.StateFile)
	require.NoError(t, err)
	require.Equal(t, StateDone, st.State)
	require.Equal(t, "run", st.Command)
	require.Equal(t, p.RunID(), st.RunID)
	require.Empty(t, st.Error)
	require.Len(t, st.History, 4)
	require.Equal(t, StageCounts{Raw: 2, Normalized: 1, Dropped: 1, Statements: 1}, st.Counts["warframes"])
	require.Equal(t, StageCounts{Raw: 1, Normalized: 1, Statements: 1}, st.Counts["weapons"])

	// metrics
	require.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.FetchAttempts.WithLabelValues("items", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(fx.metrics.FetchAttempts.WithLabelValues("mods", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Dropped.WithLabelValues("warframes")))
	require.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.Statements.WithLabelValues("weapons")))
	require.Equal(t, 2.0, testutil.ToFloat64(fx.metrics.Records.WithLabelValues("extract", "warframes")))
	require.Greater(t, testutil.ToFloat64(fx.metrics.LastSuccess), 0.0)
}

func TestRun_FetchExhaustedFails(t *testing.T) {
	fx := newFixture(t, "mods")
	require.NoError(t, os.WriteFile(fx.opts.OutputFile, []byte("previous batch"), 0644))
	p := fx.pipeline()

	err := p.Run(context.Background())
	require.Error(t, err)

	var exhausted *fetch.FetchExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, "mods", exhausted.Endpoint)
	require.Equal(t, 3, exhausted.Attempts)

	require.Equal(t, StateFailed, p.State())
	require.Equal(t, []State{StateExtracting, StateFailed}, fx.observed, "transform never starts")
	require.Equal(t, 3, fx.server.callCount("/mods"))
	require.Equal(t, 0, fx.server.callCount("/items"), "sequential extract stops at the first failure")

	data, err := os.ReadFile(fx.opts.OutputFile)
	require.NoError(t, err)
	require.Equal(t, "previous batch", string(data), "output is not overwritten")
	_, err = os.Stat(fx.opts.Area.ProcessedDir)
	require.True(t, os.IsNotExist(err), "no processed files written")
	_, err = os.Stat(fx.opts.Area.RawDir)
	require.True(t, os.IsNotExist(err), "no raw files written when any fetch fails")

	require.Equal(t, 3, fx.logs.FilterMessage("fetch attempt failed").Len())
	require.Equal(t, 1, fx.logs.FilterMessage("pipeline failed").Len())
	require.Equal(t, 3.0, testutil.ToFloat64(fx.metrics.FetchAttempts.WithLabelValues("mods", "error")))

	st, err := LoadRunState(fx.opts.StateFile)
	require.NoError(t, err)
	require.Equal(t, StateFailed, st.State)
	require.Contains(t, st.Error, "mods")
	require.NotEmpty(t, st.EndedAt)
}

func TestRun_FailedOutputNeverCreated(t *testing.T) {
	fx := newFixture(t, "warframes")
	require.Error(t, fx.pipeline().Run(context.Background()))
	require.NoFileExists(t, fx.opts.OutputFile)
}

func TestRun_ParallelMatchesSequential(t *testing.T) {
	seq := newFixture(t, "")
	require.NoError(t, seq.pipeline().Run(context.Background()))

	par := newFixture(t, "")
	par.opts.Parallel = true
	require.NoError(t, par.pipeline().Run(context.Background()))

	want, err := os.ReadFile(seq.opts.OutputFile)
	require.NoError(t, err)
	got, err := os.ReadFile(par.opts.OutputFile)
	require.NoError(t, err)
	require.Equal(t, string(want), string(got))

	for _, c := range normalize.Categories {
		a, err := os.ReadFile(seq.opts.Area.RawPath(c))
		require.NoError(t, err)
		b, err := os.ReadFile(par.opts.Area.RawPath(c))
		require.NoError(t, err)
		require.Equal(t, string(a), string(b), "raw %s", c)
	}
}

func TestRun_ParallelFailure(t *testing.T) {
	fx := newFixture(t, "weapons")
	fx.opts.Parallel = true
	p := fx.pipeline()

	err := p.Run(context.Background())
	var exhausted *fetch.FetchExhaustedError
	require.True(t, errors.As(err, &exhausted) || errors.Is(err, context.Canceled))
	require.Equal(t, StateFailed, p.State())
	require.NoFileExists(t, fx.opts.OutputFile)
}

func TestRunLoad_NotReady(t *testing.T) {
	fx := newFixture(t, "")
	p := fx.pipeline()

	err := p.RunLoad(context.Background())
	require.ErrorIs(t, err, ErrNotReady)

	var se *interchange.StorageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, StateFailed, p.State())
	require.Equal(t, []State{StateLoading, StateFailed}, fx.observed)
	require.NoFileExists(t, fx.opts.OutputFile)
}

func TestSingleStages(t *testing.T) {
	fx := newFixture(t, "")
	ctx := context.Background()

	require.NoError(t, fx.pipeline().RunExtract(ctx))
	require.NoFileExists(t, fx.opts.Area.ProcessedPath(normalize.CategoryMod))

	require.NoError(t, fx.pipeline().RunTransform(ctx))
	require.NoFileExists(t, fx.opts.OutputFile)

	p := fx.pipeline()
	require.NoError(t, p.RunLoad(ctx))
	require.Equal(t, StateDone, p.State())
	require.FileExists(t, fx.opts.OutputFile)

	require.Equal(t, []State{
		StateExtracting, StateDone,
		StateTransforming, StateDone,
		StateLoading, StateDone,
	}, fx.observed)

	st, err := LoadRunState(fx.opts.StateFile)
	require.NoError(t, err)
	require.Equal(t, "load", st.Command)
}

func TestLoad_ReadsFromDisk(t *testing.T) {
	fx := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, fx.pipeline().RunExtract(ctx))
	require.NoError(t, fx.pipeline().RunTransform(ctx))

	// edit a processed file between stages; load must see the edit
	require.NoError(t, fx.opts.Area.SaveProcessed(normalize.CategoryMod, []normalize.Record{
		normalize.Mod{UniqueName: "/Edited/Mod", RawJson: "{}"},
	}))
	require.NoError(t, fx.pipeline().RunLoad(ctx))

	data, err := os.ReadFile(fx.opts.OutputFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "'/Edited/Mod'")
	require.NotContains(t, string(data), "Serration")
}

func TestPipeline_NotReusable(t *testing.T) {
	fx := newFixture(t, "")
	p := fx.pipeline()
	require.NoError(t, p.RunExtract(context.Background()))
	require.Error(t, p.RunTransform(context.Background()))
	require.Equal(t, StateDone, p.State())
}

func TestRun_Cancelled(t *testing.T) {
	fx := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := fx.pipeline()
	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateFailed, p.State())
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveAttempt("mods", nil)
	m.ObserveAttempt("mods", errors.New("boom"))

	path := filepath.Join(t.TempDir(), "wfetl.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `wfetl_fetch_attempts_total{endpoint="mods",outcome="error"} 1`)
	require.Contains(t, string(data), `wfetl_fetch_attempts_total{endpoint="mods",outcome="success"} 1`)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateExtracting, true},
		{StateIdle, StateLoading, true},
		{StateIdle, StateDone, false},
		{StateIdle, StateFailed, false},
		{StateExtracting, StateTransforming, true},
		{StateExtracting, StateLoading, false},
		{StateTransforming, StateFailed, true},
		{StateLoading, StateDone, true},
		{StateDone, StateExtracting, false},
		{StateFailed, StateIdle, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRunState_Duration(t *testing.T) {
	st := &RunState{StartedAt: "2026-01-01T00:00:00Z", EndedAt: "2026-01-01T00:01:30Z"}
	require.Equal(t, "1m30s", st.Duration().String())
}

func TestRunState_SaveReplacesWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "run.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 8192)), 0644))

	st := newRunState(path, "run-1", "extract")
	st.record(StateIdle, StateExtracting, nil)
	require.NoError(t, st.save())

	loaded, err := LoadRunState(path)
	require.NoError(t, err)
	require.Equal(t, "run-1", loaded.RunID)
	require.Equal(t, StateExtracting, loaded.State)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files left behind")
	require.Equal(t, "run.json", entries[0].Name())
}

func TestRunState_SaveFailureKeepsNothingBehind(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("file"), 0644))

	st := newRunState(filepath.Join(blocker, "run.json"), "run-2", "run")
	err := st.save()
	require.Error(t, err)

	var serr *interchange.StorageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "write", serr.Op)

	data, err := os.ReadFile(blocker)
	require.NoError(t, err)
	require.Equal(t, "file", string(data))
}
