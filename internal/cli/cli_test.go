package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/analytics"
	"github.com/reims/reims-ai/internal/audit"
	"github.com/reims/reims-ai/internal/config"
	"github.com/reims/reims-ai/internal/models"
	"github.com/reims/reims-ai/internal/server"
)

func spikeRequest(entity string) analytics.Request {
	jan := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	s := models.Series{Entity: entity, Field: "operating_expenses"}
	for i := 0; i < 24; i++ {
		d := jan.AddDate(0, i, 0)
		v := 98 + float64(i%5)
		if i == 23 {
			v = 1000
		}
		s.Points = append(s.Points, models.Point{PeriodKey: d.Format("2006-01"), Value: v, Date: &d})
	}
	return analytics.Request{Series: s}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeJSON(t *testing.T, dir, name string, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return writeFile(t, dir, name, raw)
}

// run executes the root command and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommandWithIO(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"detect", "serve", "cache", "config"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
		assert.NotEmpty(t, cmd.Short, name)
	}
	assert.Equal(t, server.Version, root.Version)
}

func TestDetect_SingleRequestFromFile(t *testing.T) {
	dir := t.TempDir()
	input := writeJSON(t, dir, "req.json", spikeRequest("prop-7"))

	out, err := run(t, "", "--config", filepath.Join(dir, "missing.yaml"), "detect", "--input", input)
	require.NoError(t, err)

	var report analytics.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "prop-7", report.Entity)
	assert.Len(t, report.Runs, len(models.AllDetectorKinds()))
	assert.GreaterOrEqual(t, report.Active, 1)
}

func TestDetect_BatchFromStdinSummary(t *testing.T) {
	raw, err := json.Marshal([]analytics.Request{spikeRequest("prop-7"), spikeRequest("prop-8")})
	require.NoError(t, err)

	out, err := run(t, string(raw), "--config", filepath.Join(t.TempDir(), "none.yaml"), "detect", "-o", "summary")
	require.NoError(t, err)
	assert.Contains(t, out, "prop-7/operating_expenses:")
	assert.Contains(t, out, "prop-8/operating_expenses:")
	assert.Contains(t, out, "ACTIVE")
}

func TestDetect_BatchJSONIsArray(t *testing.T) {
	raw, err := json.Marshal([]analytics.Request{spikeRequest("prop-7")})
	require.NoError(t, err)

	out, err := run(t, string(raw), "--config", filepath.Join(t.TempDir(), "none.yaml"), "detect")
	require.NoError(t, err)

	var reports []analytics.Report
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	assert.Len(t, reports, 1)
}

func TestDetect_Errors(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.yaml")

	_, err := run(t, "", "--config", cfgPath, "detect")
	assert.ErrorContains(t, err, "no detection request")

	_, err = run(t, "[]", "--config", cfgPath, "detect")
	assert.ErrorContains(t, err, "empty request batch")

	_, err = run(t, "{", "--config", cfgPath, "detect")
	assert.ErrorContains(t, err, "invalid request")

	_, err = run(t, "{}", "--config", cfgPath, "detect", "-o", "xml")
	assert.ErrorContains(t, err, "unsupported --output")

	req := spikeRequest("prop-7")
	req.Points[3].PeriodKey = req.Points[2].PeriodKey
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = run(t, string(raw), "--config", cfgPath, "detect")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidSeries)
	assert.Contains(t, err.Error(), "request 0 (prop-7/operating_expenses)")
}

func TestDetect_EnabledDetectorsFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "reims.yaml", []byte(`
detection:
  enabled_detectors: [z_score, cusum]
`))
	input := writeJSON(t, dir, "req.json", spikeRequest("prop-7"))

	out, err := run(t, "", "--config", cfgPath, "detect", "-f", input)
	require.NoError(t, err)

	var report analytics.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Runs, 2)
	assert.Equal(t, models.DetectorZScore, report.Runs[0].Method)
	assert.Equal(t, models.DetectorCUSUM, report.Runs[1].Method)
}

func TestDetect_WritesAuditTrail(t *testing.T) {
	dir := t.TempDir()
	trail := filepath.Join(dir, "audit.log")
	cfgPath := writeFile(t, dir, "reims.yaml", []byte("logging:\n  audit_file: "+trail+"\n"))
	input := writeJSON(t, dir, "req.json", spikeRequest("prop-7"))

	_, err := run(t, "", "--config", cfgPath, "detect", "-f", input)
	require.NoError(t, err)

	data, err := os.ReadFile(trail)
	require.NoError(t, err)
	assert.Contains(t, string(data), string(audit.EventConfigLoaded))
	assert.Contains(t, string(data), string(audit.EventAnomalyActive))
	assert.Contains(t, string(data), string(audit.EventRunCompleted))
}

func TestCacheCommands_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "reims.yaml", []byte(`
model_cache:
  backend: sqlite
  sqlite_path: `+filepath.Join(dir, "models.db")+`
`))
	input := writeJSON(t, dir, "req.json", spikeRequest("prop-7"))

	_, err := run(t, "", "--config", cfgPath, "detect", "-f", input)
	require.NoError(t, err)

	out, err := run(t, "", "--config", cfgPath, "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, string(models.DetectorIsolationForest))
	assert.Contains(t, out, string(models.DetectorDensity))
	assert.Contains(t, out, "2 models")

	out, err = run(t, "", "--config", cfgPath, "cache", "list", "--scope", "prop-99/revenue")
	require.NoError(t, err)
	assert.Contains(t, out, "0 models")

	out, err = run(t, "", "--config", cfgPath, "cache", "invalidate",
		"--scope", "prop-7/operating_expenses", "--type", string(models.DetectorDensity))
	require.NoError(t, err)
	assert.Equal(t, "Invalidated 1 models\n", out)

	out, err = run(t, "", "--config", cfgPath, "cache", "prune")
	require.NoError(t, err)
	assert.Equal(t, "Pruned 1 models\n", out)

	out, err = run(t, "", "--config", cfgPath, "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "1 models")
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()

	good := writeFile(t, dir, "good.yaml", []byte("detection:\n  enabled_detectors: [z_score, seasonal]\n"))
	out, err := run(t, "", "--config", good, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid; detectors: z_score, seasonal")

	bad := writeFile(t, dir, "bad.yaml", []byte("detection:\n  zscore_threshold: -1\n"))
	_, err = run(t, "", "--config", bad, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detection.zscore_threshold")

	// Other commands refuse to start on an invalid file.
	_, err = run(t, "", "--config", bad, "cache", "prune")
	assert.ErrorContains(t, err, "configuration validation failed")
}

func TestConfigView(t *testing.T) {
	out, err := run(t, "", "--config", filepath.Join(t.TempDir(), "none.yaml"), "config", "view")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 3.0, cfg.Detection.ZScoreThreshold)
	assert.Equal(t, config.BackendMemory, cfg.ModelCache.Backend)
}

func TestLogLevelFlag(t *testing.T) {
	_, err := run(t, "", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-level", "verbose", "cache", "prune")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestOpenStore_UnsupportedBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ModelCache.Backend = "etcd"
	_, _, err := openStore(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unsupported model cache backend")
}

func TestApplyConfig(t *testing.T) {
	a := &app{cfg: config.DefaultConfig(), logger: zap.NewNop(), audit: audit.NopLogger{}}
	eng, err := a.openEngine(context.Background())
	require.NoError(t, err)
	defer eng.Close()

	srv, err := server.NewServer(server.Config{Addr: ":0"}, eng.pipeline, eng.cache)
	require.NoError(t, err)

	detectorCount := func() int {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/info", nil))
		var info struct {
			Detectors []string `json:"detectors"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&info))
		return len(info.Detectors)
	}
	assert.Equal(t, 7, detectorCount())

	next := config.DefaultConfig()
	next.Detection.EnabledDetectors = []string{"z_score", "volatility"}
	require.NoError(t, a.applyConfig(context.Background(), next, srv, eng.cache))
	assert.Equal(t, 2, detectorCount())

	invalid := config.DefaultConfig()
	invalid.Ensemble.MinAgreementCount = 0
	assert.Error(t, a.applyConfig(context.Background(), invalid, srv, eng.cache))
	assert.Equal(t, 2, detectorCount(), "rejected change keeps the running pipeline")
}
