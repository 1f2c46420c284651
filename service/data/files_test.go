package data

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/config"
)

func newTestService(t *testing.T) (IService, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SETTINGS_FOLDER", dir)
	cfgsvc, err := config.NewEnv()
	require.NoError(t, err)
	return NewFilesDB(cfgsvc), dir
}

func TestRetrieveSettingsDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	settings, err := svc.RetrieveSettings()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSettings(), settings)
	assert.Equal(t, 0.5, settings.Scale)
}

func TestStoreSettingsRoundTrip(t *testing.T) {
	svc, dir := newTestService(t)

	stored := model.Settings{
		VideoInput: []string{"rtsp://camera/stream"},
		ModelPath:  "models/fcn.onnx",
		Scale:      0.25,
		Paused:     true,
	}
	require.NoError(t, svc.StoreSettings(stored))

	raw, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"modelInput": "models/fcn.onnx"`)

	settings, err := svc.RetrieveSettings()
	require.NoError(t, err)
	assert.Equal(t, stored, settings)
}

func TestRetrieveSettingsRepairsScale(t *testing.T) {
	svc, dir := newTestService(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"scale": -2, "paused": true}`), 0644))

	settings, err := svc.RetrieveSettings()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultScale, settings.Scale)
	assert.True(t, settings.Paused)
}

func TestRetrieveSettingsCorrupt(t *testing.T) {
	svc, dir := newTestService(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{`), 0644))

	_, err := svc.RetrieveSettings()
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestNewErrorAppends(t *testing.T) {
	svc, dir := newTestService(t)

	require.NoError(t, svc.NewError(model.GenError("pipeline", model.ErrFatalStream, nil, "frame %d", 7)))
	require.NoError(t, svc.NewError(errors.New("plain")))

	raw, err := os.ReadFile(filepath.Join(dir, "errors.json"))
	require.NoError(t, err)

	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "pipeline", entries[0]["processor"])
	assert.Equal(t, "frame 7", entries[0]["message"])
	assert.Equal(t, "N/A", entries[1]["processor"])
	assert.Equal(t, "plain", entries[1]["innerError"])
}

func TestNewPipelineStatsAppends(t *testing.T) {
	svc, dir := newTestService(t)

	require.NoError(t, svc.NewPipelineStats(model.PipelineStats{ID: "a", Published: 3}))
	require.NoError(t, svc.NewPipelineStats(model.PipelineStats{ID: "a", Published: 5}))
	require.NoError(t, svc.NewSourceStats(model.SourceStats{Name: "fake", Frames: 5}))

	raw, err := os.ReadFile(filepath.Join(dir, "pipeline-stats.json"))
	require.NoError(t, err)
	var stats []model.PipelineStats
	require.NoError(t, json.Unmarshal(raw, &stats))
	require.Len(t, stats, 2)
	assert.Equal(t, 5, stats[1].Published)
	assert.NotZero(t, stats[1].Timestamp)

	_, err = os.Stat(filepath.Join(dir, "source-stats.json"))
	require.NoError(t, err)
}
