package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudorandom/peninsula-nt4/pkg/nt4"
	"github.com/sudorandom/peninsula-nt4/pkg/utils"
)

func TestGlobalsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: \"254\"\nlog: {level: warn}\n"), 0o600))

	g := &Globals{Config: path, LogLevel: "debug", TimeSync: time.Second}
	cfg, err := g.load()
	require.NoError(t, err)
	assert.Equal(t, "254", cfg.Address)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.TimeSync)

	g = &Globals{Address: "10.0.0.2"}
	cfg, err = g.load()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", cfg.Address)

	g = &Globals{LogFormat: "xml"}
	_, err = g.load()
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "{1: 1}", formatValue("proto:Foo", []byte{0x08, 0x01}))
	assert.Equal(t, "0x0801", formatValue("raw", []byte{0x08, 0x01}))
	assert.Equal(t, `"hi"`, formatValue("string", "hi"))
	assert.Equal(t, "[1 2]", formatValue("double[]", []float64{1, 2}))
}

func TestStatsRecord(t *testing.T) {
	types := map[string]string{"pose": "proto:Pose2d"}
	s := NewStats(utils.NewPathMatcher([]string{"Drive", "pose"}), func(p string) (string, bool) {
		t, ok := types[p]
		return t, ok
	})
	ctx := context.Background()

	changes := []nt4.Change{
		{Kind: nt4.ChangeAnnounce, Path: "Drive/speed", Type: nt4.TypeDouble},
		{Kind: nt4.ChangeAnnounce, Path: "pose", Type: nt4.TypeRaw},
		{Kind: nt4.ChangeAnnounce, Path: "Intake/state", Type: nt4.TypeString},
		{Kind: nt4.ChangeUpdate, Path: "Drive/speed", Type: nt4.TypeDouble, TS: 10, Value: 1.0},
		{Kind: nt4.ChangeUpdate, Path: "Drive/speed", Type: nt4.TypeDouble, TS: 5, Value: 2.0},
		{Kind: nt4.ChangeUpdate, Path: "pose", Type: nt4.TypeRaw, TS: 10, Value: []byte{}},
		{Kind: nt4.ChangeUpdate, Path: "Intake/state", Type: nt4.TypeString, TS: 10, Value: "on"},
	}
	for _, c := range changes {
		require.NoError(t, s.Record(ctx, c))
	}

	assert.Equal(t, 2, s.Announces)
	assert.Equal(t, 3, s.Updates)
	assert.Equal(t, 1, s.OutOfOrder)
	assert.Equal(t, "proto:Pose2d", s.Topics["pose"].Type)
	assert.Equal(t, []string{"Drive/speed", "pose"}, s.busiest(5))
	assert.Equal(t, []string{"Drive/speed"}, s.busiest(1))

	require.NoError(t, s.Record(ctx, nt4.Change{Kind: nt4.ChangeUnannounce, Path: "pose"}))
	assert.NotContains(t, s.Topics, "pose")
}
