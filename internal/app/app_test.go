package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/scanledger/internal/config"
	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/store"
	"github.com/lvonguyen/scanledger/internal/vendorpattern"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database = store.Config{Driver: store.DriverMemory}
	cfg.VendorPatterns.Path = filepath.Join(t.TempDir(), "patterns.json")
	cfg.Logging.Level = "error"
	return cfg
}

func TestNew_ImportAndQuery(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)
	cfg.Redis.Addr = mr.Addr()

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(ctx)

	require.NoError(t, a.Ready(ctx))

	body := "Host,CVE\nweb01.corp,CVE-2024-0001\nweb02.corp,CVE-2024-0001\n"
	res, err := a.Importer.Import(ctx, strings.NewReader(body), ingestion.Source{Filename: "scan.csv"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)

	hosts, err := a.Engine.HostsForCVE(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.Equal(t, []string{"web01", "web02"}, hosts)
	assert.NotEmpty(t, mr.Keys(), "results cached in redis")
}

func TestNew_RedisUnavailableDisablesCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(ctx)

	sum, err := a.Engine.Summary(ctx)
	require.NoError(t, err)
	assert.Empty(t, sum)
}

func TestReloadPatterns(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(ctx)

	_, ok := a.PatternSet().Classify("acme_export.csv", vendorpattern.AxisFamily)
	assert.False(t, ok)

	doc := `{"familyVendorPatterns":[{"pattern":"acme","vendor":"acme"}],"hostnameVendorPatterns":[]}`
	require.NoError(t, os.WriteFile(cfg.VendorPatterns.Path, []byte(doc), 0o600))

	set := a.ReloadPatterns()
	label, ok := set.Classify("acme_export.csv", vendorpattern.AxisFamily)
	assert.True(t, ok)
	assert.Equal(t, "acme", label)
}
