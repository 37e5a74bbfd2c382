package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webCatalog = `
descriptors: web: {
	image:       "nginx:1.27"
	env:         ["MODE=prod", "WORKERS=4"]
	clusterSize: 3
	healthConfig: autoRedeploy: true
	tenantLinks: ["/tenants/t1"]
}
`

const agentCatalog = `
descriptors: agent: {
	link:   "/resources/container-descriptions/system-agent"
	name:   "harbormaster-agent"
	image:  "harbormaster/agent:1.0"
	system: true
}
`

func writeCatalog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCatalogLoader_LoadString(t *testing.T) {
	cat := NewCatalogLoader().LoadString("web.cue", webCatalog)
	require.NoError(t, cat.Err())
	require.Len(t, cat.Descriptions, 1)

	web := cat.Descriptions[0]
	assert.Equal(t, "/resources/container-descriptions/web", web.Link)
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, []string{"MODE=prod", "WORKERS=4"}, web.Env)
	assert.Equal(t, 3, web.DesiredCount())
	assert.True(t, web.AutoRedeploy())
	assert.Equal(t, []string{"/tenants/t1"}, web.TenantLinks)
}

func TestCatalogLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "system")
	require.NoError(t, os.Mkdir(nested, 0o755))
	writeCatalog(t, dir, "web.cue", webCatalog)
	writeCatalog(t, nested, "agent.cue", agentCatalog)
	writeCatalog(t, dir, "README.md", "ignored")
	// A second file may refine an entry declared elsewhere.
	writeCatalog(t, dir, "web-props.cue", `descriptors: web: customProperties: owner: "platform"`)

	cat, err := NewCatalogLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, cat.Err())
	assert.Len(t, cat.SourceFiles, 3)

	require.Len(t, cat.Descriptions, 2)
	assert.Equal(t, "/resources/container-descriptions/system-agent", cat.Descriptions[0].Link)
	assert.True(t, cat.Descriptions[0].System)
	assert.Equal(t, "harbormaster-agent", cat.Descriptions[0].Name)
	assert.Equal(t, map[string]string{"owner": "platform"}, cat.Descriptions[1].CustomProperties)
}

func TestCatalogLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "syntax", content: `descriptors: web: {`, want: "web.cue"},
		{name: "missing image", content: `descriptors: web: {clusterSize: 1}`, want: "image"},
		{name: "bad env entry", content: `descriptors: web: {image: "nginx", env: ["MODE"]}`, want: "env"},
		{name: "negative size", content: `descriptors: web: {image: "nginx", clusterSize: -1}`, want: "clusterSize"},
		{
			name: "duplicate link",
			content: `descriptors: {
	a: {image: "nginx", link: "/resources/container-descriptions/x"}
	b: {image: "nginx", link: "/resources/container-descriptions/x"}
}`,
			want: "also used by",
		},
		{
			name:    "conflicting values",
			content: "descriptors: web: {image: \"nginx\"}\ndescriptors: web: {image: \"httpd\"}",
			want:    "conflicting",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := NewCatalogLoader().LoadString("web.cue", tt.content)
			err := cat.Err()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCatalogLoader_MissingPath(t *testing.T) {
	_, err := NewCatalogLoader().Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = NewCatalogLoader().Load(context.Background())
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()

	cat := NewCatalogLoader().LoadString("all.cue", webCatalog+agentCatalog)
	n, err := Apply(ctx, store, cat)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	descs, err := reconcile.NewInventory(store).Descriptors(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	// Applying again updates in place.
	cat = NewCatalogLoader().LoadString("web.cue", `descriptors: web: {image: "nginx:1.28"}`)
	_, err = Apply(ctx, store, cat)
	require.NoError(t, err)

	web, err := stores.GetAs[engine.ContainerDescription](ctx, store, "/resources/container-descriptions/web")
	require.NoError(t, err)
	assert.Equal(t, "nginx:1.28", web.Image)

	bad := NewCatalogLoader().LoadString("bad.cue", `descriptors: web: {}`)
	_, err = Apply(ctx, store, bad)
	assert.Error(t, err)
}

func TestCatalogWatcher_Reloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeCatalog(t, dir, "web.cue", webCatalog)
	store := stores.NewMemoryStore()

	applied := make(chan int, 8)
	w := NewCatalogWatcher(NewCatalogLoader(), store, zerolog.Nop())
	w.OnApply = func(_ *Catalog, n int) { applied <- n }
	require.NoError(t, w.Watch(ctx, dir))
	defer func() { assert.NoError(t, w.Stop()) }()

	writeCatalog(t, dir, "agent.cue", agentCatalog)

	select {
	case n := <-applied:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reapplied")
	}

	descs, err := reconcile.NewInventory(store).Descriptors(ctx)
	require.NoError(t, err)
	assert.Len(t, descs, 2)
}

func TestCatalogWatcher_SkipsInvalidCatalog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeCatalog(t, dir, "web.cue", webCatalog)

	applied := make(chan int, 8)
	w := NewCatalogWatcher(NewCatalogLoader(), stores.NewMemoryStore(), zerolog.Nop())
	w.OnApply = func(_ *Catalog, n int) { applied <- n }
	require.NoError(t, w.Watch(ctx, dir))
	defer w.Stop()

	writeCatalog(t, dir, "broken.cue", `descriptors: broken: {`)

	select {
	case <-applied:
		t.Fatal("invalid catalog was applied")
	case <-time.After(time.Second):
	}
}
