package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/stores"
)

// DescriptorConfig is one entry of a descriptor catalog.
type DescriptorConfig struct {
	// Link defaults to the description factory joined with the entry key.
	Link             string               `json:"link,omitempty" validate:"omitempty,startswith=/"`
	Name             string               `json:"name" validate:"required"`
	Image            string               `json:"image" validate:"required"`
	Env              []string             `json:"env,omitempty" validate:"dive,contains=="`
	ClusterSize      int                  `json:"clusterSize,omitempty" validate:"gte=0"`
	HealthConfig     *engine.HealthConfig `json:"healthConfig,omitempty"`
	System           bool                 `json:"system,omitempty"`
	TenantLinks      []string             `json:"tenantLinks,omitempty" validate:"dive,startswith=/"`
	CustomProperties map[string]string    `json:"customProperties,omitempty"`
}

// Description converts the entry stored under key.
func (d DescriptorConfig) Description(key string) engine.ContainerDescription {
	link := d.Link
	if link == "" {
		link = engine.FactoryDescriptions + "/" + key
	}
	return engine.ContainerDescription{
		Link:             link,
		Name:             d.Name,
		Image:            d.Image,
		Env:              d.Env,
		ClusterSize:      d.ClusterSize,
		HealthConfig:     d.HealthConfig,
		System:           d.System,
		TenantLinks:      d.TenantLinks,
		CustomProperties: d.CustomProperties,
	}
}

// Catalog is the result of loading descriptor files.
type Catalog struct {
	Descriptions []engine.ContainerDescription
	SourceFiles  []string
	Errors       []ValidationError
	LoadedAt     time.Time
}

// Err returns the catalog errors joined, or nil.
func (c *Catalog) Err() error {
	if len(c.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(c.Errors))
	for _, e := range c.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("descriptor catalog has %d error(s): %s", len(c.Errors), strings.Join(msgs, "; "))
}

// CatalogLoader parses descriptor catalogs written in CUE.
type CatalogLoader struct {
	validator *validator.Validate
}

// NewCatalogLoader creates a catalog loader.
func NewCatalogLoader() *CatalogLoader {
	return &CatalogLoader{validator: validator.New()}
}

// Load reads .cue files and directories. Files are unified, so an entry may
// be split across files. Problems in the content are reported in
// Catalog.Errors; the error return is for unreadable sources.
func (l *CatalogLoader) Load(ctx context.Context, paths ...string) (*Catalog, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no catalog sources provided")
	}

	var files []string
	for _, path := range paths {
		found, err := cueFiles(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		files = append(files, found...)
	}

	sources := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", f, err)
		}
		sources[f] = data
	}
	return l.build(files, sources), nil
}

// LoadString parses inline catalog content.
func (l *CatalogLoader) LoadString(name, content string) *Catalog {
	return l.build([]string{name}, map[string][]byte{name: []byte(content)})
}

func cueFiles(ctx context.Context, path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() && strings.HasSuffix(p, ".cue") {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func (l *CatalogLoader) build(files []string, sources map[string][]byte) *Catalog {
	cat := &Catalog{SourceFiles: files, LoadedAt: time.Now().UTC()}

	cctx := cuecontext.New()
	val := cctx.CompileString(catalogSchema, cue.Filename("catalog-schema.cue"))
	for _, f := range files {
		fv := cctx.CompileBytes(sources[f], cue.Filename(f))
		if err := fv.Err(); err != nil {
			cat.Errors = append(cat.Errors, convertCUEErrors(err)...)
			continue
		}
		val = val.Unify(fv)
	}
	if len(cat.Errors) > 0 {
		return cat
	}

	descriptors := val.LookupPath(cue.ParsePath("descriptors"))
	if !descriptors.Exists() {
		return cat
	}
	if err := descriptors.Validate(cue.Concrete(true)); err != nil {
		cat.Errors = append(cat.Errors, convertCUEErrors(err)...)
		return cat
	}

	iter, err := descriptors.Fields()
	if err != nil {
		cat.Errors = append(cat.Errors, ValidationError{Path: "descriptors", Message: err.Error(), Severity: "error"})
		return cat
	}

	seen := make(map[string]string)
	for iter.Next() {
		key := iter.Selector().Unquoted()
		path := "descriptors." + key

		var dc DescriptorConfig
		if err := iter.Value().Decode(&dc); err != nil {
			cat.Errors = append(cat.Errors, ValidationError{Path: path, Message: fmt.Sprintf("failed to decode: %v", err), Severity: "error"})
			continue
		}
		if err := l.validator.Struct(dc); err != nil {
			cat.Errors = append(cat.Errors, ValidationError{Path: path, Message: err.Error(), Severity: "error"})
			continue
		}

		desc := dc.Description(key)
		if other, dup := seen[desc.Link]; dup {
			cat.Errors = append(cat.Errors, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("link %s is also used by descriptors.%s", desc.Link, other),
				Severity: "error",
			})
			continue
		}
		seen[desc.Link] = key
		cat.Descriptions = append(cat.Descriptions, desc)
	}

	sort.Slice(cat.Descriptions, func(i, j int) bool {
		return cat.Descriptions[i].Link < cat.Descriptions[j].Link
	})
	return cat
}

// Apply upserts every description of a valid catalog into the store and
// returns how many were written. Descriptions missing from the catalog are
// left in place.
func Apply(ctx context.Context, store stores.Store, cat *Catalog) (int, error) {
	if err := cat.Err(); err != nil {
		return 0, err
	}
	inv := reconcile.NewInventory(store)
	for i := range cat.Descriptions {
		if err := inv.SaveDescription(ctx, &cat.Descriptions[i]); err != nil {
			return i, fmt.Errorf("failed to save %s: %w", cat.Descriptions[i].Link, err)
		}
	}
	return len(cat.Descriptions), nil
}
