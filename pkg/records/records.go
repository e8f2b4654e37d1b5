// Package records wires the concrete resource kinds (data, packages and
// package versions) onto the generic CRUD controllers and exposes them as
// procedures.
package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/casual-simulation/casualos-sub007/pkg/crud"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/store"
)

const (
	KindData           = "data"
	KindPackage        = "package"
	KindPackageVersion = "package_version"
)

// Data is an arbitrary JSON value stored at an address.
type Data struct {
	Address     string   `json:"address"`
	Data        any      `json:"data"`
	Markers     []string `json:"markers"`
	PublisherID string   `json:"publisherId,omitempty"`
	SubjectID   string   `json:"subjectId,omitempty"`
}

func (d Data) ItemAddress() string   { return d.Address }
func (d Data) ItemMarkers() []string { return d.Markers }

type Package struct {
	Address string   `json:"address"`
	Markers []string `json:"markers"`
}

func (p Package) ItemAddress() string   { return p.Address }
func (p Package) ItemMarkers() []string { return p.Markers }

// PackageVersion is an immutable snapshot of a package.
type PackageVersion struct {
	Address     string     `json:"address"`
	Key         VersionKey `json:"key"`
	Description string     `json:"description,omitempty"`
	Aux         any        `json:"aux"`
	SHA256      string     `json:"sha256"`
	SizeInBytes int64      `json:"sizeInBytes"`
	CreatedBy   string     `json:"createdByUserId,omitempty"`
	CreatedAtMs int64      `json:"createdAtMs"`
}

func versionKeyOf(v PackageVersion) VersionKey { return v.Key }

// PackageStore stores packages and answers parent lookups for versions.
type PackageStore interface {
	crud.Store[Package]
	store.Parents
}

type Stores struct {
	Data     crud.Store[Data]
	Packages PackageStore
	Versions crud.SubStore[VersionKey, PackageVersion]
}

func NewMemoryStores() Stores {
	packages := store.NewMemoryItems[Package]()
	return Stores{
		Data:     store.NewMemoryItems[Data](),
		Packages: packages,
		Versions: store.NewMemorySubItems[VersionKey, PackageVersion](packages, versionKeyOf),
	}
}

func NewPostgresStores(db store.DB) Stores {
	return Stores{
		Data:     store.NewPostgresItems[Data](db, KindData),
		Packages: store.NewPostgresItems[Package](db, KindPackage),
		Versions: store.NewPostgresSubItems[VersionKey, PackageVersion](db, KindPackageVersion, KindPackage, versionKeyOf, VersionKey.String),
	}
}

type Config struct {
	Stores
	Records  crud.RecordResolver
	Policy   crud.Authorizer
	Features crud.Features
	Logger   *slog.Logger
	Now      func() time.Time
}

// Resources holds one controller per resource kind.
type Resources struct {
	Data     *crud.Controller[Data]
	Packages *crud.Controller[Package]
	Versions *crud.SubController[VersionKey, PackageVersion]

	now func() time.Time
}

func New(cfg Config) (*Resources, error) {
	if cfg.Data == nil || cfg.Packages == nil || cfg.Versions == nil {
		return nil, errors.New("records: stores required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Resources{now: cfg.Now}
	var err error
	r.Data, err = crud.NewController(crud.Config[Data]{
		ResourceKind: KindData,
		Store:        cfg.Data,
		Records:      cfg.Records,
		Policy:       cfg.Policy,
		Features:     cfg.Features,
		Logger:       cfg.Logger,
		TransformInput: func(_ context.Context, rc crud.RecordContext, item Data, _ *Data) (Data, *result.Failure) {
			item.PublisherID = rc.UserID
			if item.SubjectID == "" {
				item.SubjectID = rc.UserID
			}
			return item, nil
		},
	})
	if err != nil {
		return nil, err
	}
	r.Packages, err = crud.NewController(crud.Config[Package]{
		ResourceKind: KindPackage,
		Store:        cfg.Packages,
		Records:      cfg.Records,
		Policy:       cfg.Policy,
		Features:     cfg.Features,
		Logger:       cfg.Logger,
		AfterErase: func(ctx context.Context, rc crud.RecordContext, address string) error {
			return cfg.Versions.DeleteParent(ctx, rc.RecordName, address)
		},
	})
	if err != nil {
		return nil, err
	}
	r.Versions, err = crud.NewSubController(crud.SubConfig[VersionKey, PackageVersion]{
		ResourceKind:   KindPackageVersion,
		Store:          cfg.Versions,
		Parents:        cfg.Packages,
		Records:        cfg.Records,
		Policy:         cfg.Policy,
		Features:       cfg.Features,
		Logger:         cfg.Logger,
		KeyOf:          versionKeyOf,
		Less:           func(a, b PackageVersion) bool { return a.Key.Less(b.Key) },
		Immutable:      true,
		TransformInput: r.stampVersion,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// stampVersion records the content hash, size and creation metadata.
func (r *Resources) stampVersion(_ context.Context, rc crud.RecordContext, v PackageVersion, _ *PackageVersion) (PackageVersion, *result.Failure) {
	aux, err := json.Marshal(v.Aux)
	if err != nil {
		return v, result.Fail(result.CodeUnacceptableRequest, "The package contents must be JSON.")
	}
	sum := sha256.Sum256(aux)
	v.SHA256 = hex.EncodeToString(sum[:])
	v.SizeInBytes = int64(len(aux))
	v.CreatedBy = rc.UserID
	v.CreatedAtMs = r.now().UnixMilli()
	return v, nil
}
