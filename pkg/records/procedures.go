package records

import (
	"context"
	"net/http"

	"github.com/casual-simulation/casualos-sub007/pkg/crud"
	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/origin"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/schema"
	"github.com/casual-simulation/casualos-sub007/pkg/store"
)

const (
	DataPath           = "/api/v2/records/data"
	PackagePath        = "/api/v2/records/package"
	PackageVersionPath = "/api/v2/records/package/version"
	ServerTimePath     = "/api/v2/time"

	// streamPageSize is how many items streamData reads per store page.
	streamPageSize = 100
)

const instancesProp = `"instances": {"type": "array", "items": {"type": "string"}}`

var (
	recordDataSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"recordKey": {"type": "string", "minLength": 1},
			"address": {"type": "string", "minLength": 1},
			"data": {},
			"markers": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
			` + instancesProp + `
		},
		"required": ["recordKey", "address", "data"]
	}`)

	addressSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"recordName": {"type": "string", "minLength": 1},
			"address": {"type": "string", "minLength": 1},
			` + instancesProp + `
		},
		"required": ["recordName", "address"]
	}`)

	eraseSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"recordKey": {"type": "string", "minLength": 1},
			"address": {"type": "string", "minLength": 1},
			` + instancesProp + `
		},
		"required": ["recordKey", "address"]
	}`)

	listSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"recordName": {"type": "string", "minLength": 1},
			"address": {"type": "string"},
			"marker": {"type": "string", "minLength": 1},
			"sort": {"type": "string", "enum": ["ascending", "descending"]},
			"limit": {"type": "integer", "minimum": 1, "maximum": 1000},
			` + instancesProp + `
		},
		"required": ["recordName"]
	}`)

	recordPackageSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"recordKey": {"type": "string", "minLength": 1},
			"address": {"type": "string", "minLength": 1},
			"markers": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
			` + instancesProp + `
		},
		"required": ["recordKey", "address"]
	}`)

	recordVersionSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"recordKey": {"type": "string", "minLength": 1},
			"address": {"type": "string", "minLength": 1},
			"key": {
				"type": "object",
				"properties": {
					"major": {"type": "integer", "minimum": 0},
					"minor": {"type": "integer", "minimum": 0},
					"patch": {"type": "integer", "minimum": 0},
					"tag": {"type": "string"}
				},
				"required": ["major", "minor", "patch"]
			},
			"description": {"type": "string"},
			"aux": {},
			` + instancesProp + `
		},
		"required": ["recordKey", "address", "key", "aux"]
	}`)

	getVersionSchema   = versionSchema("recordName")
	eraseVersionSchema = versionSchema("recordKey")

	listVersionsSchema = addressSchema
)

// versionSchema addresses one version with flat key fields so it can be
// passed as a query string.
func versionSchema(recordField string) *schema.Schema {
	return schema.MustCompile(`{
		"type": "object",
		"properties": {
			"` + recordField + `": {"type": "string", "minLength": 1},
			"address": {"type": "string", "minLength": 1},
			"major": {"type": "integer", "minimum": 0},
			"minor": {"type": "integer", "minimum": 0},
			"patch": {"type": "integer", "minimum": 0},
			"tag": {"type": "string"},
			` + instancesProp + `
		},
		"required": ["` + recordField + `", "address", "major", "minor", "patch"]
	}`)
}

type recordDataInput struct {
	RecordKey string   `json:"recordKey"`
	Address   string   `json:"address"`
	Data      any      `json:"data"`
	Markers   []string `json:"markers"`
	Instances []string `json:"instances"`
}

type addressInput struct {
	RecordName string   `json:"recordName"`
	Address    string   `json:"address"`
	Instances  []string `json:"instances"`
}

type eraseInput struct {
	RecordKey string   `json:"recordKey"`
	Address   string   `json:"address"`
	Instances []string `json:"instances"`
}

type listInput struct {
	RecordName string   `json:"recordName"`
	Address    string   `json:"address"`
	Marker     string   `json:"marker"`
	Sort       string   `json:"sort"`
	Limit      int      `json:"limit"`
	Instances  []string `json:"instances"`
}

func (in listInput) options() store.ListOptions {
	opts := store.ListOptions{StartingAddress: in.Address, Limit: in.Limit}
	if in.Sort == "descending" {
		opts.Sort = store.Descending
	}
	return opts
}

type recordPackageInput struct {
	RecordKey string   `json:"recordKey"`
	Address   string   `json:"address"`
	Markers   []string `json:"markers"`
	Instances []string `json:"instances"`
}

type recordVersionInput struct {
	RecordKey   string     `json:"recordKey"`
	Address     string     `json:"address"`
	Key         VersionKey `json:"key"`
	Description string     `json:"description"`
	Aux         any        `json:"aux"`
	Instances   []string   `json:"instances"`
}

type versionInput struct {
	RecordName string   `json:"recordName"`
	RecordKey  string   `json:"recordKey"`
	Address    string   `json:"address"`
	Major      int      `json:"major"`
	Minor      int      `json:"minor"`
	Patch      int      `json:"patch"`
	Tag        string   `json:"tag"`
	Instances  []string `json:"instances"`
}

func (in versionInput) key() VersionKey {
	return VersionKey{Major: in.Major, Minor: in.Minor, Patch: in.Patch, Tag: in.Tag}
}

func caller(recordKeyOrName string, call *procedure.Call, instances []string) crud.Caller {
	return crud.Caller{RecordKeyOrName: recordKeyOrName, UserID: call.UserID(), Instances: instances}
}

func defaultMarkers(markers []string) []string {
	if len(markers) == 0 {
		return []string{crud.MarkerPublicRead}
	}
	return markers
}

// ServerTime is the output of getServerTime.
type ServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// StreamSummary is the final chunk of streamData.
type StreamSummary struct {
	RecordName string `json:"recordName"`
	Count      int    `json:"count"`
	TotalCount int    `json:"totalCount"`
}

// Procedures returns the procedure table for r in registration order.
func Procedures(r *Resources) []procedure.Procedure {
	return []procedure.Procedure{
		{
			Name:    "recordData",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodPost, Path: DataPath},
			Input:   recordDataSchema,
			Session: procedure.SessionRequired,
			Handler: procedure.Typed(func(ctx context.Context, in recordDataInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				item := Data{Address: in.Address, Data: in.Data, Markers: defaultMarkers(in.Markers)}
				return r.Data.RecordItem(ctx, caller(in.RecordKey, call, in.Instances), item), nil
			}),
		},
		{
			Name:    "getData",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: DataPath},
			Input:   addressSchema,
			Session: procedure.SessionOptional,
			Handler: procedure.Typed(func(ctx context.Context, in addressInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				return r.Data.GetItem(ctx, caller(in.RecordName, call, in.Instances), in.Address), nil
			}),
		},
		{
			Name:    "listData",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: DataPath + "/list"},
			Input:   listSchema,
			Session: procedure.SessionOptional,
			Handler: procedure.Typed(func(ctx context.Context, in listInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				c := caller(in.RecordName, call, in.Instances)
				if in.Marker != "" {
					return r.Data.ListItemsByMarker(ctx, c, in.Marker, in.options()), nil
				}
				return r.Data.ListItems(ctx, c, in.options()), nil
			}),
		},
		{
			Name:    "eraseData",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodDelete, Path: DataPath},
			Input:   eraseSchema,
			Session: procedure.SessionRequired,
			Handler: procedure.Typed(func(ctx context.Context, in eraseInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				return r.Data.EraseItem(ctx, caller(in.RecordKey, call, in.Instances), in.Address), nil
			}),
		},
		{
			Name:    "streamData",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: DataPath + "/stream"},
			Input:   listSchema,
			Session: procedure.SessionOptional,
			Handler: procedure.Typed(func(ctx context.Context, in listInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				return r.streamData(ctx, caller(in.RecordName, call, in.Instances), in.Marker, in.options()), nil
			}),
		},
		{
			Name:    "recordPackage",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodPost, Path: PackagePath},
			Input:   recordPackageSchema,
			Session: procedure.SessionRequired,
			Handler: procedure.Typed(func(ctx context.Context, in recordPackageInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				item := Package{Address: in.Address, Markers: defaultMarkers(in.Markers)}
				return r.Packages.RecordItem(ctx, caller(in.RecordKey, call, in.Instances), item), nil
			}),
		},
		{
			Name:    "getPackage",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: PackagePath},
			Input:   addressSchema,
			Session: procedure.SessionOptional,
			Handler: procedure.Typed(func(ctx context.Context, in addressInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				return r.Packages.GetItem(ctx, caller(in.RecordName, call, in.Instances), in.Address), nil
			}),
		},
		{
			Name:    "listPackages",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: PackagePath + "/list"},
			Input:   listSchema,
			Session: procedure.SessionOptional,
			Handler: procedure.Typed(func(ctx context.Context, in listInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				c := caller(in.RecordName, call, in.Instances)
				if in.Marker != "" {
					return r.Packages.ListItemsByMarker(ctx, c, in.Marker, in.options()), nil
				}
				return r.Packages.ListItems(ctx, c, in.options()), nil
			}),
		},
		{
			Name:    "erasePackage",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodDelete, Path: PackagePath},
			Input:   eraseSchema,
			Session: procedure.SessionRequired,
			Handler: procedure.Typed(func(ctx context.Context, in eraseInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				return r.Packages.EraseItem(ctx, caller(in.RecordKey, call, in.Instances), in.Address), nil
			}),
		},
		{
			Name:    "recordPackageVersion",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodPost, Path: PackageVersionPath},
			Input:   recordVersionSchema,
			Session: procedure.SessionRequired,
			Handler: procedure.Typed(func(ctx context.Context, in recordVersionInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				v := PackageVersion{Address: in.Address, Key: in.Key, Description: in.Description, Aux: in.Aux}
				return r.Versions.RecordItem(ctx, caller(in.RecordKey, call, in.Instances), in.Address, v), nil
			}),
		},
		{
			Name:    "getPackageVersion",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: PackageVersionPath},
			Input:   getVersionSchema,
			Session: procedure.SessionOptional,
			Handler: procedure.Typed(func(ctx context.Context, in versionInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				return r.Versions.GetItem(ctx, caller(in.RecordName, call, in.Instances), in.Address, in.key()), nil
			}),
		},
		{
			Name:    "listPackageVersions",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: PackageVersionPath + "/list"},
			Input:   listVersionsSchema,
			Session: procedure.SessionOptional,
			Handler: procedure.Typed(func(ctx context.Context, in addressInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				return r.Versions.ListItems(ctx, caller(in.RecordName, call, in.Instances), in.Address), nil
			}),
		},
		{
			Name:    "erasePackageVersion",
			Origins: origin.API,
			HTTP:    &procedure.Binding{Method: http.MethodDelete, Path: PackageVersionPath},
			Input:   eraseVersionSchema,
			Session: procedure.SessionRequired,
			Handler: procedure.Typed(func(ctx context.Context, in versionInput, call *procedure.Call, _ procedure.NoQuery) (any, error) {
				return r.Versions.EraseItem(ctx, caller(in.RecordKey, call, in.Instances), in.Address, in.key()), nil
			}),
		},
		{
			Name:    "getServerTime",
			Origins: origin.All,
			HTTP:    &procedure.Binding{Method: http.MethodGet, Path: ServerTimePath},
			View:    &procedure.ViewBinding{Path: "/time"},
			Session: procedure.SessionNone,
			Handler: func(context.Context, map[string]any, *procedure.Call, map[string]any) (any, error) {
				return result.OK(ServerTime{ServerTime: r.now().UnixMilli()}), nil
			},
		},
	}
}

// streamData lists the record page by page and streams each item. A
// failure on the first page is returned as a plain result; later failures
// end the stream with the failure as its final value.
func (r *Resources) streamData(ctx context.Context, c crud.Caller, marker string, opts store.ListOptions) any {
	limit := opts.Limit
	opts.Limit = streamPageSize
	fetch := func(ctx context.Context, opts store.ListOptions) result.Result[crud.ListResult[Data]] {
		if marker != "" {
			return r.Data.ListItemsByMarker(ctx, c, marker, opts)
		}
		return r.Data.ListItems(ctx, c, opts)
	}
	first := fetch(ctx, opts)
	if first.Failure != nil {
		return first.Failure
	}
	return frame.Generate(ctx, func(ctx context.Context, emit func(any) error) (any, error) {
		page := first.Value
		sent := 0
		for {
			for _, item := range page.Items {
				if limit > 0 && sent >= limit {
					break
				}
				if err := emit(item); err != nil {
					return nil, err
				}
				sent++
			}
			if len(page.Items) < opts.Limit || (limit > 0 && sent >= limit) {
				break
			}
			opts.StartingAddress = page.Items[len(page.Items)-1].Address
			next := fetch(ctx, opts)
			if next.Failure != nil {
				return next.Failure, nil
			}
			page = next.Value
		}
		return result.OK(StreamSummary{RecordName: first.Value.RecordName, Count: sent, TotalCount: first.Value.TotalCount}), nil
	})
}
