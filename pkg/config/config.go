// Package config reads server settings from the environment and an optional
// YAML file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/casual-simulation/casualos-sub007/pkg/crud"
)

func Env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func EnvBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvDuration reads k as a number of units.
func EnvDuration(k string, def int, unit time.Duration) time.Duration {
	return unit * time.Duration(EnvInt(k, def))
}

// EnvList splits a comma separated variable, dropping empty entries.
func EnvList(k string) []string {
	return SplitList(os.Getenv(k))
}

func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type Origins struct {
	Account []string `yaml:"account"`
	API     []string `yaml:"api"`
	// Socket holds websocket accept patterns (host globs).
	Socket []string `yaml:"socket"`
}

type Uploads struct {
	BaseURL string        `yaml:"baseUrl"`
	Headers []string      `yaml:"headers"`
	TTL     time.Duration `yaml:"ttl"`
}

type Downloads struct {
	Prefixes []string      `yaml:"prefixes"`
	Timeout  time.Duration `yaml:"timeout"`
}

// File is the YAML configuration document.
type File struct {
	Origins Origins `yaml:"origins"`
	// Scopes maps request hostnames to route scopes.
	Scopes    map[string]string          `yaml:"scopes"`
	Tiers     crud.TierFeatures          `yaml:"tiers"`
	Records   map[string]crud.RecordInfo `yaml:"records"`
	Uploads   Uploads                    `yaml:"uploads"`
	Downloads Downloads                  `yaml:"downloads"`
}

// Load reads path. An empty path yields an empty File.
func Load(path string) (File, error) {
	var f File
	if strings.TrimSpace(path) == "" {
		return f, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(raw []byte) (File, error) {
	var f File
	if len(bytes.TrimSpace(raw)) == 0 {
		return f, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return f, fmt.Errorf("parse config: %w", err)
	}
	return f, nil
}

// ApplyEnv fills settings the file left empty from the environment.
func (f *File) ApplyEnv() {
	if len(f.Origins.Account) == 0 {
		f.Origins.Account = EnvList("ACCOUNT_ORIGINS")
	}
	if len(f.Origins.API) == 0 {
		f.Origins.API = EnvList("API_ORIGINS")
	}
	if len(f.Origins.Socket) == 0 {
		f.Origins.Socket = EnvList("SOCKET_ORIGIN_PATTERNS")
	}
	if f.Uploads.BaseURL == "" {
		f.Uploads.BaseURL = Env("UPLOAD_BASE_URL", "")
	}
	if len(f.Uploads.Headers) == 0 {
		f.Uploads.Headers = EnvList("UPLOAD_HEADERS")
	}
	if f.Uploads.TTL == 0 {
		f.Uploads.TTL = EnvDuration("UPLOAD_TTL_SEC", 300, time.Second)
	}
	if len(f.Downloads.Prefixes) == 0 {
		f.Downloads.Prefixes = EnvList("DOWNLOAD_PREFIXES")
	}
	if f.Downloads.Timeout == 0 {
		f.Downloads.Timeout = EnvDuration("DOWNLOAD_TIMEOUT_MS", 5000, time.Millisecond)
	}
}

// StaticHeaders is a fixed list of headers an upload target requires.
type StaticHeaders []string

func (h StaticHeaders) RequiredHeaders() []string { return h }
