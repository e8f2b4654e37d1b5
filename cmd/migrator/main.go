package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/casual-simulation/casualos-sub007/pkg/store"

	"github.com/spf13/pflag"
)

type migratorDBCloser interface {
	store.MigrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	if err := runMigrator(os.Args[1:], openDBFn, log.Printf); err != nil {
		logFatalf("migrator: %v", err)
	}
}

// runMigrator applies the embedded schema, or the *.sql files under --dir
// when it is given.
func runMigrator(args []string, openDB func(ctx context.Context) (migratorDBCloser, error), logf func(format string, args ...any)) error {
	flags := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	dir := flags.String("dir", "", "directory of *.sql files to apply instead of the built-in schema")
	timeout := flags.Duration("timeout", 20*time.Second, "overall deadline")
	if err := flags.Parse(args); err != nil {
		return err
	}
	var files fs.FS
	if d := strings.TrimSpace(*dir); d != "" {
		info, err := os.Stat(d)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", d)
		}
		files = os.DirFS(d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	applied, err := store.Migrate(ctx, pool, files, logf)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	logf("migrations complete, %d applied", applied)
	return nil
}
