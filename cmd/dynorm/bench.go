package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cloudxsgmbh/dynamodb-orm-go"
	"github.com/cloudxsgmbh/dynamodb-orm-go/internal/localstore"
)

type benchRecord struct {
	_       struct{}  `dynamo:"table:DynormBench"`
	ID      string    `dynamo:"Id,hash"`
	Name    string    `dynamo:"Name"`
	Count   int       `dynamo:"Count"`
	Tags    []string  `dynamo:"Tags"`
	Updated time.Time `dynamo:"Updated"`
}

// benchResult is the timing of one phase.
type benchResult struct {
	Phase   string
	Ops     int
	Elapsed time.Duration
}

func (r benchResult) perOp() time.Duration {
	if r.Ops == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(r.Ops)
}

func newBenchCmd() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time add/get/list/update/delete against the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("iterations") {
				cfg.Iterations = iterations
			}
			if verbose {
				cfg.Verbose = true
			}
			return runBench(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 100, "records per phase")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, cfg *Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	path := cfg.DBPath
	if path == "" {
		dir, err := os.MkdirTemp("", "dynorm-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "bench.db")
	}
	store, err := localstore.Open(path, localstore.WithLogger(logger.Named("localstore")))
	if err != nil {
		return err
	}
	defer store.Close()

	table := cfg.Table
	if table == "" {
		if table, err = dynorm.TableIdentity(benchRecord{}); err != nil {
			return err
		}
	}
	if err := ensureTable(ctx, store, table, benchRecord{}); err != nil {
		return err
	}

	repo, err := dynorm.NewRepository(store, dynorm.WithLogger(repositoryLogger(logger.Named("dynorm"))))
	if err != nil {
		return err
	}
	results, err := benchPhases(ctx, repo, table, cfg)
	if err != nil {
		return err
	}
	printResults(out, results)
	return nil
}

// ensureTable creates table with the key schema of record unless it exists.
func ensureTable(ctx context.Context, store *localstore.Store, table string, record any) error {
	keys, err := dynorm.KeyFields(record)
	if err != nil {
		return err
	}
	schema := []types.KeySchemaElement{{AttributeName: aws.String(keys.Hash.Name), KeyType: types.KeyTypeHash}}
	if keys.Range != nil {
		schema = append(schema, types.KeySchemaElement{AttributeName: aws.String(keys.Range.Name), KeyType: types.KeyTypeRange})
	}
	_, err = store.CreateTable(ctx, &ddb.CreateTableInput{TableName: aws.String(table), KeySchema: schema})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	return err
}

func benchPhases(ctx context.Context, repo *dynorm.Repository, table string, cfg *Config) ([]benchResult, error) {
	n := cfg.Iterations
	onTable := dynorm.WithTable(table)
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
	}

	var results []benchResult
	phase := func(name string, ops int, fn func() error) error {
		start := time.Now()
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		results = append(results, benchResult{Phase: name, Ops: ops, Elapsed: time.Since(start)})
		return nil
	}

	err := phase("add", n, func() error {
		for i, id := range ids {
			rec := benchRecord{ID: id, Name: fmt.Sprintf("record-%04d", i), Count: i, Tags: []string{"bench"}, Updated: time.Now()}
			if err := repo.Add(ctx, &rec, onTable); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = phase("get", n, func() error {
		for _, id := range ids {
			rec, err := dynorm.Get[benchRecord](ctx, repo, id, nil, onTable)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("record %s not found", id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = phase("list", 1, func() error {
		p := dynorm.Where(dynorm.Ge(dynorm.Attr("Count"), dynorm.Value(0)))
		recs, err := dynorm.List[benchRecord](ctx, repo, p, onTable, dynorm.WithPageSize(cfg.PageSize))
		if err != nil {
			return err
		}
		if len(recs) < n {
			return fmt.Errorf("listed %d records, want at least %d", len(recs), n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = phase("update", n, func() error {
		for i, id := range ids {
			rec := benchRecord{ID: id, Name: fmt.Sprintf("updated-%04d", i), Count: i + 1, Updated: time.Now()}
			if err := repo.Update(ctx, &rec, onTable); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = phase("delete", n, func() error {
		repo.BeginWriteTransaction()
		for i, id := range ids {
			if err := dynorm.DeleteByKey[benchRecord](ctx, repo, id, nil, onTable); err != nil {
				repo.RollbackWriteTransaction()
				return err
			}
			if (i+1)%25 == 0 || i == len(ids)-1 {
				if err := repo.CommitWriteTransaction(ctx); err != nil {
					return err
				}
				if i != len(ids)-1 {
					repo.BeginWriteTransaction()
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func printResults(out io.Writer, results []benchResult) {
	headingColor.Fprintf(out, "%-8s %8s %14s %14s\n", "phase", "ops", "total", "per op")
	for _, r := range results {
		fmt.Fprintf(out, "%-8s %8d %14s %14s\n", r.Phase, r.Ops, r.Elapsed.Round(time.Microsecond), r.perOp().Round(time.Microsecond))
	}
}
