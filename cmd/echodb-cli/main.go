// Command echodb-cli is a thin administrative client wired directly
// against the object store — spec §1 places a real client/RPC surface
// out of scope, so this tool opens a Database as a designated leader
// for the duration of one subcommand rather than talking to a running
// server over a network. Grounded on BuddyAnonymous-kv-engine's
// cmd/kv/main.go (engine.New wired directly into the command loop, no
// network hop), restructured from a REPL into one-shot cobra
// subcommands following cqkv-cqkv's cmd entrypoint convention.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/echodb/echodb/internal/config"
	"github.com/echodb/echodb/internal/db"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/spf13/cobra"
)

var (
	bucket    string
	region    string
	endpoint  string
	pathStyle bool
	memStore  bool
	nodeID    string
)

func openStore() (objstore.Store, error) {
	if memStore {
		return objstore.NewMemStore(), nil
	}
	return objstore.NewS3Store(objstore.S3Config{
		Bucket:    bucket,
		Region:    region,
		Endpoint:  endpoint,
		PathStyle: pathStyle,
	})
}

func withDatabase(fn func(ctx context.Context, d *db.Database) error) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := db.Open(ctx, store, config.DefaultConfig(), nodeID, true)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer d.Close(ctx)

	return fn(ctx, d)
}

func main() {
	root := &cobra.Command{
		Use:   "echodb-cli",
		Short: "Administrative client for an EchoDB object-store bucket",
	}

	flags := root.PersistentFlags()
	flags.StringVar(&bucket, "bucket", "", "object store bucket")
	flags.StringVar(&region, "region", "", "object store region")
	flags.StringVar(&endpoint, "endpoint", "", "S3-compatible endpoint override")
	flags.BoolVar(&pathStyle, "path-style", false, "force S3 path-style addressing")
	flags.BoolVar(&memStore, "mem-store", false, "use an in-memory object store (testing only)")
	flags.StringVar(&nodeID, "node-id", "echodb-cli", "node identifier this command acts as")

	root.AddCommand(getCmd(), putCmd(), deleteCmd(), flushCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(ctx context.Context, d *db.Database) error {
				v, found, err := d.Get(ctx, []byte(args[0]))
				if err != nil {
					return err
				}
				if !found {
					fmt.Println("(nil)")
					return nil
				}
				fmt.Println(string(v))
				return nil
			})
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(ctx context.Context, d *db.Database) error {
				if err := d.Put(ctx, []byte(args[0]), []byte(args[1])); err != nil {
					return err
				}
				fmt.Println("OK")
				return nil
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(ctx context.Context, d *db.Database) error {
				if err := d.Delete(ctx, []byte(args[0])); err != nil {
					return err
				}
				fmt.Println("OK")
				return nil
			})
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Force a memtable flush to L0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(ctx context.Context, d *db.Database) error {
				if err := d.Flush(ctx); err != nil {
					return err
				}
				fmt.Println("flushed")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report leadership status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(ctx context.Context, d *db.Database) error {
				fmt.Printf("node=%s leader=%v\n", nodeID, d.IsLeader())
				return nil
			})
		},
	}
}
