// Command echodb-server runs one EchoDB node: the core engine plus a
// /metrics endpoint. The HTTP/RPC surface for client traffic is an
// external collaborator per spec §1 — this binary wires only the
// ambient process concerns (flags, signal handling, a metrics port).
// Grounded on the teacher's cmd/sentinel-server/main.go (flag-driven
// config, background signal handler calling srv.Stop(), Start() blocking
// the main goroutine), rewritten against github.com/spf13/cobra instead
// of the standard flag package, following cqkv-cqkv's cmd entrypoint
// convention of a cobra root command per binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echodb/echodb/internal/config"
	"github.com/echodb/echodb/internal/db"
	"github.com/echodb/echodb/internal/objstore"
	"github.com/spf13/cobra"
)

func main() {
	var (
		bucket      string
		region      string
		endpoint    string
		pathStyle   bool
		nodeID      string
		designated  bool
		metricsAddr string
		memStore    bool
	)

	cmd := &cobra.Command{
		Use:   "echodb-server",
		Short: "Run one EchoDB node",
		RunE: func(cmd *cobra.Command, args []string) error {
			var store objstore.Store
			if memStore {
				store = objstore.NewMemStore()
			} else {
				s3, err := objstore.NewS3Store(objstore.S3Config{
					Bucket:    bucket,
					Region:    region,
					Endpoint:  endpoint,
					PathStyle: pathStyle,
				})
				if err != nil {
					return fmt.Errorf("open object store: %w", err)
				}
				store = s3
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			d, err := db.Open(ctx, store, config.DefaultConfig(), nodeID, designated)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", d.Metrics().Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux}

			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			fmt.Printf("echodb-server running as %s (leader=%v), metrics on %s\n", nodeID, designated, metricsAddr)
			<-sigCh

			fmt.Println("shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			_ = srv.Shutdown(shutdownCtx)
			return d.Close(shutdownCtx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&bucket, "bucket", "", "object store bucket")
	flags.StringVar(&region, "region", "", "object store region")
	flags.StringVar(&endpoint, "endpoint", "", "S3-compatible endpoint override")
	flags.BoolVar(&pathStyle, "path-style", false, "force S3 path-style addressing")
	flags.StringVar(&nodeID, "node-id", "node-1", "this node's identifier")
	flags.BoolVar(&designated, "designated", false, "start as the designated leader without contention")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9100", "address to serve /metrics on")
	flags.BoolVar(&memStore, "mem-store", false, "use an in-memory object store (single process, for local development)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
