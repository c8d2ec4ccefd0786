package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/vango-go/bindery/pkg/server"
	"github.com/vango-go/bindery/pkg/snapshot"
	"github.com/vango-go/bindery/pkg/state"
	"github.com/vango-go/bindery/pkg/statepath"
	"github.com/vango-go/bindery/pkg/update"
)

func serveCmd() *cobra.Command {
	var (
		addr         string
		snapshotFile string
		s3Bucket     string
		s3Key        string
		bindPaths    []string
		bindLists    []string
		trace        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the binding engine behind an HTTP/WebSocket server",
		Long: `Start an engine instance and expose it over HTTP.

Clients subscribe to render frames on /ws and submit writes via
POST /state or over the socket. When a snapshot store is configured
the last saved tree is restored on startup and POST /snapshot
persists the current one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			slog.SetDefault(logger)

			store, err := buildStore(cmd.Context(), snapshotFile, s3Bucket, s3Key)
			if err != nil {
				return err
			}

			acc := state.New(state.WithLogger(logger))
			if store != nil {
				tree, err := store.Load(cmd.Context())
				switch {
				case err == nil:
					acc.Restore(tree)
					logger.Info("snapshot restored")
				case errors.Is(err, snapshot.ErrNotFound):
					logger.Info("no snapshot found, starting empty")
				default:
					return fmt.Errorf("load snapshot: %w", err)
				}
			}

			hub := server.NewHub(logger)
			updaterOpts := []update.Option{
				update.WithLogger(logger),
				update.WithOpSink(hub),
				update.WithMetrics(update.NewMetrics()),
			}
			if trace {
				updaterOpts = append(updaterOpts, update.WithTracer(update.Tracer()))
			}
			u := update.New(acc, updaterOpts...)

			for _, p := range bindLists {
				if err := acc.RegisterList(p); err != nil {
					return fmt.Errorf("register list %q: %w", p, err)
				}
				r := acc.Cache().GetRef(statepath.MustResolve(p), nil)
				u.AddBinding(update.NewListBinding(acc, r, hub))
			}
			for _, p := range bindPaths {
				info, err := statepath.Resolve(p)
				if err != nil {
					return fmt.Errorf("bind %q: %w", p, err)
				}
				u.AddBinding(update.NewValueBinding(acc, acc.Cache().GetRef(info, nil), hub))
			}
			if err := u.InitialRenderOnce(); err != nil {
				return fmt.Errorf("initial render: %w", err)
			}

			var serverOpts []server.Option
			serverOpts = append(serverOpts, server.WithLogger(logger))
			if store != nil {
				serverOpts = append(serverOpts, server.WithSnapshotStore(store))
			}
			srv := server.New(acc, u, hub, &server.Config{Address: addr}, serverOpts...)
			return srv.Start()
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Listen address")
	cmd.Flags().StringVar(&snapshotFile, "snapshot-file", "", "Persist state to this JSON file")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "Persist state to this S3 bucket")
	cmd.Flags().StringVar(&s3Key, "s3-key", "bindery/state.json", "S3 object key for the snapshot")
	cmd.Flags().StringArrayVar(&bindPaths, "bind", nil, "Value path to bind (repeatable)")
	cmd.Flags().StringArrayVar(&bindLists, "bind-list", nil, "Collection path to bind (repeatable)")
	cmd.Flags().BoolVar(&trace, "trace", false, "Emit an OpenTelemetry span per update cycle")

	return cmd
}

// buildStore picks the snapshot backend from the flags. File and S3 are
// mutually exclusive; neither means no persistence.
func buildStore(ctx context.Context, file, bucket, key string) (snapshot.Store, error) {
	if file != "" && bucket != "" {
		return nil, errors.New("--snapshot-file and --s3-bucket are mutually exclusive")
	}
	if file != "" {
		return snapshot.NewFileStore(file), nil
	}
	if bucket != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return snapshot.NewS3Store(s3.NewFromConfig(cfg), bucket, key), nil
	}
	return nil, nil
}
