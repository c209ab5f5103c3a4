package main

import (
	"encoding/json"
	goflag "flag"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/spate-io/spate/pkg/backend/kv"
	"github.com/spate-io/spate/pkg/backend/sqldb"
	"github.com/spate-io/spate/pkg/client"
)

func main() {
	cmd := NewSpateCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// NewSpateCommand creates the root command with subcommands for managing
// activity stream data.
func NewSpateCommand() *cobra.Command {
	options := NewStoreOptions()

	cmd := &cobra.Command{
		Use:   "spate",
		Short: "Spate - store and query activity streams",
		Long: `Spate stores Activity Streams objects and activities and serves
filtered, hydrated queries over them.

Records are JSON documents read from a file argument or stdin. By default the
embedded key/value store is used; pass --sqlite to use a relational store
instead.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	options.AddFlags(flags)

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	cmd.AddCommand(NewObjectCommand(options))
	cmd.AddCommand(NewActivityCommand(options))
	cmd.AddCommand(NewReplyCommand(options))
	cmd.AddCommand(NewLikeCommand(options))
	cmd.AddCommand(NewClearCommand(options))

	return cmd
}

// StoreOptions selects and configures the backing store.
type StoreOptions struct {
	Path      string
	SQLiteDSN string

	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string
	NATSTLSEnabled    bool
	NATSTLSCertFile   string
	NATSTLSKeyFile    string
	NATSTLSCAFile     string
}

// NewStoreOptions creates options with default values.
func NewStoreOptions() *StoreOptions {
	return &StoreOptions{
		Path: "spate.db",
	}
}

func (o *StoreOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Path, "db", o.Path,
		"Path to the embedded key/value store file")
	fs.StringVar(&o.SQLiteDSN, "sqlite", o.SQLiteDSN,
		"SQLite connection string; when set the relational store is used instead of --db")

	fs.StringVar(&o.NATSURL, "nats-url", o.NATSURL,
		"NATS server URL for change publishing (e.g. nats://localhost:4222). If not set, publishing is disabled.")
	fs.StringVar(&o.NATSStream, "nats-stream", o.NATSStream,
		"NATS JetStream stream name for store changes")
	fs.StringVar(&o.NATSSubjectPrefix, "nats-subject-prefix", o.NATSSubjectPrefix,
		"NATS subject prefix for store changes (defaults to 'spate.changes')")
	fs.BoolVar(&o.NATSTLSEnabled, "nats-tls-enabled", o.NATSTLSEnabled,
		"Enable TLS for the NATS connection")
	fs.StringVar(&o.NATSTLSCertFile, "nats-tls-cert-file", o.NATSTLSCertFile,
		"Path to client certificate file for NATS TLS")
	fs.StringVar(&o.NATSTLSKeyFile, "nats-tls-key-file", o.NATSTLSKeyFile,
		"Path to client private key file for NATS TLS")
	fs.StringVar(&o.NATSTLSCAFile, "nats-tls-ca-file", o.NATSTLSCAFile,
		"Path to CA certificate file for NATS TLS")
}

// Open builds the configured backend and wraps it in a client. The returned
// closer releases the store handle.
func (o *StoreOptions) Open() (*client.Client, func() error, error) {
	if o.SQLiteDSN != "" {
		b, err := sqldb.New(sqldb.Config{DSN: o.SQLiteDSN})
		if err != nil {
			return nil, nil, err
		}
		return client.New(b), b.Close, nil
	}

	b, err := kv.New(kv.Config{
		Path: o.Path,
		Publisher: kv.ChangePublisherConfig{
			URL:           o.NATSURL,
			StreamName:    o.NATSStream,
			SubjectPrefix: o.NATSSubjectPrefix,
			TLSEnabled:    o.NATSTLSEnabled,
			TLSCertFile:   o.NATSTLSCertFile,
			TLSKeyFile:    o.NATSTLSKeyFile,
			TLSCAFile:     o.NATSTLSCAFile,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return client.New(b), b.Close, nil
}

// withClient opens the configured store, runs fn, and closes the store.
func withClient(store *StoreOptions, fn func(*client.Client) error) error {
	c, closer, err := store.Open()
	if err != nil {
		return err
	}
	defer closer()
	return fn(c)
}

// readRecord reads one JSON document from the given file argument, or stdin
// when the argument is empty or "-".
func readRecord(path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	return record, nil
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// NewClearCommand creates the clear subcommand.
func NewClearCommand(store *StoreOptions) *cobra.Command {
	var objectsOnly, activitiesOnly bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete stored data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if objectsOnly && activitiesOnly {
				return fmt.Errorf("--objects and --activities are mutually exclusive")
			}

			c, closer, err := store.Open()
			if err != nil {
				return err
			}
			defer closer()

			ctx := cmd.Context()
			switch {
			case objectsOnly:
				return c.ClearAllObjects(ctx)
			case activitiesOnly:
				return c.ClearAllActivities(ctx)
			default:
				return c.ClearAll(ctx)
			}
		},
	}

	cmd.Flags().BoolVar(&objectsOnly, "objects", false, "Delete objects only")
	cmd.Flags().BoolVar(&activitiesOnly, "activities", false, "Delete activities only")
	return cmd
}

// resolveActor turns an actor argument into a record or id: arguments that
// look like JSON are parsed, anything else passes through as an id.
func resolveActor(arg string) (any, error) {
	if len(arg) > 0 && arg[0] == '{' {
		var record map[string]any
		if err := json.Unmarshal([]byte(arg), &record); err != nil {
			return nil, fmt.Errorf("failed to parse actor: %w", err)
		}
		return record, nil
	}
	return arg, nil
}
