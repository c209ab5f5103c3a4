package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/spate-io/spate/pkg/aggregate"
	"github.com/spate-io/spate/pkg/backend"
	"github.com/spate-io/spate/pkg/client"
)

// NewActivityCommand creates the activity subcommand group.
func NewActivityCommand(store *StoreOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Manage stored activities",
	}
	cmd.AddCommand(newActivityCreateCommand(store))
	cmd.AddCommand(newActivityUpdateCommand(store))
	cmd.AddCommand(newActivityGetCommand(store))
	cmd.AddCommand(newActivityDeleteCommand(store))
	return cmd
}

func newActivityCreateCommand(store *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create [file]",
		Short: "Store an activity read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			record, err := readRecord(path)
			if err != nil {
				return err
			}

			return withClient(store, func(c *client.Client) error {
				created, err := c.CreateActivity(cmd.Context(), record)
				if err != nil {
					return err
				}
				klog.V(2).InfoS("stored activity", "id", created["id"], "verb", created["verb"])
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}
}

func newActivityUpdateCommand(store *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update [file]",
		Short: "Replace a stored activity with one read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			record, err := readRecord(path)
			if err != nil {
				return err
			}

			return withClient(store, func(c *client.Client) error {
				updated, err := c.UpdateActivity(cmd.Context(), record)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), updated)
			})
		},
	}
}

// ActivityGetOptions holds the flags of the activity get subcommand.
type ActivityGetOptions struct {
	Filters       []string
	RawFilter     string
	Audience      []string
	IncludePublic bool
	GroupBy       []string
}

func (o *ActivityGetOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&o.Filters, "filter", o.Filters,
		"Property filter as key=value[,value...]; repeatable, keys OR together")
	cmd.Flags().StringVar(&o.RawFilter, "raw-filter", o.RawFilter,
		"CEL expression over 'activity', e.g. activity.verb == \"post\"")
	cmd.Flags().StringArrayVar(&o.Audience, "audience", o.Audience,
		"Audience targeting as slot=id[,id...]; repeatable (slots: to, bto, cc, bcc)")
	cmd.Flags().BoolVar(&o.IncludePublic, "public", o.IncludePublic,
		"With --audience, also keep activities that carry no audience at all")
	cmd.Flags().StringSliceVar(&o.GroupBy, "group-by", o.GroupBy,
		"Group consecutive results sharing values at these attribute paths")
}

// Build converts the flag values into backend query options.
func (o *ActivityGetOptions) Build() (backend.GetOptions, error) {
	opts := backend.GetOptions{
		RawFilter:     o.RawFilter,
		IncludePublic: o.IncludePublic,
	}

	for _, pair := range o.Filters {
		key, values, err := splitPair(pair)
		if err != nil {
			return opts, fmt.Errorf("invalid --filter %q: %w", pair, err)
		}
		if opts.Filters == nil {
			opts.Filters = make(map[string][]any)
		}
		for _, v := range values {
			opts.Filters[key] = append(opts.Filters[key], parseScalar(v))
		}
	}

	for _, pair := range o.Audience {
		slot, ids, err := splitPair(pair)
		if err != nil {
			return opts, fmt.Errorf("invalid --audience %q: %w", pair, err)
		}
		if opts.AudienceTargeting == nil {
			opts.AudienceTargeting = make(map[string][]string)
		}
		opts.AudienceTargeting[slot] = append(opts.AudienceTargeting[slot], ids...)
	}

	if len(o.GroupBy) > 0 {
		opts.Pipeline = []aggregate.Aggregator{
			&aggregate.PropertyAggregator{Properties: o.GroupBy},
		}
	}
	return opts, nil
}

func newActivityGetCommand(store *StoreOptions) *cobra.Command {
	options := &ActivityGetOptions{}

	cmd := &cobra.Command{
		Use:   "get id [id...]",
		Short: "Query stored activities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := options.Build()
			if err != nil {
				return err
			}
			return withClient(store, func(c *client.Client) error {
				activities, err := c.GetActivities(cmd.Context(), args, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), activities)
			})
		},
	}

	options.AddFlags(cmd)
	return cmd
}

func newActivityDeleteCommand(store *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete id",
		Short: "Delete an activity and its replies and likes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(store, func(c *client.Client) error {
				return c.DeleteActivity(cmd.Context(), args[0])
			})
		},
	}
}

// splitPair parses "key=v1,v2" into the key and its values.
func splitPair(pair string) (string, []string, error) {
	key, rest, ok := strings.Cut(pair, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("expected key=value")
	}
	return key, strings.Split(rest, ","), nil
}

// parseScalar interprets a flag value the way a JSON document would carry
// it, so numeric and boolean filters match stored records.
func parseScalar(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	switch out.(type) {
	case string, float64, bool, nil:
		return out
	default:
		return v
	}
}
