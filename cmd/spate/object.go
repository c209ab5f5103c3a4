package main

import (
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/spate-io/spate/pkg/client"
)

// NewObjectCommand creates the object subcommand group.
func NewObjectCommand(store *StoreOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "object",
		Short: "Manage stored objects",
	}
	cmd.AddCommand(newObjectCreateCommand(store))
	cmd.AddCommand(newObjectGetCommand(store))
	cmd.AddCommand(newObjectDeleteCommand(store))
	return cmd
}

func newObjectCreateCommand(store *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create [file]",
		Short: "Store an object read from a file or stdin",
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
				created, err := c.CreateObject(cmd.Context(), record)
				if err != nil {
					return err
				}
				klog.V(2).InfoS("stored object", "id", created["id"])
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}
}

func newObjectGetCommand(store *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get id [id...]",
		Short: "Print stored objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(store, func(c *client.Client) error {
				objects, err := c.GetObjects(cmd.Context(), args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), objects)
			})
		},
	}
}

func newObjectDeleteCommand(store *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete id",
		Short: "Delete a stored object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(store, func(c *client.Client) error {
				return c.DeleteObject(cmd.Context(), args[0])
			})
		},
	}
}
