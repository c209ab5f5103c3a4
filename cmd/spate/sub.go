package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spate-io/spate/pkg/client"
)

// NewReplyCommand creates the reply subcommand group.
func NewReplyCommand(store *StoreOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Manage replies on activities",
	}
	cmd.AddCommand(newReplyCreateCommand(store))
	cmd.AddCommand(newReplyDeleteCommand(store))
	return cmd
}

// NewLikeCommand creates the like subcommand group.
func NewLikeCommand(store *StoreOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "like",
		Short: "Manage likes on activities",
	}
	cmd.AddCommand(newLikeCreateCommand(store))
	cmd.AddCommand(newLikeDeleteCommand(store))
	return cmd
}

func newReplyCreateCommand(store *StoreOptions) *cobra.Command {
	var extraJSON string

	cmd := &cobra.Command{
		Use:   "create activity-id actor content",
		Short: "Reply to an activity",
		Long: `Reply to an activity. The actor is either a stored object id or an
inline JSON object; the content is the reply text.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := resolveActor(args[1])
			if err != nil {
				return err
			}
			extra, err := parseExtra(extraJSON)
			if err != nil {
				return err
			}
			return withClient(store, func(c *client.Client) error {
				reply, parent, err := c.CreateReply(cmd.Context(), args[0], actor, args[2], extra)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"reply":    reply,
					"activity": parent,
				})
			})
		},
	}

	cmd.Flags().StringVar(&extraJSON, "extra", "", "Extra reply fields as a JSON object")
	return cmd
}

func newReplyDeleteCommand(store *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete id",
		Short: "Delete a reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(store, func(c *client.Client) error {
				parent, err := c.DeleteReply(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), parent)
			})
		},
	}
}

func newLikeCreateCommand(store *StoreOptions) *cobra.Command {
	var extraJSON string

	cmd := &cobra.Command{
		Use:   "create activity-id actor",
		Short: "Like an activity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := resolveActor(args[1])
			if err != nil {
				return err
			}
			extra, err := parseExtra(extraJSON)
			if err != nil {
				return err
			}
			return withClient(store, func(c *client.Client) error {
				like, parent, err := c.CreateLike(cmd.Context(), args[0], actor, nil, extra)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"like":     like,
					"activity": parent,
				})
			})
		},
	}

	cmd.Flags().StringVar(&extraJSON, "extra", "", "Extra like fields as a JSON object")
	return cmd
}

func newLikeDeleteCommand(store *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete id",
		Short: "Delete a like",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(store, func(c *client.Client) error {
				parent, err := c.DeleteLike(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), parent)
			})
		},
	}
}

func parseExtra(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		return nil, fmt.Errorf("failed to parse --extra: %w", err)
	}
	return extra, nil
}
