package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/orchq/internal/cmd/client/transports"
)

// NewQueueCommand constructs the `queue` command group and subcommands.
func NewQueueCommand() *cobra.Command {
	qCmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Work queue operations (enqueue, lease, complete, inspect)",
		Long: `Work queue operations over gRPC.

Item lifecycle:
  pending → [retrieve] → active → [complete|cancel] → result published
                           ↓ (release, orphaned heartbeat)
                         pending

Keys are a plain string or a JSON array [tag, [args...]]. Items can also be
addressed by the fingerprint enqueue prints.`,
	}

	qCmd.AddCommand(
		newQueueEnqueueCommand(),
		newQueueRetrieveCommand(),
		newQueueHeartbeatCommand(),
		newQueueUpdateCommand(),
		newQueueCompleteCommand(),
		newQueueCancelCommand(),
		newQueueReleaseCommand(),
		newQueueWaitCommand(),
		newQueueResultCommand(),
		newQueueDefinitionCommand(),
		newQueueStageCommand(),
		newQueueInspectCommand(),
		newQueueNextIDCommand(),
		newQueueEventsCommand(),
	)
	return qCmd
}

func addScopeKeyFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("scope", "s", "default", "Queue scope")
	cmd.Flags().StringP("key", "k", "", "Item key: plain string, fingerprint or JSON [tag, [args...]]")
}

func scopeAndKey(cmd *cobra.Command) (string, json.RawMessage, error) {
	scope, _ := cmd.Flags().GetString("scope")
	raw, _ := cmd.Flags().GetString("key")
	key, err := parseKey(raw)
	return scope, key, err
}

func newQueueEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add an item unless its key is already queued",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			priority, _ := cmd.Flags().GetInt64("priority")
			orphan, _ := cmd.Flags().GetDuration("orphan-timeout")
			handler, _ := cmd.Flags().GetString("handler")
			argsStr, _ := cmd.Flags().GetString("args")
			queryStr, _ := cmd.Flags().GetString("query")
			stageKey, _ := cmd.Flags().GetString("stage-key")
			requestID, _ := cmd.Flags().GetString("request-id")

			args, err := parseJSONFlag("args", argsStr)
			if err != nil {
				return err
			}
			query, err := parseJSONFlag("query", queryStr)
			if err != nil {
				return err
			}
			res, err := getTransport().Enqueue(cmd.Context(), transports.EnqueueRequest{
				Scope:           scope,
				Key:             key,
				Priority:        priority,
				OrphanTimeoutMs: orphan.Milliseconds(),
				Handler:         handler,
				HandlerArgs:     args,
				Query:           query,
				StageKey:        stageKey,
				RequestID:       requestID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	addScopeKeyFlags(cmd)
	cmd.Flags().Int64P("priority", "p", 0, "Priority; higher is retrieved first")
	cmd.Flags().Duration("orphan-timeout", 0, "Heartbeat silence after which the lease is orphaned (0 = server default)")
	cmd.Flags().String("handler", "", "Handler name")
	cmd.Flags().String("args", "", "Handler arguments as JSON")
	cmd.Flags().String("query", "", "Query payload as JSON")
	cmd.Flags().String("stage-key", "", "Stage key")
	cmd.Flags().String("request-id", "", "Request id for tracing")
	return cmd
}

func newQueueRetrieveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "retrieve",
		Aliases: []string{"lease"},
		Short:   "Lease an item for processing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			pid, _ := cmd.Flags().GetString("processing-id")
			lease, err := getTransport().Retrieve(cmd.Context(), scope, key, pid)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), lease)
		},
	}
	addScopeKeyFlags(cmd)
	cmd.Flags().String("processing-id", "", "Processing id (allocated by the server when empty)")
	return cmd
}

func newQueueHeartbeatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh a lease",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			pid, _ := cmd.Flags().GetString("processing-id")
			held, err := getTransport().Heartbeat(cmd.Context(), scope, key, pid)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "held:", held)
			return nil
		},
	}
	addScopeKeyFlags(cmd)
	cmd.Flags().String("processing-id", "", "Lease holder id")
	return cmd
}

func newQueueUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Merge a JSON object into an item's extra metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			patchStr, _ := cmd.Flags().GetString("patch")
			pid, _ := cmd.Flags().GetString("processing-id")
			var patch map[string]any
			if patchStr != "" {
				if err := json.Unmarshal([]byte(patchStr), &patch); err != nil {
					return fmt.Errorf("invalid --patch: %w", err)
				}
			}
			updated, err := getTransport().Update(cmd.Context(), scope, key, patch, pid)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "updated:", updated)
			return nil
		},
	}
	addScopeKeyFlags(cmd)
	cmd.Flags().String("patch", "", "JSON object to merge; omit to clear extra")
	cmd.Flags().String("processing-id", "", "Lease holder id")
	return cmd
}

func newQueueCompleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Publish a result and remove the item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			resultStr, _ := cmd.Flags().GetString("result")
			pid, _ := cmd.Flags().GetString("processing-id")
			result, err := parseJSONFlag("result", resultStr)
			if err != nil {
				return err
			}
			if err := getTransport().Complete(cmd.Context(), scope, key, result, pid); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	addScopeKeyFlags(cmd)
	cmd.Flags().String("result", "", "Result as JSON")
	cmd.Flags().String("processing-id", "", "Lease holder id")
	return cmd
}

func newQueueCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Remove an item and wake its waiters as cancelled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			def, err := getTransport().Cancel(cmd.Context(), scope, key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	}
	addScopeKeyFlags(cmd)
	return cmd
}

func newQueueReleaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Free a lease without completing the item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			pid, _ := cmd.Flags().GetString("processing-id")
			activated, _ := cmd.Flags().GetBool("activated")
			if err := getTransport().Release(cmd.Context(), scope, key, pid, activated); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	addScopeKeyFlags(cmd)
	cmd.Flags().String("processing-id", "", "Lease holder id")
	cmd.Flags().Bool("activated", true, "Work was started; return the item to pending (false is a no-op)")
	return cmd
}

func newQueueWaitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the item's result is published",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			res, err := getTransport().Wait(cmd.Context(), scope, key, timeout.Milliseconds())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	addScopeKeyFlags(cmd)
	cmd.Flags().Duration("timeout", 30*time.Second, "Maximum time to wait (0 = server default)")
	return cmd
}

func newQueueResultCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result",
		Short: "Show the item's published result without waiting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			res, err := getTransport().Result(cmd.Context(), scope, key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	addScopeKeyFlags(cmd)
	return cmd
}

func newQueueDefinitionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "def",
		Aliases: []string{"definition", "get"},
		Short:   "Show an item's definition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, key, err := scopeAndKey(cmd)
			if err != nil {
				return err
			}
			def, err := getTransport().Definition(cmd.Context(), scope, key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	}
	addScopeKeyFlags(cmd)
	return cmd
}

func newQueueStageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "List pending and active items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			onlyKeys, _ := cmd.Flags().GetBool("only-keys")
			filter, _ := cmd.Flags().GetString("filter")
			st, err := getTransport().Stage(cmd.Context(), scope, onlyKeys, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringP("scope", "s", "default", "Queue scope")
	cmd.Flags().Bool("only-keys", false, "Omit definitions")
	cmd.Flags().String("filter", "", "CEL expression over each item, e.g. priority > 5 && handler == \"render\"")
	return cmd
}

func newQueueInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List orphaned and stalled items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			h, err := getTransport().Inspect(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
	cmd.Flags().StringP("scope", "s", "default", "Queue scope")
	return cmd
}

func newQueueNextIDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next-id",
		Short: "Allocate a processing id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			id, err := getTransport().NextProcessingID(cmd.Context(), scope)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringP("scope", "s", "default", "Queue scope")
	return cmd
}

func newQueueEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the scope's lifecycle journal",
		Long: `Read lifecycle events (enqueued, acquired, completed, cancelled, requeued).

With --group the read resumes from the group's cursor, and --commit stores the
returned position so the next read continues after it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			after, _ := cmd.Flags().GetUint64("after")
			limit, _ := cmd.Flags().GetInt("limit")
			reverse, _ := cmd.Flags().GetBool("reverse")
			wait, _ := cmd.Flags().GetDuration("wait")
			group, _ := cmd.Flags().GetString("group")
			commit, _ := cmd.Flags().GetBool("commit")
			if commit && group == "" {
				return fmt.Errorf("--commit requires --group")
			}
			tr := getTransport()
			page, err := tr.Events(cmd.Context(), transports.EventsQuery{
				Scope:   scope,
				After:   after,
				Limit:   limit,
				Reverse: reverse,
				WaitMs:  wait.Milliseconds(),
				Group:   group,
			})
			if err != nil {
				return err
			}
			if commit && len(page.Entries) > 0 {
				if err := tr.CommitCursor(cmd.Context(), scope, group, page.Next); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().StringP("scope", "s", "default", "Queue scope")
	cmd.Flags().Uint64("after", 0, "Return entries after this sequence")
	cmd.Flags().Int("limit", 100, "Maximum entries to return")
	cmd.Flags().Bool("reverse", false, "Newest first")
	cmd.Flags().Duration("wait", 0, "Block up to this long when nothing is available")
	cmd.Flags().String("group", "", "Reader group whose cursor to resume from")
	cmd.Flags().Bool("commit", false, "Commit the returned position to --group")
	return cmd
}
