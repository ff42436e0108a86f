package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/matthewjhunter/kleinwatch"
	"github.com/matthewjhunter/kleinwatch/internal/mcptools"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func requireChat(chatID int64) error {
	if chatID == 0 {
		return errors.New("--chat is required")
	}
	return nil
}

func checkCmd() *cobra.Command {
	var chatID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check one subscriber now and deliver new listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireChat(chatID); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			engine, _, err := openEngine(true, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			if !cmd.Flags().Changed("limit") {
				limit = cfg.Monitor.MaxTestListings
			}
			res, err := engine.CheckSubscriber(ctx, chatID, limit)
			if err != nil {
				return err
			}
			return formatter().OutputCheckResult(res)
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "subscriber chat id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum listings to deliver, 0 for unlimited (default: monitor.max_test_listings)")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one fleet sweep over every subscriber",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			engine, _, err := openEngine(true, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			return formatter().OutputSweep(engine.CheckAllSubscribers(ctx))
		},
	}
}

func statusCmd() *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a subscriber's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireChat(chatID); err != nil {
				return err
			}
			engine, _, err := openEngine(false, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			st, err := engine.Status(chatID)
			if err != nil {
				return err
			}
			return formatter().OutputStatus(st)
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "subscriber chat id")
	return cmd
}

func subscribersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers",
		Short: "List registered subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine(false, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			subs, err := engine.Subscribers()
			if err != nil {
				return err
			}
			return formatter().OutputSubscribers(subs)
		},
	}
}

func subscribeCmd() *cobra.Command {
	var chatID int64
	var username, firstName string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Register a chat and enable the default search",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireChat(chatID); err != nil {
				return err
			}
			engine, _, err := openEngine(false, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Subscribe(chatID, username, firstName); err != nil {
				return err
			}
			fmt.Printf("Subscribed chat %d\n", chatID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "subscriber chat id")
	cmd.Flags().StringVar(&username, "username", "", "telegram username")
	cmd.Flags().StringVar(&firstName, "name", "", "display name")
	return cmd
}

func unsubscribeCmd() *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Disable every search of a chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireChat(chatID); err != nil {
				return err
			}
			engine, _, err := openEngine(false, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Unsubscribe(chatID); err != nil {
				return err
			}
			fmt.Printf("Unsubscribed chat %d\n", chatID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "subscriber chat id")
	return cmd
}

func queryCmd() *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Manage a subscriber's saved searches",
	}
	cmd.PersistentFlags().Int64Var(&chatID, "chat", 0, "subscriber chat id")

	// withEngine opens the store for a query subcommand.
	withEngine := func(run func(e *kleinwatch.Engine, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := requireChat(chatID); err != nil {
				return err
			}
			engine, _, err := openEngine(false, nil)
			if err != nil {
				return err
			}
			defer engine.Close()
			return run(engine, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved searches",
		Args:  cobra.NoArgs,
		RunE: withEngine(func(e *kleinwatch.Engine, args []string) error {
			queries, err := e.Queries(chatID)
			if err != nil {
				return err
			}
			return formatter().OutputQueries(queries)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <search-url>",
		Short: "Add a search results URL",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(e *kleinwatch.Engine, args []string) error {
			q, err := e.AddQuery(chatID, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Added query %d\n", q.ID)
			return nil
		}),
	})
	for _, enabled := range []bool{true, false} {
		use, short := "enable <query-id>", "Resume a saved search"
		if !enabled {
			use, short = "disable <query-id>", "Pause a saved search"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: withEngine(func(e *kleinwatch.Engine, args []string) error {
				id, err := parseQueryID(args[0])
				if err != nil {
					return err
				}
				return e.EnableQuery(chatID, id, enabled)
			}),
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <query-id>",
		Short: "Delete a saved search",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(e *kleinwatch.Engine, args []string) error {
			id, err := parseQueryID(args[0])
			if err != nil {
				return err
			}
			if err := e.RemoveQuery(chatID, id); err != nil {
				return err
			}
			fmt.Printf("Removed query %d\n", id)
			return nil
		}),
	})
	return cmd
}

func parseQueryID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid query id %q", s)
	}
	return id, nil
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve subscriber administration tools over MCP on stdio",
		Long: `Serve MCP tools on stdin/stdout. check_subscriber delivers through
Telegram when a bot token is configured; without one it still runs the check
but every delivery fails and listings stay unseen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			engine, _, err := openEngine(cfg.Telegram.Token != "", nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			srv := mcptools.NewServer(engine, version)
			return srv.Run(ctx, &mcp.StdioTransport{})
		},
	}
}
