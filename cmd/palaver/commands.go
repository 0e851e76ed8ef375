package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/palaver/internal/config"
	"github.com/cloud-shuttle/palaver/internal/conversation"
	"github.com/cloud-shuttle/palaver/internal/logging"
	"github.com/cloud-shuttle/palaver/internal/search"
	"github.com/cloud-shuttle/palaver/internal/server"
	"github.com/cloud-shuttle/palaver/pkg/types"
)

// shutdownTimeout bounds how long serve waits for in-flight requests
const shutdownTimeout = 15 * time.Second

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func serveCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations over HTTP",
		Long: `Serve conversations over HTTP.

POST /chat processes a message, DELETE /conversations/{id} clears a
conversation, GET /conversations lists them and GET /events streams
lifecycle events. Set database_path to keep conversations across restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()
			eng.checkCompleter(ctx)

			opts := server.Options{
				Engine:       eng.orchestrator,
				Bus:          eng.bus,
				Logger:       logger,
				CORSOrigin:   cfg.CORSOrigin,
				RateLimit:    cfg.RateLimit,
				WriteTimeout: cfg.TurnTimeout + 10*time.Second,
			}
			if eng.searcher != nil {
				opts.Searcher = eng.searcher
			}
			srv, err := server.New(opts)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe(cfg.ListenAddr)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			// Ending the bus first closes event streams so Shutdown can drain.
			eng.bus.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutting down server: %w", err)
			}
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	return cmd
}

func conversationsCmd(configPath *string) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List persisted conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.DatabasePath
			}
			if dbPath == "" {
				return errors.New("no database configured (set database_path or pass --db)")
			}

			store, err := conversation.OpenSQLite(dbPath)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer store.Close()

			infos, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println(dimStyle.Render("No conversations."))
				return nil
			}

			fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s  %-19s  %-19s  %8s  %8s", "ID", "CREATED", "LAST ACTIVE", "MESSAGES", "TOKENS")))
			for _, info := range infos {
				fmt.Printf("%-36s  %-19s  %-19s  %8d  %8d\n",
					info.ConversationID,
					info.CreatedAt.Local().Format(time.DateTime),
					info.LastActiveAt.Local().Format(time.DateTime),
					info.MessageCount,
					info.TotalTokens,
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "conversation database (overrides database_path)")
	return cmd
}

func searchCmd(configPath *string) *cobra.Command {
	var dbPath, conversationID, role string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search persisted conversation messages",
		Long: `Search persisted conversation messages.

Quoted phrases match exactly, a leading '-' excludes a term, and words
longer than three letters match by prefix.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.DatabasePath
			}
			if dbPath == "" {
				return errors.New("no database configured (set database_path or pass --db)")
			}

			// Opening the store first ensures the schema the index reads from.
			store, err := conversation.OpenSQLite(dbPath)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer store.Close()

			s, err := openSearcher(cmd.Context(), dbPath, logging.Discard())
			if err != nil {
				return err
			}
			defer s.Close()

			results, err := s.Search(cmd.Context(), search.Query{
				Query:          strings.Join(args, " "),
				Limit:          limit,
				ConversationID: conversationID,
				Role:           types.Role(role),
			})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println(dimStyle.Render("No matches."))
				return nil
			}

			for _, r := range results {
				fmt.Printf("%s %s\n", headerStyle.Render(r.ConversationID), dimStyle.Render(fmt.Sprintf("#%d %s  %s", r.Seq, r.Role, r.CreatedAt.Local().Format(time.DateTime))))
				fmt.Printf("  %s\n", r.Match)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "conversation database (overrides database_path)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "only search this conversation")
	cmd.Flags().StringVar(&role, "role", "", "only match messages from this role (user, assistant, system)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results")
	return cmd
}

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration as TOML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "palaver.toml"
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().Save(path); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Println(successStyle.Render("Wrote " + path))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the palaver version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("palaver " + version)
		},
	}
}
