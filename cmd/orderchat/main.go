package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/workmesh/orderchat/internal/app"
	"github.com/workmesh/orderchat/internal/bus"
	"github.com/workmesh/orderchat/internal/chat"
	"github.com/workmesh/orderchat/internal/config"
	"github.com/workmesh/orderchat/internal/console"
	"github.com/workmesh/orderchat/internal/session"
	"github.com/workmesh/orderchat/internal/store"
)

var (
	profileFlag string
	serverFlag  string
	tokenFlag   string
	orderFlag   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "orderchat",
		Short:        "Real-time order chat client",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile to use (default from config, then \"main\")")
	cmd.PersistentFlags().StringVar(&serverFlag, "server", "", "websocket server url")
	cmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token")
	cmd.PersistentFlags().StringVar(&orderFlag, "order", "", "order room to join on start")
	cmd.AddCommand(runCmd(), queueCmd())
	return cmd
}

// resolveSettings merges flags over the config file for the active profile.
func resolveSettings() (profile, server, token, order string, err error) {
	profile = session.Resolve(profileFlag)
	if err = session.ValidateName(profile); err != nil {
		return "", "", "", "", err
	}
	server, token, order = serverFlag, tokenFlag, orderFlag
	cfg, cfgErr := config.Load(session.ConfigPath())
	if cfgErr == nil {
		if server == "" {
			server = cfg.ServerURL
		}
		if token == "" {
			token = cfg.Token
		}
		if order == "" {
			order = cfg.DefaultOrder
		}
	}
	return profile, server, token, order, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, server, token, order, err := resolveSettings()
			if err != nil {
				return err
			}
			if server == "" {
				return fmt.Errorf("no server url: pass --server or set server_url in %s", session.ConfigPath())
			}

			params := app.Params{
				Profile:   profile,
				ServerURL: server,
				Token:     token,
				OnError: func(msg string) {
					fmt.Fprintln(os.Stderr, msg)
				},
			}
			program := fx.New(
				app.Module(params),
				fx.Provide(func(s *chat.Session, b *bus.Bus, logger *zap.Logger, sh fx.Shutdowner) *console.Console {
					return console.New(s, b, logger, console.Options{
						DefaultOrder: order,
						OnQuit:       func() { _ = sh.Shutdown() },
					})
				}),
				fx.Invoke(registerConsole),
				fx.NopLogger,
				fx.StartTimeout(30*time.Second),
			)
			program.Run()
			return program.Err()
		},
	}
}

func registerConsole(lc fx.Lifecycle, c *console.Console) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Stop()
			return nil
		},
	})
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable retry queue without connecting",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued messages",
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openQueueStore()
				if err != nil {
					return err
				}
				defer db.Close()
				items, err := db.LoadRetryQueue()
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Println("retry queue is empty")
					return nil
				}
				for _, it := range items {
					fmt.Printf("%s\t%s\t%s\t%q\n",
						time.UnixMilli(it.CreatedAt).Format(time.RFC3339), it.TempID, it.OrderID, it.Body)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop all queued messages",
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openQueueStore()
				if err != nil {
					return err
				}
				defer db.Close()
				if err := db.SaveRetryQueue(nil); err != nil {
					return err
				}
				fmt.Println("retry queue cleared")
				return nil
			},
		},
	)
	return cmd
}

func openQueueStore() (*store.DB, error) {
	profile := session.Resolve(profileFlag)
	if err := session.ValidateName(profile); err != nil {
		return nil, err
	}
	if err := session.EnsureDir(profile); err != nil {
		return nil, err
	}
	db, err := store.Open(session.DBPath(profile))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
