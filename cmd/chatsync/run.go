package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheetchat/chatsync"
	"github.com/spf13/cobra"
)

var (
	runNoFeed    bool
	watchRetries int
)

func init() {
	runCmd.Flags().BoolVar(&runNoFeed, "no-feed", false, "Do not serve the live feed")
	watchCmd.Flags().IntVar(&watchRetries, "retries", 10, "Reconnect attempts before giving up (-1 = unlimited)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the backend continuously and serve the live feed",
	Long: "Run the sync loop until interrupted. Incoming messages are printed and, unless\n" +
		"--no-feed is given, a websocket feed is served on feed.listen.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s.client.On(chatsync.EventMessageNew, printMessageEvent)
		s.client.On(chatsync.EventRequestNew, printRequestEvent)
		s.client.On(chatsync.EventSendFailed, func(_ string, payload any) {
			if d, ok := payload.(chatsync.SendFailedData); ok {
				fmt.Fprintf(os.Stderr, "send to %s failed: %s\n", d.ChatID, d.Error)
			}
		})

		var srv *http.Server
		listen := valueOrDefault(s.cfg.Feed.Listen, defaultFeedListen)
		if !runNoFeed {
			feed := chatsync.NewFeed(s.client)
			handler := feed.Handler()
			if !s.cfg.Feed.Metrics {
				handler = hideMetrics(handler)
			}
			srv = &http.Server{Addr: listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error().Err(err).Str("listen", listen).Msg("Feed server stopped")
				}
			}()
			fmt.Printf("Feed listening on ws://%s/ws\n", listen)
			if s.cfg.Feed.Metrics {
				fmt.Printf("Metrics at http://%s/metrics\n", listen)
			}
		}

		fmt.Printf("Syncing as %s (Ctrl-C to stop)\n", s.client.Self())
		err = s.client.Run(ctx)

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Poll the backend once and print new messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		count := 0
		s.client.On(chatsync.EventMessageNew, func(event string, payload any) {
			count++
			printMessageEvent(event, payload)
		})
		s.client.On(chatsync.EventRequestNew, printRequestEvent)

		ctx, cancel := timeoutContext()
		defer cancel()
		if err := s.client.Tick(ctx); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if count == 0 {
			fmt.Println("No new messages.")
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Print events from a running 'chatsync run' feed",
	Long:  "Connect to the live feed of a running sync loop (default http://<feed.listen>) and print every event as JSON.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		url := "http://" + valueOrDefault(cfg.Feed.Listen, defaultFeedListen)
		if len(args) == 1 {
			url = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		watchCfg := &chatsync.WatchConfig{
			AutoReconnect:        true,
			MaxReconnectAttempts: watchRetries,
			Logger:               newLogger(cfg.Default.LogLevel),
		}
		err = chatsync.WatchFeed(ctx, url, watchCfg, func(env chatsync.FeedEnvelope) {
			out, _ := json.Marshal(env)
			fmt.Println(string(out))
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// hideMetrics answers 404 for /metrics unless feed.metrics is enabled.
func hideMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func printMessageEvent(_ string, payload any) {
	d, ok := payload.(chatsync.MessageEventData)
	if !ok || d.Message == nil {
		return
	}
	fmt.Printf("[%s] %s  %s: %s\n", d.ChatID, d.Message.Timestamp.Local().Format("15:04:05"), d.Message.Sender, d.Message.DisplayText())
}

func printRequestEvent(_ string, payload any) {
	if d, ok := payload.(chatsync.RequestEventData); ok {
		fmt.Printf("Message request from %s: %s\n", d.Sender, d.Text)
	}
}
