// Command finsightctl is the terminal client for the analysis server:
// it starts sessions, follows their events, and keeps a local
// fingerprint so an interrupted run can be picked back up.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/clientsync"
	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliContext struct {
	client *apiClient
	sync   *clientsync.Synchronizer
	files  *clientsync.FileStore
}

func rootCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		stateFile string
	)

	cmd := &cobra.Command{
		Use:           "finsightctl",
		Short:         "Client for the finsight analysis server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FINSIGHT_SERVER", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVar(&token, "token", os.Getenv("FINSIGHT_TOKEN"), "bearer token")
	cmd.PersistentFlags().StringVar(&stateFile, "state-file", defaultStateFile(), "fingerprint file path")

	newCtx := func() *cliContext {
		client := newAPIClient(serverURL, token)
		files := clientsync.NewFileStore(stateFile)
		logger := zap.NewNop()
		return &cliContext{
			client: client,
			sync:   clientsync.NewSynchronizer(files, client, logger),
			files:  files,
		}
	}

	cmd.AddCommand(analyzeCmd(newCtx))
	cmd.AddCommand(statusCmd(newCtx))
	cmd.AddCommand(resumeCmd(newCtx))
	cmd.AddCommand(stopCmd(newCtx))
	cmd.AddCommand(historyCmd(newCtx))
	return cmd
}

func analyzeCmd(newCtx func() *cliContext) *cobra.Command {
	var (
		name   string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "analyze TICKER",
		Short: "Start an analysis session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := newCtx()
			ctx, cancel := signalContext()
			defer cancel()

			// A still-live tracked session blocks a second one.
			if snap, err := cc.sync.Resume(ctx); err == nil && snap != nil {
				return fmt.Errorf("session %s is still %s; stop it or use resume", snap.SessionID, snap.Status)
			}

			id, err := cc.client.CreateSession(ctx, args[0], name)
			if err != nil {
				return err
			}
			if err := cc.sync.Track(id); err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not persist session fingerprint: %v\n", err)
			}
			fmt.Printf("session %s started for %s\n", id, args[0])

			if !follow {
				return nil
			}
			return followSession(ctx, cc, id)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "subject display name")
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "stream events until the session ends")
	return cmd
}

func statusCmd(newCtx func() *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [SESSION_ID]",
		Short: "Show session status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := newCtx()
			ctx, cancel := signalContext()
			defer cancel()

			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				fp, err := cc.files.Load()
				if err != nil {
					return err
				}
				if fp == nil || fp.SessionID == "" {
					return fmt.Errorf("no tracked session; pass a session id")
				}
				id = fp.SessionID
			}

			snap, err := cc.client.Status(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
}

func resumeCmd(newCtx func() *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Reattach to the tracked session, if it is still running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := newCtx()
			ctx, cancel := signalContext()
			defer cancel()

			snap, err := cc.sync.Resume(ctx)
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Println("nothing to resume")
				return nil
			}
			fmt.Printf("resuming session %s (stage %d, %s)\n", snap.SessionID, snap.Stage, snap.Status)
			return followSession(ctx, cc, snap.SessionID)
		},
	}
}

func stopCmd(newCtx func() *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tracked session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := newCtx()
			ctx, cancel := signalContext()
			defer cancel()

			if err := cc.sync.Stop(ctx); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func historyCmd(newCtx func() *cliContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [TICKER]",
		Short: "List archived sessions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := newCtx()
			ctx, cancel := signalContext()
			defer cancel()

			ticker := ""
			if len(args) == 1 {
				ticker = args[0]
			}
			sessions, err := cc.client.History(ctx, ticker, limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no archived sessions")
				return nil
			}
			for _, s := range sessions {
				name := s.SubjectName
				if name == "" {
					name = "-"
				}
				fmt.Printf("%s  %-8s %-20s %-10s %s\n",
					s.ID, s.Ticker, name, s.Status,
					s.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func followSession(ctx context.Context, cc *cliContext, sessionID string) error {
	err := cc.client.Follow(ctx, sessionID, 0, func(ev events.Event) {
		fmt.Println(formatEvent(ev))
	})
	if err != nil {
		return err
	}
	// Terminal sessions stop being tracked.
	if snap, serr := cc.client.Status(context.Background(), sessionID); serr == nil && snap.Status.Terminal() {
		_ = cc.files.Clear()
		if snap.Status == store.StatusCompleted {
			return printFinalReport(cc, snap)
		}
	}
	return nil
}

// printFinalReport fetches and prints the synthesis output.
func printFinalReport(cc *cliContext, snap *store.StatusSnapshot) error {
	ctx, cancel := signalContext()
	defer cancel()
	rec, err := cc.client.Task(ctx, snap.SessionID, "s4-synthesis")
	if err != nil || rec.Output == nil {
		return nil
	}
	fmt.Println()
	fmt.Println(rec.Output.Text)
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finsight/session.json"
	}
	return filepath.Join(home, ".finsight", "session.json")
}
