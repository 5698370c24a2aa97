package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opsdesk/approval-bot/internal/app"
	"github.com/opsdesk/approval-bot/internal/config"
	"github.com/opsdesk/approval-bot/internal/dispatch"
	"github.com/opsdesk/approval-bot/internal/journal"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "approval-bot",
		Short:         "Operator chat bot that gates runbook actions behind confirmation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")

	root.AddCommand(serveCmd(&cfgFile))
	root.AddCommand(historyCmd(&cfgFile))
	return root
}

func serveCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Read operator messages from stdin, one per line",
		Long: "Each input line is \"<from>\\t<text>\" or just \"<text>\", in which case\n" +
			"it is attributed to the configured operator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// serve runs the message loop and the metrics listener until ctx is
// done or stdin is exhausted.
func serve(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	var outMu sync.Mutex
	reply := dispatch.ReplierFunc(func(text string) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintln(out, text)
	})

	a, err := app.New(cfg, reply)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           a.Metrics,
		ReadHeaderTimeout: 3 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("metrics listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		defer a.Dispatcher.Session().Reset()
		err := readMessages(ctx, in, cfg.OperatorID, func(msg dispatch.Message) {
			a.Dispatcher.Handle(ctx, msg)
		})
		// End of input stops the listener too.
		return errors.Join(err, errStopped)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	return nil
}

var errStopped = errors.New("input closed")

func readMessages(ctx context.Context, in io.Reader, operator string, handle func(dispatch.Message)) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		msg := dispatch.Message{From: operator, Text: line}
		if from, text, ok := strings.Cut(line, "\t"); ok {
			msg = dispatch.Message{From: from, Text: text}
		}
		handle(msg)
	}
	return sc.Err()
}

func historyCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the decrypted journal as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			store, err := journal.Open(cfg.JournalPath, cfg.JournalSecret)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), store)
		},
	}
}
