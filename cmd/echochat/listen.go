package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	echochat "github.com/echochat/echochat-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultListenAddr = "127.0.0.1:8787"

var (
	listenAddr   string
	listenSecret string
)

func init() {
	listenCmd.Flags().StringVar(&listenAddr, "addr", "", "Address to listen on (default push.addr or "+defaultListenAddr+")")
	listenCmd.Flags().StringVar(&listenSecret, "secret", "", "Push signing secret (default push.secret or $ECHOCHAT_PUSH_SECRET)")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive pushed counterpart messages into the echo store",
	Long: "Serve POST /push for signed counterpart messages. Messages for the selected\n" +
		"conversation are printed; every message is kept in the local echo store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		secret := valueOrDefault(listenSecret, valueOrDefault(s.cfg.Push.Secret, os.Getenv("ECHOCHAT_PUSH_SECRET")))
		sess, _ := sessionFromConfig(s.cfg)
		receiver, err := echochat.NewPushReceiver(secret, sess, s.engine, logger)
		if err != nil {
			return err
		}

		selected := s.engine.Snapshot().SelectedID
		s.engine.On(echochat.EventMessageRemote, func(_ string, payload any) {
			ev, ok := payload.(echochat.MessageEvent)
			if !ok {
				return
			}
			if ev.ConversationID == selected {
				fmt.Println(renderThread([]echochat.Message{ev.Message}))
				return
			}
			fmt.Printf("%s new message in %s\n", dimStyle.Render("·"), ev.ConversationID)
		})

		mux := http.NewServeMux()
		mux.Handle("/push", receiver)
		srv := &http.Server{
			Addr:              valueOrDefault(listenAddr, valueOrDefault(s.cfg.Push.Addr, defaultListenAddr)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("Listening on http://%s/push (conversation %s shown)\n", srv.Addr, valueOrDefault(selected, "none"))

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("push server shutdown", zap.Error(err))
		}
		return nil
	},
}
