package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var prefetchConcurrency int

func init() {
	prefetchCmd.Flags().IntVarP(&prefetchConcurrency, "concurrency", "c", 4, "Conversations fetched at once")
	rootCmd.AddCommand(prefetchCmd)
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Copy every conversation history into the local echo store",
	Long:  "Fetch the history of every conversation so threads can be read while the service is unreachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*commandTimeout)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		convs := s.engine.Snapshot().Conversations
		var added, failed atomic.Int64

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(prefetchConcurrency, 1))
		for _, c := range convs {
			id := c.ID
			g.Go(func() error {
				n, err := s.engine.Prefetch(gctx, id)
				if err != nil {
					// One unreachable thread should not stop the others.
					logger.Warn("prefetch failed", zap.String("conversation_id", id), zap.Error(err))
					failed.Add(1)
					return nil
				}
				added.Add(int64(n))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Printf("Prefetched %d conversations: %d new messages, %d failed\n", len(convs), added.Load(), failed.Load())
		return nil
	},
}
