package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fieldledger/fieldledger/backend/cmd/desktop/handlers"
	"github.com/fieldledger/fieldledger/backend/internal/export"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
	"github.com/fieldledger/fieldledger/backend/internal/sync/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the local API and sync in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()
		exp, err := n.exportService(ctx)
		if err != nil {
			return err
		}

		sched := scheduler.New(n.stack.Engine, &scheduler.Config{
			Interval:    n.cfg.Sync.Interval,
			BackoffBase: n.cfg.Sync.BackoffBase,
			BackoffMax:  n.cfg.Sync.BackoffMax,
		})
		hub := NewWSHub()
		defer hub.Close()
		bridgeEvents(n, sched, hub)

		srv := &http.Server{
			Addr:              n.cfg.Node.LocalAddr,
			Handler:           newLocalMux(n, sched, exp, hub),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logging.Info("local api listening", map[string]interface{}{
				"addr":    srv.Addr,
				"node_id": n.creds.NodeID,
				"server":  n.creds.ServerURL,
			})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			sched.Start(gctx)
			<-gctx.Done()
			sched.Close()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		if err := g.Wait(); err != nil {
			return err
		}
		logging.Info("desktop node stopped")
		return nil
	},
}

// newLocalMux mounts the REST API and the event socket. The socket stays
// outside the request logger, which cannot hijack connections.
func newLocalMux(n *node, sched handlers.Scheduler, exp export.ServiceInterface, hub *WSHub) http.Handler {
	api := http.NewServeMux()
	handlers.Routes(api,
		handlers.NewSyncHandler(sched, n.stack.Nodes, n.stack.DB, n.stack.Resolver, n.creds.ServerNodeID),
		handlers.NewExportHandler(exp, n.creds.ServerNodeID, hub),
		handlers.NewEntityHandler(n.stack.Entities, n.stack.Serializer),
	)
	root := http.NewServeMux()
	root.Handle("GET /ws", HandleWebSocket(hub))
	root.Handle("/", handlers.WithLogging(api))
	return root
}

// bridgeEvents forwards scheduler transitions, applied remote changes and
// local edits to the hub.
func bridgeEvents(n *node, sched *scheduler.Scheduler, hub *WSHub) {
	states := sched.Subscribe()
	go func() {
		for ev := range states {
			hub.Broadcast(EventSyncState, ev)
		}
	}()
	n.stack.Engine.OnApplied(func(applied []syncpkg.AppliedEntity) {
		hub.Broadcast(EventSyncApplied, map[string]interface{}{
			"entities": applied,
			"count":    len(applied),
		})
	})
	n.stack.Entities.OnChange(func(entityType, entityUUID string, op models.Operation) {
		hub.Broadcast(EventEntityChanged, map[string]interface{}{
			"type":      entityType,
			"uuid":      entityUUID,
			"operation": op,
		})
	})
}
