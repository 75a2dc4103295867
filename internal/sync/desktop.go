package sync

import (
	"context"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/packet"
	"github.com/fieldledger/fieldledger/backend/internal/sync/protocol"
)

// Result contains the outcome of one desktop sync.
type Result struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Rounds    int           `json:"rounds"`
	Sent      int           `json:"sent"`
	Applied   int           `json:"applied"`
	Skipped   int           `json:"skipped"`
	Conflicts int           `json:"conflicts"`
	Rejected  int           `json:"rejected"`
}

// ServerNodeID returns the id of the server this desktop is registered with.
func (e *Engine) ServerNodeID(ctx context.Context) (string, error) {
	id, ok, err := db.NewRepository(e.db).GetSetting(ctx, db.SettingServerNodeID)
	if err != nil {
		return "", err
	}
	if !ok || id == "" {
		return "", apperrors.New(apperrors.ErrSyncNotConfigured, "desktop is not registered with a server")
	}
	return id, nil
}

// RunOnce exchanges packets with the server until neither side has more to
// send or the round limit is reached. A transport failure ends the run and
// leaves local state as it was; the unacknowledged packet is sent again next
// time.
func (e *Engine) RunOnce(ctx context.Context) (*Result, error) {
	res := &Result{StartTime: e.now()}
	finish := func() {
		res.EndTime = e.now()
		res.Duration = res.EndTime.Sub(res.StartTime)
	}
	if e.transport == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no transport configured")
	}
	serverID, err := e.ServerNodeID(ctx)
	if err != nil {
		return nil, err
	}

	for res.Rounds < e.maxRounds {
		if err := ctx.Err(); err != nil {
			finish()
			return res, apperrors.Wrap(apperrors.ErrNetwork, "sync cancelled", err)
		}
		res.Rounds++

		more, err := e.round(ctx, serverID, res)
		if err != nil {
			finish()
			return res, err
		}
		if !more {
			break
		}
	}

	finish()
	logging.Info("sync completed", map[string]interface{}{
		"rounds":      res.Rounds,
		"sent":        res.Sent,
		"applied":     res.Applied,
		"skipped":     res.Skipped,
		"conflicts":   res.Conflicts,
		"rejected":    res.Rejected,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}

func (e *Engine) round(ctx context.Context, serverID string, res *Result) (bool, error) {
	unlock := e.nodes.Locker().Lock(serverID)
	env, out, err := e.prepare(ctx, serverID, false)
	unlock()
	if err != nil {
		return false, err
	}

	resp, err := e.transport.Exchange(ctx, env)
	if err != nil {
		logging.Warn("exchange with server failed", map[string]interface{}{
			"packet_no": env.Header.PacketNo,
			"error":     err.Error(),
		})
		return false, err
	}
	if resp == nil {
		return false, apperrors.New(apperrors.ErrNetwork, "server returned no envelope")
	}
	if resp.Header.SenderNodeID != serverID {
		return false, apperrors.Newf(apperrors.ErrAuthentication, "response sent by %s, expected %s", resp.Header.SenderNodeID, serverID)
	}
	if err := e.nodes.CheckSchema(resp.Header.SchemaVersion); err != nil {
		return false, err
	}

	unlock = e.nodes.Locker().Lock(serverID)
	var rec *Received
	err = e.inTx(ctx, serverID, func(repo *db.Repository, _ *models.SyncNode) error {
		var err error
		if rec, err = e.receive(ctx, repo, serverID, resp); err != nil {
			return err
		}
		return repo.TouchOutbound(ctx, serverID, e.now())
	}, resp)
	unlock()
	if err != nil {
		return false, err
	}
	e.notify(rec)

	if out != nil {
		res.Sent += out.ChangeCount
	}
	res.Applied += rec.Applied
	res.Skipped += rec.Skipped
	res.Conflicts += rec.Conflicts
	res.Rejected += len(resp.Header.Rejected)
	logRejections(resp.Header.Rejected)

	return moreWork(out, resp), nil
}

// moreWork reports whether another round is needed: either side has more
// queued, or the server sent a packet that still has to be acknowledged.
func moreWork(out *packet.Outbound, resp *protocol.Envelope) bool {
	if out != nil && out.More {
		return true
	}
	return resp.Header.More || resp.Header.PacketNo > 0
}

func logRejections(rejected []protocol.Rejection) {
	for _, r := range rejected {
		logging.Warn("server rejected entity", map[string]interface{}{
			"packet_no":   r.PacketNo,
			"entity_type": r.EntityType,
			"entity_uuid": r.EntityUUID,
			"reason":      r.Reason,
		})
	}
}
