package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copyengine/internal/config"
	"copyengine/internal/copylog"
	"copyengine/internal/notify"
	"copyengine/internal/terminal"
	"copyengine/pkg/types"
)

// Replicator dispatches DiffEngine events to every copy-enabled follower.
type Replicator struct {
	magic      uint64
	deviation  int
	opDeadline time.Duration
	defaultMin float64
	dryRun     bool
	notifier   notify.Notifier
	copyLog    copylog.Sink
	logger     *slog.Logger
}

// New creates a Replicator. notifier and copyLog are injected sinks; both
// are assumed safe for concurrent use and their own failures never block
// replication (a notifier error is logged and swallowed, a copy log
// failure is handled inside the Sink implementation itself). When
// cfg.DryRun is set, no trade call ever reaches a follower's session —
// sizing, mapping, logging and notification all still run against a
// synthetic slave ticket, so the engine can be rehearsed against a live
// master without touching real follower accounts.
func New(cfg config.Config, notifier notify.Notifier, copyLog copylog.Sink, logger *slog.Logger) *Replicator {
	return &Replicator{
		magic:      cfg.Terminal.MagicNumber,
		deviation:  cfg.Terminal.MaxSlippagePoints,
		opDeadline: cfg.Deadlines.OpDeadline,
		defaultMin: cfg.Replicator.DefaultVolumeMin,
		dryRun:     cfg.DryRun,
		notifier:   notifier,
		copyLog:    copyLog,
		logger:     logger.With("component", "replicator"),
	}
}

// Dispatch fans events out to every follower in followers whose
// CopyEnabled is true. Followers are launched concurrently, but every
// terminal call any of them makes serializes through the shared
// terminal.Lock each Supervisor holds, so no two followers' terminal
// operations, and no follower operation and a master read, ever overlap
// mid-call. Within a single follower, events are applied in the order
// given — closes, then modifies, then opens, per the DiffEngine's
// ordering guarantee. A panic or error in one follower's task never
// affects another's.
func (r *Replicator) Dispatch(ctx context.Context, events []types.Event, followers []*FollowerState) {
	var wg sync.WaitGroup
	for _, fs := range followers {
		if !fs.Follower.CopyEnabled {
			continue
		}
		fs := fs
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.recoverFollowerPanic(fs)
			r.runFollower(ctx, fs, events)
		}()
	}
	wg.Wait()
}

func (r *Replicator) recoverFollowerPanic(fs *FollowerState) {
	if rec := recover(); rec != nil {
		r.logger.Error("follower task panicked, contained", "follower_id", fs.Follower.ID, "panic", rec)
		fs.recordOutcome(fmt.Errorf("panic: %v", rec))
	}
}

func (r *Replicator) runFollower(ctx context.Context, fs *FollowerState, events []types.Event) {
	var anyErr error
	for _, ev := range events {
		switch ev.Kind {
		case types.EventClosed:
			anyErr = r.applyClose(ctx, fs, ev)
		case types.EventModified:
			anyErr = r.applyModify(ctx, fs, ev)
		case types.EventOpened:
			anyErr = r.applyOpen(ctx, fs, ev)
		}
	}
	fs.recordOutcome(anyErr)
}

func (r *Replicator) applyOpen(ctx context.Context, fs *FollowerState, ev types.Event) error {
	masterTicket := ev.Ticket
	pos := ev.Position

	if skip := fs.beginOpen(masterTicket); skip {
		return nil
	}

	if fs.symbolIsUnknown(pos.Symbol) {
		// Already logged once for this (follower, symbol); skip the open
		// attempt itself rather than retry it every tick.
		fs.completeOpen(masterTicket, 0, fmt.Errorf("symbol unknown, suppressed"))
		return nil
	}

	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, r.opDeadline)
	defer cancel()

	var slaveTicket uint64
	var opErr error

	volume, adjusted := r.sizeForFollower(fs.Follower, pos.Volume)
	if adjusted {
		r.logger.Info("size_adjusted",
			"follower_id", fs.Follower.ID,
			"master_ticket", masterTicket,
			"requested", pos.Volume*fs.Follower.EffectiveLotMultiplier(),
			"adjusted", volume,
		)
	}

	if r.dryRun {
		slaveTicket = dryRunTicket(masterTicket)
		r.logger.Info("dry_run open", "follower_id", fs.Follower.ID, "master_ticket", masterTicket, "symbol", pos.Symbol, "volume", volume)
	} else {
		req := terminal.OpenRequest{
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			Volume:       volume,
			SL:           pos.SL,
			TP:           pos.TP,
			Comment:      fmt.Sprintf("COPY:%d", masterTicket),
			Magic:        r.magic,
			DeviationPts: r.deviation,
		}

		opErr = fs.Supervisor.Do(opCtx, func(sess terminal.Session) error {
			t, err := sess.Open(opCtx, req)
			slaveTicket = t
			return err
		})
	}

	fs.completeOpen(masterTicket, slaveTicket, opErr)

	if te, ok := opErr.(*terminal.Error); ok && te.Kind == terminal.KindSymbolUnknown {
		if !fs.markSymbolUnknown(pos.Symbol) {
			// Already logged for this (follower, symbol); swallow the
			// repeat to avoid a log storm on every subsequent tick.
			return opErr
		}
	} else if opErr == nil {
		fs.clearSymbolUnknown(pos.Symbol)
	}

	r.logOutcome(types.EventOpened, fs.Follower.ID, masterTicket, slaveTicket, pos.Symbol, pos.Volume, opErr, start)

	if opErr != nil {
		r.notifyError(fs.Follower, masterTicket, pos.Symbol, opErr)
		return opErr
	}

	r.notifier.Send(types.NotifierMessage{
		Type:      types.MsgTradeOpened,
		UserID:    fs.Follower.UserID,
		AccountID: fs.Follower.ID,
		TS:        time.Now(),
		Payload: types.TradeOpenedPayload{
			MasterTicket: masterTicket,
			SlaveTicket:  slaveTicket,
			Symbol:       pos.Symbol,
			Volume:       volume,
			Side:         pos.Side,
		},
	})
	return nil
}

func (r *Replicator) applyClose(ctx context.Context, fs *FollowerState, ev types.Event) error {
	masterTicket := ev.Ticket
	pos := ev.Position

	slaveTicket, ok := fs.SlaveTicket(masterTicket)
	if !ok {
		r.logger.Info("close_orphan", "follower_id", fs.Follower.ID, "master_ticket", masterTicket)
		return nil
	}

	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, r.opDeadline)
	defer cancel()

	var opErr error
	if r.dryRun {
		r.logger.Info("dry_run close", "follower_id", fs.Follower.ID, "master_ticket", masterTicket, "slave_ticket", slaveTicket)
	} else {
		opErr = fs.Supervisor.Do(opCtx, func(sess terminal.Session) error {
			return sess.Close(opCtx, slaveTicket)
		})
	}

	r.logOutcome(types.EventClosed, fs.Follower.ID, masterTicket, slaveTicket, pos.Symbol, pos.Volume, opErr, start)

	if opErr != nil {
		r.notifyError(fs.Follower, masterTicket, pos.Symbol, opErr)
		return opErr
	}

	fs.completeClose(masterTicket)
	r.notifier.Send(types.NotifierMessage{
		Type:      types.MsgTradeClosed,
		UserID:    fs.Follower.UserID,
		AccountID: fs.Follower.ID,
		TS:        time.Now(),
		Payload: types.TradeClosedPayload{
			MasterTicket: masterTicket,
			SlaveTicket:  slaveTicket,
			Symbol:       pos.Symbol,
		},
	})
	return nil
}

func (r *Replicator) applyModify(ctx context.Context, fs *FollowerState, ev types.Event) error {
	masterTicket := ev.Ticket
	pos := ev.Position

	slaveTicket, ok := fs.SlaveTicket(masterTicket)
	if !ok {
		// Nothing open on this follower to modify; not an error.
		return nil
	}

	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, r.opDeadline)
	defer cancel()

	var opErr error
	if r.dryRun {
		r.logger.Info("dry_run modify", "follower_id", fs.Follower.ID, "master_ticket", masterTicket, "slave_ticket", slaveTicket, "sl", pos.SL, "tp", pos.TP)
	} else {
		opErr = fs.Supervisor.Do(opCtx, func(sess terminal.Session) error {
			return sess.Modify(opCtx, slaveTicket, pos.SL, pos.TP)
		})
	}

	r.logOutcome(types.EventModified, fs.Follower.ID, masterTicket, slaveTicket, pos.Symbol, pos.Volume, opErr, start)

	if opErr != nil {
		// Best-effort: logged, no retry this tick.
		r.notifyError(fs.Follower, masterTicket, pos.Symbol, opErr)
		return opErr
	}

	r.notifier.Send(types.NotifierMessage{
		Type:      types.MsgTradeModified,
		UserID:    fs.Follower.UserID,
		AccountID: fs.Follower.ID,
		TS:        time.Now(),
		Payload: types.TradeModifiedPayload{
			MasterTicket: masterTicket,
			SlaveTicket:  slaveTicket,
			SL:           pos.SL,
			TP:           pos.TP,
		},
	})
	return nil
}

// sizeForFollower computes slave_volume = round(master_volume *
// lot_multiplier, 2), clamped to [volume_min, max_lot or +inf]. Returns
// whether clamping changed the multiplied value.
func (r *Replicator) sizeForFollower(f types.Follower, masterVolume float64) (volume float64, adjusted bool) {
	requested := decimal.NewFromFloat(masterVolume).
		Mul(decimal.NewFromFloat(f.EffectiveLotMultiplier())).
		Round(2)

	min := decimal.NewFromFloat(r.defaultMin)
	result := requested
	if result.LessThan(min) {
		result = min
	}
	if f.MaxLot > 0 {
		max := decimal.NewFromFloat(f.MaxLot)
		if result.GreaterThan(max) {
			result = max
		}
	}

	v, _ := result.Float64()
	req, _ := requested.Float64()
	return v, v != req
}

// dryRunTicket derives a stable synthetic slave ticket from the master
// ticket so dry-run mode still exercises position-map injectivity and
// close/modify lookups without ever placing a real order.
func dryRunTicket(masterTicket uint64) uint64 {
	return masterTicket | (1 << 63)
}

func (r *Replicator) notifyError(f types.Follower, masterTicket uint64, symbol string, err error) {
	code := ""
	if te, ok := err.(*terminal.Error); ok {
		code = string(te.Kind)
		if te.Code != "" {
			code = te.Code
		}
	}
	r.notifier.Send(types.NotifierMessage{
		Type:      types.MsgReplicationError,
		UserID:    f.UserID,
		AccountID: f.ID,
		TS:        time.Now(),
		Payload: types.ReplicationErrorPayload{
			MasterTicket: masterTicket,
			Symbol:       symbol,
			Message:      err.Error(),
			Code:         code,
		},
	})
}

func (r *Replicator) logOutcome(kind types.EventKind, followerID, masterTicket, slaveTicket uint64, symbol string, volume float64, err error, start time.Time) {
	entry := types.CopyLogEntry{
		Timestamp:    time.Now(),
		EventType:    kind,
		FollowerID:   followerID,
		MasterTicket: masterTicket,
		SlaveTicket:  slaveTicket,
		Symbol:       symbol,
		Volume:       volume,
		Success:      err == nil,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Message = err.Error()
	}
	r.copyLog.Append(entry)
}
