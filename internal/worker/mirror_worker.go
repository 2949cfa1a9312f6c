package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chitieu/internal/amqp"
	"chitieu/internal/log"
	"chitieu/internal/metrics"
	"chitieu/internal/ports"
)

// MirrorWorker copies stored expenses to an external mirror (the Google
// Sheet) as expense.created messages arrive.
type MirrorWorker struct {
	store   ports.ExpenseReader
	mirror  ports.ExpenseMirror
	metrics *metrics.Metrics
	events  *log.StructuredLogger
	logger  *slog.Logger
}

func NewMirrorWorker(store ports.ExpenseReader, mirror ports.ExpenseMirror, m *metrics.Metrics, logger *slog.Logger) *MirrorWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorWorker{
		store:   store,
		mirror:  mirror,
		metrics: m,
		events:  log.NewStructuredLogger(log.Wrap(logger, log.ComponentWorker)),
		logger:  logger.With("component", log.ComponentWorker),
	}
}

// HandleExpenseCreated mirrors the expense named by msg. An expense that
// no longer exists is logged and acknowledged. A mirror rejection is
// returned as amqp.ErrPermanent so the message is dropped; any other
// failure is returned so the message is redelivered.
func (w *MirrorWorker) HandleExpenseCreated(ctx context.Context, msg *amqp.ExpenseCreatedMessage) error {
	w.logger.DebugContext(ctx, "Processing expense.created", "id", msg.ID, "timestamp", msg.Timestamp)

	e, err := w.store.GetExpense(ctx, msg.ID)
	if errors.Is(err, ports.ErrNotFound) {
		w.metrics.Mirrored("skipped")
		w.logger.WarnContext(ctx, "Expense not found, dropping message", "id", msg.ID)
		return nil
	}
	if err != nil {
		w.metrics.Mirrored("error")
		return fmt.Errorf("get expense from storage: %w", err)
	}

	ref, err := w.mirror.MirrorExpense(ctx, e)
	if errors.Is(err, ports.ErrMirrorRejected) {
		w.metrics.Mirrored("rejected")
		return fmt.Errorf("%w: mirror expense %s: %w", amqp.ErrPermanent, e.ID, err)
	}
	if err != nil {
		w.metrics.Mirrored("error")
		return fmt.Errorf("mirror expense %s: %w", e.ID, err)
	}

	w.metrics.Mirrored("ok")
	w.events.LogExpenseMirrored(ctx, e.ID, ref)
	return nil
}

// Backfill mirrors every stored expense, oldest first. It is the recovery
// path for messages lost while the broker was unreachable; the mirror
// skips rows it already has. Rejected expenses are logged and skipped; it
// stops at the first other failure.
func (w *MirrorWorker) Backfill(ctx context.Context) (int, error) {
	all, err := w.store.AllExpenses(ctx)
	if err != nil {
		return 0, fmt.Errorf("read expenses: %w", err)
	}

	w.logger.InfoContext(ctx, "Backfilling mirror", "count", len(all))

	done := 0
	for i := len(all) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		e := all[i]
		ref, err := w.mirror.MirrorExpense(ctx, e)
		if errors.Is(err, ports.ErrMirrorRejected) {
			w.metrics.Mirrored("rejected")
			w.logger.WarnContext(ctx, "Mirror rejected expense, skipping", "id", e.ID, "error", err)
			continue
		}
		if err != nil {
			w.metrics.Mirrored("error")
			return done, fmt.Errorf("mirror expense %s: %w", e.ID, err)
		}
		w.metrics.Mirrored("ok")
		w.logger.DebugContext(ctx, "Backfilled expense", "id", e.ID, "ref", ref)
		done++
	}
	return done, nil
}
