package websocket

import (
	"context"
	"errors"
	"time"

	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/beeper/asmux/pkg/metrics"
	"github.com/beeper/asmux/pkg/queue"
)

// consumeQueue sends queued transactions through conn until it is closed
func (h *Hub) consumeQueue(ctx context.Context, az *database.AppService, conn *Conn) {
	q := h.queues.Get(az)
	conn.logger.Debug("Started consuming events from queue")
	defer conn.logger.Debug("Stopped consuming events from queue")
	for {
		select {
		case <-conn.Closed():
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := h.consumeOne(ctx, az, conn, q); err != nil {
			if ctx.Err() != nil || conn.Dead() {
				return
			}
			conn.logger.Errorf("Queue consumer stopped but websocket not dead, closing: %v", err)
			_ = conn.Close(CloseInternalError, "queue_consumer_failed")
			return
		}
	}
}

func (h *Hub) consumeOne(ctx context.Context, az *database.AppService, conn *Conn, q queue.Queue) error {
	timeout := h.timing.firstSend
	if conn.Timeouts() > 0 {
		timeout = h.timing.retrySend
	}
	batch, nextErr := q.Next(ctx)
	if nextErr != nil {
		return nextErr
	}
	evts := batch.Events
	logger := conn.logger.WithField("txn_id", evts.TxnID)
	sendErr := h.sendTransaction(ctx, conn, evts, timeout)
	switch {
	case sendErr == nil:
		conn.resetTimeouts()
		logger.Debug("Successfully sent transaction via websocket")
		metrics.CountTypes(metrics.SuccessfulEvents, az.Owner, az.Prefix, evts.Types)
	case errors.Is(sendErr, errDropped):
		// legacy clients can't handle duplicate transactions, so the transaction is not retried
		logger.Warnf("Didn't get response within %s, legacy protocol, dropping transaction", h.timing.retrySend)
		conn.addTimeout()
		metrics.CountTypes(metrics.FailedEvents, az.Owner, az.Prefix, evts.Types)
	case errors.Is(sendErr, context.DeadlineExceeded) && ctx.Err() == nil:
		logger.Warnf("Failed to send transaction: didn't get response within %s", timeout)
		if conn.addTimeout() >= h.timing.timeoutLimit {
			go conn.Close(CloseNotAcknowledged, "transactions_not_acknowledged")
			return nil
		}
		if current := h.reload(ctx, az); h.shouldWakeup(current, conn) {
			h.wakeup(current)
		}
		return nil
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnf("Failed to send transaction: %v", sendErr)
		select {
		case <-time.After(h.timing.sendErrorDelay):
		case <-conn.Closed():
		case <-ctx.Done():
		}
		return nil
	}
	if err := q.Ack(ctx, batch); err != nil {
		logger.Warnf("Failed to remove sent transaction from queue: %v", err)
	}
	return nil
}

func (h *Hub) sendTransaction(ctx context.Context, conn *Conn, evts *events.Events, timeout time.Duration) error {
	data := evts.Serialize()
	data["status"] = "ok"
	data["txn_id"] = evts.TxnID
	conn.logger.Debugf("Sending transaction %s via websocket", evts.TxnID)
	switch {
	case conn.Protocol >= 3:
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, err := conn.Request(ctx, "transaction", nil, data)
		return err
	case conn.Protocol >= 2:
		ctx, cancel := context.WithTimeout(ctx, h.timing.retrySend)
		defer cancel()
		_, err := conn.Request(ctx, "transaction", nil, data)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return errDropped
		}
		return err
	default:
		// no acknowledgements in the first protocol version
		data["command"] = "transaction"
		return conn.Send(ctx, data)
	}
}
