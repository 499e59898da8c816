package appservice

import (
	"context"
	"time"

	"github.com/beeper/asmux/pkg/bridgestate"
	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/beeper/asmux/pkg/metrics"
	"github.com/beeper/asmux/pkg/queue"
	"github.com/sirupsen/logrus"
)

const checkpointTimeout = 20 * time.Second

// CheckpointSender forwards message send checkpoints to the API server
type CheckpointSender interface {
	SendCheckpoints(ctx context.Context, az *database.AppService, data any) error
}

// ReportExpired returns a queue.ExpiredHandler that reports PDUs dropped from the queue as
// timed out checkpoints
func ReportExpired(sender CheckpointSender) queue.ExpiredHandler {
	return func(az *database.AppService, expired []events.Event) {
		if len(expired) == 0 {
			return
		}
		metrics.ExpiredPDUs.WithLabelValues(az.Owner, az.Prefix).Add(float64(len(expired)))
		logger := logrus.WithField("appservice", az.Name())
		logger.Infof("Dropped %d expired PDUs from queue", len(expired))
		ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
		defer cancel()
		if err := sender.SendCheckpoints(ctx, az, bridgestate.ExpiredCheckpoints(expired)); err != nil {
			logger.Warnf("Failed to report expired PDUs: %v", err)
		}
	}
}
