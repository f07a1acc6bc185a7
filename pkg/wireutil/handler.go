// Package wireutil provides small, generically useful fanout.Handler
// implementations. The actual business dispatch a production deployment
// would plug in is out of scope here; LoggingHandler is the default
// wiring for the demo binaries.
package wireutil

import (
	"context"

	"go.uber.org/zap"

	"github.com/mi7io/mi7/internal/wire"
)

// LoggingHandler returns a fanout.Handler that logs each delivered
// message at debug level and returns nil, standing in for a real
// protocol dispatcher.
func LoggingHandler(log *zap.SugaredLogger) func(ctx context.Context, requestID uint64, msg wire.Message) error {
	return func(ctx context.Context, requestID uint64, msg wire.Message) error {
		log.Debugw("delivered message", "request_id", requestID, "flag", msg.Flag, "bytes", len(msg.Data))
		return nil
	}
}
