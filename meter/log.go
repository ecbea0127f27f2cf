package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/inferpool"
)

// LogMeter logs routing events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ inferpool.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, zap.L() is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmit(e inferpool.AdmitEvent) {
	if e.Allowed {
		m.Logger.Debug("admit",
			zap.String("identity", e.Identity),
			zap.String("class", string(e.Class)),
		)
		return
	}
	m.Logger.Info("admit_rejected",
		zap.String("identity", e.Identity),
		zap.String("class", string(e.Class)),
		zap.Duration("retry_after", e.RetryAfter),
	)
}

func (m *LogMeter) OnRoute(e inferpool.RouteEvent) {
	m.Logger.Info("route",
		zap.String("identity", e.Identity),
		zap.String("session", e.SessionKey),
		zap.String("provider", e.ProviderID),
		zap.String("intent", e.Intent),
		zap.Int("attempt", e.Attempt),
		zap.Bool("rerouted", e.Rerouted),
	)
}

func (m *LogMeter) OnResult(e inferpool.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			zap.String("provider", e.ProviderID),
			zap.String("source", string(e.Source)),
			zap.Int64("duration_ms", e.Duration.Milliseconds()),
			zap.Int64("total_tokens", e.TotalTokens),
		)
	} else {
		m.Logger.Warn("result_error",
			zap.String("provider", e.ProviderID),
			zap.String("source", string(e.Source)),
			zap.Int64("duration_ms", e.Duration.Milliseconds()),
			zap.Error(e.Error),
		)
	}
}
