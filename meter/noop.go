package meter

import "github.com/ineyio/inferpool"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ inferpool.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmit(inferpool.AdmitEvent)   {}
func (m *NoopMeter) OnRoute(inferpool.RouteEvent)   {}
func (m *NoopMeter) OnResult(inferpool.ResultEvent) {}
