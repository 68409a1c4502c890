package daemon

import (
	"context"

	"hetu/internal/bus"
)

// Forward publishes loop and analysis state changes to the bus until ctx
// is done. It returns immediately when no bus is configured.
func (dm *Daemon) Forward(ctx context.Context) {
	if dm.d.Bus == nil {
		return
	}

	states, cancelStates := dm.d.Loop.Subscribe()
	defer cancelStates()
	statuses, cancelStatuses := dm.d.Loop.SubscribeStatus()
	defer cancelStatuses()
	analyses, cancelAnalyses := dm.d.Analyzer.Subscribe()
	defer cancelAnalyses()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			dm.publish(bus.KindLoopState, s.String(), "")
		case s := <-statuses:
			dm.publish(bus.KindLoopStatus, s, "")
		case st := <-analyses:
			content := st.Phase.String()
			if st.Err != "" {
				content += ": " + st.Err
			}
			dm.publish(bus.KindAnalysisState, content, st.Run)
		}
	}
}
