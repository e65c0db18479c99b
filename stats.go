package tun

import (
	"context"
	"time"
)

func (br *bridge) trackStats(ctx context.Context) {
	ticker := time.NewTicker(br.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := br.Stats()
			log.Debugf("A->B: %v packets %v bytes    B->A: %v packets %v bytes",
				s.PacketsAB, s.BytesAB, s.PacketsBA, s.BytesBA)
		}
	}
}
