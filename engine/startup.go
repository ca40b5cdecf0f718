package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samihult/xjog/chart"
)

// adoptCharts takes over the charts a predecessor left paused. Idle
// charts change hands gently on every pass; charts still flagged with
// ongoing activities get a grace period to be released, and are taken
// forcibly once it expires. The grace timer restarts whenever a pass
// makes progress, so it bounds quiescence rather than total time.
func (e *Engine) adoptCharts(ctx context.Context) {
	var deadline = time.Now().Add(e.cfg.GracePeriod)
	var ticker = time.NewTicker(e.cfg.AdoptionFrequency)
	defer ticker.Stop()

	for {
		var adopted, err = e.st.GentlyAdoptCharts(ctx, e.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("error", err).Warn("gentle adoption pass failed")
		}
		if len(adopted) > 0 {
			chartsAdoptedTotal.WithLabelValues("gentle").Add(float64(len(adopted)))
			deadline = time.Now().Add(e.cfg.GracePeriod)
			e.bootAdopted(ctx, adopted)
		}

		var remaining int
		if remaining, err = e.st.CountPausedCharts(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("error", err).Warn("counting paused charts failed")
		} else if remaining == 0 {
			e.setPhase(PhaseReady)
			log.WithField("instance", e.id).Info("adoption complete")
			return
		}

		if time.Now().After(deadline) {
			var forced []chart.Reference
			if forced, err = e.st.ForciblyAdoptCharts(ctx, e.id); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithField("error", err).Warn("forcible adoption failed")
			} else {
				if len(forced) > 0 {
					chartsAdoptedTotal.WithLabelValues("forcible").Add(float64(len(forced)))
					log.WithFields(log.Fields{
						"instance": e.id,
						"charts":   len(forced),
					}).Warn("grace period expired, charts adopted forcibly")
					e.bootAdopted(ctx, forced)
				}
				e.setPhase(PhaseReady)
				log.WithField("instance", e.id).Info("adoption complete")
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// bootAdopted rehydrates every adopted chart so its re-entry actions
// run: activities restart and delayed transitions re-arm. Loading is
// enough; the registry boots an executor on first load.
func (e *Engine) bootAdopted(ctx context.Context, refs []chart.Reference) {
	for _, ref := range refs {
		var _, ours, err = e.registry.executor(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithFields(log.Fields{
				"chart": ref,
				"error": err,
			}).Warn("booting adopted chart failed")
			continue
		}
		if !ours {
			// Adopted but already re-paused; a successor overthrew us
			// mid-adoption.
			log.WithField("chart", ref).Debug("adopted chart no longer runnable")
		}
	}
}
