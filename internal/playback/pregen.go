package playback

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/opendialogue/internal/observe"
)

// Pregenerate synthesizes every uncached item of the batch concurrently and
// stores each payload in the cache as soon as it arrives. At most limit
// requests run at once; limit <= 0 means no bound. Duplicate keys are
// requested once, and keys already in flight are awaited rather than
// requested again.
//
// Pregenerate returns once every request has settled. A failure is logged and
// otherwise ignored: the scheduler synthesizes whatever is still missing on
// demand, and playback order is never affected.
func Pregenerate(ctx context.Context, synth *Synthesizer, items []Item, limit int) {
	log := observe.Logger(ctx)

	seen := make(map[string]bool, len(items))
	var misses []Item
	for _, it := range items {
		key := Key(it.Text, it.VoiceID)
		if seen[key] || synth.Cache().Has(key) {
			continue
		}
		seen[key] = true
		misses = append(misses, it)
	}
	if len(misses) == 0 {
		log.Debug("playback: pre-generation skipped, batch fully cached", "items", len(items))
		return
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	start := time.Now()
	for _, it := range misses {
		g.Go(func() error {
			_, err := synth.Resolve(ctx, it.Text, it.VoiceID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("playback: pre-generation failed, falling back to on-demand synthesis",
			"requested", len(misses), "err", err)
		return
	}
	log.Debug("playback: pre-generation complete",
		"requested", len(misses), "skipped", len(items)-len(misses), "elapsed", time.Since(start))
}
