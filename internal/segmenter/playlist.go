package segmenter

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// renderPlaylistLocked authors the sliding-window media playlist from the
// current duration map, discontinuity set, and init version. Called with
// p.mu held, after the duration map has been pruned to the window.
func (p *Pipeline) renderPlaylistLocked() []byte {
	indices := make([]uint64, 0, len(p.durations))
	for idx := range p.durations {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var maxDuration float64
	for _, idx := range indices {
		if d := p.durations[idx]; d > maxDuration {
			maxDuration = d
		}
	}
	targetDuration := int(math.Ceil(maxDuration))
	if floor := int(math.Ceil(p.config.TargetSegmentDuration)); targetDuration < floor {
		targetDuration = floor
	}

	var mediaSequence uint64
	if len(indices) > 0 {
		mediaSequence = indices[0]
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"init.mp4?v=%d\"\n", p.initVersion)

	for _, idx := range indices {
		if _, ok := p.discontinuities[idx]; ok {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
			fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"init.mp4?v=%d\"\n", p.initVersion)
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", p.durations[idx])
		fmt.Fprintf(&b, "segment%d.m4s\n", idx)
	}

	return []byte(b.String())
}
