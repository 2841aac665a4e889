package pipeline

import "math"

// Target describes one rendition of the adaptive bitrate ladder.
type Target struct {
	Label       string
	Width       int
	Height      int
	BitrateKbps int
	Profile     string
	Level       string
}

// Bandwidth returns the nominal bandwidth in bits per second for manifest
// entries.
func (t Target) Bandwidth() int {
	return t.BitrateKbps * 1000
}

type ladderTier struct {
	label     string
	shortEdge int
	bitrate   int
	profile   string
	level     string
}

var ladder = []ladderTier{
	{label: "1080p", shortEdge: 1080, bitrate: 4800, profile: "high", level: "4.2"},
	{label: "720p", shortEdge: 720, bitrate: 2800, profile: "main", level: "4.0"},
	{label: "360p", shortEdge: 360, bitrate: 640, profile: "baseline", level: "3.1"},
}

// SelectTargets computes the rendition ladder for a source of the given
// dimensions. The ladder is keyed on the short edge so portrait and landscape
// sources resolve to the same tiers: a short edge of at least 1080 yields
// 1080p, 720p and 360p; at least 720 yields 720p and 360p; anything smaller
// gets a single 360p rendition. The short edge of each output is pinned to
// the tier's nominal value and the long edge preserves the source aspect
// ratio, rounded to the nearest even integer.
func SelectTargets(width, height int) []Target {
	if width <= 0 || height <= 0 {
		return nil
	}
	portrait := height > width
	shortEdge := width
	longEdge := height
	if !portrait {
		shortEdge = height
		longEdge = width
	}

	var targets []Target
	for _, tier := range ladder {
		if shortEdge < tier.shortEdge && tier.shortEdge != 360 {
			continue
		}
		outShort := tier.shortEdge
		outLong := nearestEven(float64(longEdge) * float64(outShort) / float64(shortEdge))
		target := Target{
			Label:       tier.label,
			BitrateKbps: tier.bitrate,
			Profile:     tier.profile,
			Level:       tier.level,
		}
		if portrait {
			target.Width = outShort
			target.Height = outLong
		} else {
			target.Width = outLong
			target.Height = outShort
		}
		targets = append(targets, target)
	}
	return targets
}

func nearestEven(v float64) int {
	return int(math.Round(v/2)) * 2
}
