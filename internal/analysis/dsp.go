package analysis

import (
	"errors"
	"math"
	"sort"
)

const (
	frameSize = 1024
	hopSize   = 512

	// Peaks closer than this are a single onset, not two.
	minBeatGapSec = 0.25

	// Tempo estimates are folded into this octave range.
	minBPM = 60
	maxBPM = 200

	// Valence maps the mean spectral centroid from a typical working
	// range of 500-4000 Hz onto [0, 1].
	centroidFloorHz = 500
	centroidSpanHz  = 3500
)

var errClipTooShort = errors.New("analysis: clip too short")

// clipFeatures is the raw output of the signal-processing pipeline.
// Zero BeatCount means tempo and danceability could not be derived.
type clipFeatures struct {
	Tempo        float64
	Key          int
	Major        bool
	Energy       float64
	Danceability float64
	Valence      float64
	BeatCount    int
}

// extractFeatures runs the full pipeline over a mono sample stream.
// CPU-bound; callers dispatch it to the worker pool.
func extractFeatures(samples []float64, sampleRate int) (clipFeatures, error) {
	if sampleRate <= 0 || len(samples) < frameSize*4 {
		return clipFeatures{}, errClipTooShort
	}

	rms := frameRMS(samples)
	onsetEnv := onsetStrength(rms)
	beats := pickBeats(onsetEnv, rms, sampleRate)

	var out clipFeatures
	out.BeatCount = len(beats)
	if len(beats) >= 2 {
		out.Tempo = tempoFromBeats(beats, sampleRate)
		out.Danceability = danceability(onsetEnv, beats)
	}

	chroma := chromaDistribution(samples, sampleRate)
	out.Key, out.Major = keyAndMode(chroma)

	out.Energy = normalizedEnergy(rms)
	out.Valence = valenceFromCentroid(samples, sampleRate)

	return out, nil
}

// frameRMS computes root-mean-square amplitude per frame.
func frameRMS(samples []float64) []float64 {
	n := 1 + (len(samples)-frameSize)/hopSize
	rms := make([]float64, 0, n)
	for start := 0; start+frameSize <= len(samples); start += hopSize {
		var sum float64
		for _, s := range samples[start : start+frameSize] {
			sum += s * s
		}
		rms = append(rms, math.Sqrt(sum/frameSize))
	}
	return rms
}

// onsetStrength is the positive first difference of the frame energy,
// a cheap onset envelope.
func onsetStrength(rms []float64) []float64 {
	env := make([]float64, len(rms))
	for i := 1; i < len(rms); i++ {
		if d := rms[i] - rms[i-1]; d > 0 {
			env[i] = d
		}
	}
	return env
}

// pickBeats finds local maxima of the onset envelope above an adaptive
// threshold, at least minBeatGapSec apart. Returned values are frame
// indices. A floor relative to the peak frame energy filters out the
// small energy ripple present in any sustained signal.
func pickBeats(env, rms []float64, sampleRate int) []int {
	if len(env) < 3 {
		return nil
	}

	var maxRMS float64
	for _, v := range rms {
		if v > maxRMS {
			maxRMS = v
		}
	}

	mean, std := meanStd(env)
	threshold := mean + std
	if floor := 0.1 * maxRMS; threshold < floor {
		threshold = floor
	}

	minGap := int(minBeatGapSec * float64(sampleRate) / hopSize)
	if minGap < 1 {
		minGap = 1
	}

	var beats []int
	last := -minGap
	for i := 1; i < len(env)-1; i++ {
		if env[i] <= threshold {
			continue
		}
		if env[i] < env[i-1] || env[i] < env[i+1] {
			continue
		}
		if i-last < minGap {
			continue
		}
		beats = append(beats, i)
		last = i
	}
	return beats
}

// tempoFromBeats estimates BPM from the median inter-beat interval,
// folded into the working octave range.
func tempoFromBeats(beats []int, sampleRate int) float64 {
	intervals := make([]float64, 0, len(beats)-1)
	for i := 1; i < len(beats); i++ {
		intervals = append(intervals, float64(beats[i]-beats[i-1]))
	}
	sort.Float64s(intervals)
	medianFrames := intervals[len(intervals)/2]

	secPerBeat := medianFrames * hopSize / float64(sampleRate)
	if secPerBeat <= 0 {
		return 0
	}
	bpm := 60 / secPerBeat
	for bpm < minBPM {
		bpm *= 2
	}
	for bpm > maxBPM {
		bpm /= 2
	}
	return bpm
}

// danceability combines beat-interval regularity with average onset
// strength at the detected beats.
func danceability(env []float64, beats []int) float64 {
	intervals := make([]float64, 0, len(beats)-1)
	for i := 1; i < len(beats); i++ {
		intervals = append(intervals, float64(beats[i]-beats[i-1]))
	}
	mean, std := meanStd(intervals)
	regularity := 0.0
	if mean > 0 {
		regularity = 1 - math.Min(std/mean, 1)
	}

	var maxEnv float64
	for _, v := range env {
		if v > maxEnv {
			maxEnv = v
		}
	}
	var atBeats float64
	for _, b := range beats {
		atBeats += env[b]
	}
	strength := atBeats / float64(len(beats)) / (maxEnv + 1e-6)

	return clamp01((regularity + strength) / 2)
}

// chromaDistribution sums Goertzel energy per pitch class across five
// octaves (MIDI 36-95, roughly 65 Hz to 2 kHz).
func chromaDistribution(samples []float64, sampleRate int) [12]float64 {
	var chroma [12]float64
	nyquistGuard := float64(sampleRate) * 0.45
	for midi := 36; midi <= 95; midi++ {
		freq := 440 * math.Pow(2, float64(midi-69)/12)
		if freq > nyquistGuard {
			break
		}
		chroma[midi%12] += goertzelPower(samples, sampleRate, freq)
	}
	return chroma
}

// keyAndMode picks the dominant pitch class as the key. Mode compares
// the chroma strength at the major third against the minor third above
// the key; the stronger interval selects major or minor.
func keyAndMode(chroma [12]float64) (int, bool) {
	key := 0
	for pc := 1; pc < 12; pc++ {
		if chroma[pc] > chroma[key] {
			key = pc
		}
	}

	majorThird := chroma[(key+4)%12]
	minorThird := chroma[(key+3)%12]
	return key, majorThird > minorThird
}

// normalizedEnergy scales the mean frame RMS against the 95th
// percentile to reduce sensitivity to transient peaks.
func normalizedEnergy(rms []float64) float64 {
	if len(rms) == 0 {
		return 0
	}
	mean, _ := meanStd(rms)
	p95 := percentile(rms, 0.95)
	if p95 <= 0 {
		return 0
	}
	return clamp01(mean / p95)
}

// valenceFromCentroid derives a brightness heuristic from the mean
// spectral centroid across frames, measured over a log-spaced band set.
func valenceFromCentroid(samples []float64, sampleRate int) float64 {
	bands := centroidBands(sampleRate)
	var centroidSum float64
	var frames int

	for start := 0; start+frameSize <= len(samples); start += hopSize {
		frame := samples[start : start+frameSize]
		var energySum, weighted float64
		for _, f := range bands {
			e := goertzelPower(frame, sampleRate, f)
			energySum += e
			weighted += e * f
		}
		if energySum < 1e-12 {
			continue
		}
		centroidSum += weighted / energySum
		frames++
	}

	if frames == 0 {
		return 0
	}
	meanCentroid := centroidSum / float64(frames)
	return clamp01((meanCentroid - centroidFloorHz) / centroidSpanHz)
}

// centroidBands returns ~40 log-spaced analysis frequencies between
// 200 Hz and 8 kHz, capped below Nyquist.
func centroidBands(sampleRate int) []float64 {
	const bandCount = 40
	low, high := 200.0, 8000.0
	if limit := float64(sampleRate) * 0.45; high > limit {
		high = limit
	}

	bands := make([]float64, 0, bandCount)
	ratio := math.Pow(high/low, 1/float64(bandCount-1))
	f := low
	for i := 0; i < bandCount; i++ {
		bands = append(bands, f)
		f *= ratio
	}
	return bands
}

// goertzelPower measures signal power at a single frequency.
func goertzelPower(samples []float64, sampleRate int, freq float64) float64 {
	omega := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(omega)

	var s1, s2 float64
	for _, x := range samples {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
