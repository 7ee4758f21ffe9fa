// Package fingerprint builds the composite browser fingerprint (C7):
// four deterministic component hashes, a composite digest, a confidence
// score, and a 128-permutation MinHash signature for approximate
// similarity search. Every function here is a pure function of its
// inputs, satisfying the determinism property required of fingerprinting
// (no-original-source available to disambiguate exact hash construction,
// so separators and formatting are fixed here and documented, matching
// spec.md's explicit separator/empty-string rules).
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"scrybe/internal/model"
)

const noTLS = "no_tls"

const (
	weightNetwork    = 0.25
	weightBrowser    = 0.35
	weightBehavioral = 0.20
	weightDevice     = 0.20
)

const permutations = 128

// sha256Hex returns the lowercase hex SHA-256 digest of s.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// networkHash is the SHA-256 of the JA3 string, or the literal "no_tls" if
// no TLS metadata was surfaced.
func networkHash(ja3 string) string {
	if ja3 == "" {
		return noTLS
	}
	return sha256Hex(ja3)
}

// browserHash hashes the ordered concatenation of canvas, WebGL, audio and
// font-list digests. Any empty component contributes the empty string.
func browserHash(b model.BrowserReport) string {
	parts := []string{b.CanvasHash, b.WebGLHash, b.AudioHash, b.FontListHash}
	if allEmpty(parts) {
		return ""
	}
	return sha256Hex(strings.Join(parts, ":"))
}

// behavioralHash hashes a small formatted string of mouse entropy (2dp)
// and the first velocity sample (2dp).
func behavioralHash(entropy, firstVelocity float64, hasData bool) string {
	if !hasData {
		return ""
	}
	return sha256Hex(fmt.Sprintf("%.2f:%.2f", entropy, firstVelocity))
}

// deviceHash hashes platform, hardware-concurrency, device-memory and
// max-touch-points.
func deviceHash(b model.BrowserReport) string {
	if b.Platform == "" && b.HardwareConcurrency == 0 && b.DeviceMemory == 0 && b.MaxTouchPoints == 0 {
		return ""
	}
	return sha256Hex(fmt.Sprintf("%s:%d:%.2f:%d", b.Platform, b.HardwareConcurrency, b.DeviceMemory, b.MaxTouchPoints))
}

func allEmpty(parts []string) bool {
	for _, p := range parts {
		if p != "" {
			return false
		}
	}
	return true
}

// MouseEntropy computes a simple Shannon-style entropy over the
// directional bearing of consecutive mouse samples, used as behavioral
// input. Absent samples yield zero entropy with hasData=false.
func MouseEntropy(points []model.MousePoint) (entropy float64, firstVelocity float64, hasData bool) {
	if len(points) == 0 {
		return 0, 0, false
	}
	if len(points) >= 2 {
		dx := points[1].X - points[0].X
		dy := points[1].Y - points[0].Y
		dt := float64(points[1].TimestampMS - points[0].TimestampMS)
		if dt > 0 {
			firstVelocity = distance(dx, dy) / dt
		}
	}

	buckets := make(map[int]int)
	for i := 1; i < len(points); i++ {
		dx := points[i].X - points[i-1].X
		dy := points[i].Y - points[i-1].Y
		if dx == 0 && dy == 0 {
			continue
		}
		bucket := bearingBucket(dx, dy)
		buckets[bucket]++
	}
	total := 0
	for _, c := range buckets {
		total += c
	}
	if total == 0 {
		return 0, firstVelocity, true
	}
	var h float64
	for _, c := range buckets {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h, firstVelocity, true
}

func distance(dx, dy float64) float64 {
	return math.Sqrt(dx*dx + dy*dy)
}

// bearingBucket quantizes the direction of (dx, dy) into one of 8 octants.
func bearingBucket(dx, dy float64) int {
	angle := math.Atan2(dy, dx)
	const octant = math.Pi / 4
	b := int(angle / octant)
	if b < 0 {
		b += 8
	}
	return b % 8
}

// Build constructs the CompositeFingerprint for a session report.
func Build(r model.SessionReport, ja3 string) model.CompositeFingerprint {
	entropy, firstVel, hasMouse := MouseEntropy(r.Behavioral.MouseSamples)

	nh := networkHash(ja3)
	bh := browserHash(r.Browser)
	vh := behavioralHash(entropy, firstVel, hasMouse)
	dh := deviceHash(r.Browser)

	composite := sha256Hex(strings.Join([]string{nh, bh, vh, dh}, ":"))

	confidence := 0.0
	if nh != noTLS {
		confidence += weightNetwork
	}
	if bh != "" {
		confidence += weightBrowser
	}
	if vh != "" {
		confidence += weightBehavioral
	}
	if dh != "" {
		confidence += weightDevice
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	sig := minHashSignature(strings.Join([]string{nh, bh, vh, dh}, ":"))

	return model.CompositeFingerprint{
		NetworkHash:    nh,
		BrowserHash:    bh,
		BehavioralHash: vh,
		DeviceHash:     dh,
		CompositeHash:  composite,
		Confidence:     confidence,
		MinHash:        sig,
	}
}

// shingles returns the set of 3-character sliding-window shingles of s.
func shingles(s string) map[string]struct{} {
	set := make(map[string]struct{})
	if len(s) < 3 {
		if s != "" {
			set[s] = struct{}{}
		}
		return set
	}
	for i := 0; i+3 <= len(s); i++ {
		set[s[i:i+3]] = struct{}{}
	}
	return set
}

// permHash is a fixed deterministic 64-bit hash of (permutation index,
// shingle), used as the MinHash permutation function.
func permHash(i int, shingle string) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(i)*0x9E3779B97F4A7C15+1)
	h := fnv64a(buf[:])
	h = fnv64aString(h, shingle)
	return h
}

const fnvOffset = 14695981039346656037
const fnvPrime = 1099511628211

func fnv64a(data []byte) uint64 {
	h := uint64(fnvOffset)
	for _, b := range data {
		h ^= uint64(b)
		h *= fnvPrime
	}
	return h
}

func fnv64aString(h uint64, s string) uint64 {
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime
	}
	return h
}

// minHashSignature computes the 128-permutation MinHash signature over the
// 3-gram shingle set of s.
func minHashSignature(s string) [permutations]uint64 {
	set := shingles(s)
	var sig [permutations]uint64
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	for shingle := range set {
		for i := 0; i < permutations; i++ {
			v := permHash(i, shingle)
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// Jaccard returns the fraction of positions at which two MinHash
// signatures agree, an estimate of the true Jaccard similarity of their
// underlying shingle sets.
func Jaccard(a, b [permutations]uint64) float64 {
	equal := 0
	for i := range a {
		if a[i] == b[i] {
			equal++
		}
	}
	return float64(equal) / float64(permutations)
}

// ScrollSmoothness measures how uniform a sequence of scroll samples is:
// the inverse of the variance of consecutive delta-Y differences. A
// human scroll is jittery (low smoothness); a scripted scroll tends
// toward perfectly uniform deltas (smoothness near 1). Used as a raw
// behavioral signal for both the anomaly scorer (C10) and the storage
// percentile refresh it depends on.
func ScrollSmoothness(points []model.ScrollPoint) (smoothness float64, hasData bool) {
	if len(points) < 3 {
		return 0, false
	}
	diffs := make([]float64, 0, len(points)-2)
	for i := 2; i < len(points); i++ {
		d1 := points[i-1].DeltaY - points[i-2].DeltaY
		d2 := points[i].DeltaY - points[i-1].DeltaY
		diffs = append(diffs, d2-d1)
	}
	var mean float64
	for _, d := range diffs {
		mean += d
	}
	mean /= float64(len(diffs))
	var variance float64
	for _, d := range diffs {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(diffs))
	return 1.0 / (1.0 + variance), true
}
