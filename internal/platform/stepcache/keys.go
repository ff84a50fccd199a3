package stepcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/crc32"
	"sort"
)

// FingerprintCRC32 is the fast fingerprint used for large binary ASR input:
// a full SHA-256 over tens of megabytes of audio on every claim would be
// wasted CPU when a cheap checksum is enough to key the cache.
func FingerprintCRC32(data []byte) string {
	sum := crc32.ChecksumIEEE(data)
	return hex.EncodeToString([]byte{
		byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum),
	})
}

// FingerprintSHA256 is used for downstream JSON-shaped inputs (segments,
// tokens) where collision resistance matters more than raw speed.
func FingerprintSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// configSubsets is the single authoritative table of which config fields
// participate in each step's cache key. A step's output depends only on its
// input plus these fields; anything else (credentials, endpoints, retry
// counts) must not be included, or cache keys would churn on operational
// changes that don't affect output.
var configSubsets = map[string][]string{
	"transcribe":           {"language_code", "asr_model"},
	"enrich.segment":       {"llm_model", "segmentation_prompt_version"},
	"enrich.token_analyze": {"llm_model", "token_prompt_version"},
	"enrich.translate":     {"llm_model", "translation_prompt_version", "target_language"},
}

// Key builds the deterministic cache key for a step invocation: sha256 of
// stepName + contentFingerprint + the step's declared config subset, rendered
// with sorted keys so the same logical config always hashes the same way.
func Key(stepName, contentFingerprint string, config map[string]string) string {
	fields := configSubsets[stepName]
	sort.Strings(fields)

	h := sha256.New()
	h.Write([]byte(stepName))
	h.Write([]byte{0})
	h.Write([]byte(contentFingerprint))
	h.Write([]byte{0})

	subset := make(map[string]string, len(fields))
	for _, f := range fields {
		subset[f] = config[f]
	}
	// json.Marshal on a map sorts keys lexicographically, giving a stable
	// byte representation without hand-rolled canonicalization.
	raw, _ := json.Marshal(subset)
	h.Write(raw)

	return "stepcache:" + stepName + ":" + hex.EncodeToString(h.Sum(nil))
}
