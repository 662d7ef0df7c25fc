package harness

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// fingerprintDomain separates config hashes from any other hash of the
// same bytes. The version suffix changes if the encoding does.
const fingerprintDomain = "simharness/config/v1"

// Fingerprint returns a content hash of the validated configuration.
// Two configs that run the same stages over the same scenarios and sweep
// hash equal wherever the files live and however many run at once:
// BaseDir and Concurrency are not part of the hash.
//
// Format: hex(SHA256(domain + 0x00 + json(cfg))).
func Fingerprint(cfg *Config) (string, error) {
	// encoding/json sorts map keys, so sweep points encode stably.
	c := *cfg
	c.Concurrency = 0
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
