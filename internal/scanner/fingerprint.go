package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FingerprintKeys are the five fields that make up a complete machine
// fingerprint. All five must be present for the fingerprint to be complete.
var FingerprintKeys = []string{
	"telemetry.machineId",
	"telemetry.macMachineId",
	"telemetry.devDeviceId",
	"telemetry.sqmId",
	"system.machineGuid",
}

// ExtractFingerprint pulls the machine fingerprint out of a raw record.
// Returns the full map when all five keys are present, a partial map (with
// complete=false) when only some are, and nil when none are. Missing keys
// are never fabricated here; callers generate a fresh fingerprint when this
// returns nil.
func ExtractFingerprint(rec RawRecord) (fingerprint map[string]string, complete bool) {
	found := make(map[string]string)
	for _, key := range FingerprintKeys {
		if v := rec[key]; v != "" {
			found[key] = v
		}
	}

	switch len(found) {
	case len(FingerprintKeys):
		return found, true
	case 0:
		return nil, false
	default:
		log.Warn().Int("found", len(found)).Int("required", len(FingerprintKeys)).Msg("machine fingerprint incomplete")
		return found, false
	}
}

// GenerateFingerprint produces a fresh fingerprint for accounts whose store
// carried none. The machineId follows the editor's auth0|user_... + sha256
// format; sqmId uses the braced uppercase GUID form Windows writes.
func GenerateFingerprint(userID string) map[string]string {
	base := "auth0|" + userID
	if userID == "" {
		base = "auth0|user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	sum := sha256.Sum256([]byte(base))

	return map[string]string{
		"telemetry.machineId":    base + hex.EncodeToString(sum[:]),
		"telemetry.macMachineId": uuid.NewString(),
		"telemetry.devDeviceId":  uuid.NewString(),
		"telemetry.sqmId":        "{" + strings.ToUpper(uuid.NewString()) + "}",
		"system.machineGuid":     uuid.NewString(),
	}
}
