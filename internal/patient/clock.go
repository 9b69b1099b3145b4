package patient

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time to the store.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces patient and entry identifiers.
type IDGenerator interface {
	PatientID(now time.Time) string
	EntryID() string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now in UTC.
func SystemClock() Clock { return systemClock{} }

type randomIDs struct{}

// RandomIDs returns the default IDGenerator: patient ids are the creation
// time in unix milliseconds plus a random hex suffix, entry ids are UUIDs.
func RandomIDs() IDGenerator { return randomIDs{} }

func (randomIDs) PatientID(now time.Time) string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to a uuid fragment
		return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(suffix))
}

func (randomIDs) EntryID() string { return uuid.NewString() }
