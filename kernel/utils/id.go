package utils

import (
	"github.com/google/uuid"
)

// ShortID returns the first block of a random identifier, for node and proxy
// names that show up in log lines.
func ShortID() string {
	id := uuid.New()
	return id.String()[:8]
}
