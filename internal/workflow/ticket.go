package workflow

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// NewTicketNumber renders N/YYYY/MM/DD with N = 20000 + unix_millis % 10000.
// The format does not guarantee uniqueness; the conditional ticket insert
// does, with the caller regenerating on collision.
func NewTicketNumber(now time.Time) string {
	now = now.UTC()
	n := 20000 + now.UnixMilli()%10000
	return fmt.Sprintf("%d/%s", n, now.Format("2006/01/02"))
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}

// decodeImage decodes a base64 payload, tolerating the url-safe alphabet.
func decodeImage(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(b64)
}
