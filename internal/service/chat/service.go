package chat

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"soulchat/internal/models"
)

// Service is the single writer of durable message state. All methods are
// safe for concurrent use; writes to the same conversation serialize on
// the per-key clock and on the database's row-level guarantees.
type Service struct {
	db           *sql.DB
	insertIgnore string

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewService wires the store to an opened database. The driver selects
// the dialect for set-insert statements.
func NewService(db *sql.DB, driver string) (*Service, error) {
	var insertIgnore string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		insertIgnore = "INSERT OR IGNORE"
	case "mysql":
		insertIgnore = "INSERT IGNORE"
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	return &Service{
		db:           db,
		insertIgnore: insertIgnore,
		lastSent:     make(map[string]time.Time),
	}, nil
}

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

func validIdentity(id string) bool {
	return identityPattern.MatchString(id)
}

// pairKey builds the canonical storage key for an unordered user pair.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// nextSentAt assigns a server timestamp that is strictly increasing
// within one conversation key, so transcripts never interleave equal
// times and history ordering is total.
func (s *Service) nextSentAt(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if last, ok := s.lastSent[key]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	s.lastSent[key] = now
	return now
}

// normalizeBody reduces the incoming body to the stored string form: an
// attachment collapses to its reference URL, text is trimmed.
func normalizeBody(text string, att *models.Attachment) (string, error) {
	if att != nil {
		url := strings.TrimSpace(att.URL)
		if url == "" {
			return "", &ValidationError{Field: "body", Reason: "attachment url is empty"}
		}
		return url, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ValidationError{Field: "body", Reason: "message is empty"}
	}
	return text, nil
}

func sortedPair(a, b string) []string {
	p := []string{a, b}
	sort.Strings(p)
	return p
}
