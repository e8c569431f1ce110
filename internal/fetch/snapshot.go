package fetch

import (
	"sync"
	"time"

	"github.com/sawpanic/crossarb/internal/domain"
)

// Snapshot holds one tick's fetched quotes and books, keyed
// "venue_id:BASE". Writes happen during the fan-out; reads after it.
type Snapshot struct {
	mu      sync.RWMutex
	quotes  map[string]domain.Quote
	books   map[string]domain.OrderBook
	TakenAt time.Time
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		quotes:  make(map[string]domain.Quote),
		books:   make(map[string]domain.OrderBook),
		TakenAt: time.Now(),
	}
}

func (s *Snapshot) putQuote(q domain.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[domain.SnapshotKey(q.VenueID, q.Symbol)] = q
}

func (s *Snapshot) putBook(b domain.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[domain.SnapshotKey(b.VenueID, b.Symbol)] = b
}

// Quote returns the snapshot quote for a venue and base symbol.
func (s *Snapshot) Quote(venue domain.VenueID, symbol string) (domain.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[domain.SnapshotKey(venue, symbol)]
	return q, ok
}

// Book returns the snapshot order book for a venue and base symbol.
func (s *Snapshot) Book(venue domain.VenueID, symbol string) (domain.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[domain.SnapshotKey(venue, symbol)]
	return b, ok
}

// QuoteCount returns how many quotes landed this tick.
func (s *Snapshot) QuoteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}

// BookCount returns how many books landed this tick.
func (s *Snapshot) BookCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}

// Completable filters pairs to those with fresh quotes on both sides. Pairs
// missing a side are skipped for the tick, not failed.
func Completable(pairs []domain.ArbitragePair, snap *Snapshot, maxAge time.Duration, now time.Time) []domain.ArbitragePair {
	out := make([]domain.ArbitragePair, 0, len(pairs))
	for _, p := range pairs {
		qa, okA := snap.Quote(p.VenueA, p.Symbol)
		qb, okB := snap.Quote(p.VenueB, p.Symbol)
		if !okA || !okB {
			continue
		}
		if !qa.Fresh(now, maxAge) || !qb.Fresh(now, maxAge) {
			continue
		}
		out = append(out, p)
	}
	return out
}
