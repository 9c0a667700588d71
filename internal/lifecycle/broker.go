package lifecycle

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/oracle"
)

// Event is the dashboard view of a request after a transition.
type Event struct {
	ID             string                `json:"id"`
	Status         db.Status             `json:"status"`
	Source         db.Source             `json:"source"`
	Classification oracle.Classification `json:"classification,omitempty"`
	PriceUSDC      decimal.Decimal       `json:"price_usdc"`
	Prompt         string                `json:"prompt"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func EventFor(r *db.Request) Event {
	return Event{
		ID:             r.ID,
		Status:         r.Status,
		Source:         r.Source,
		Classification: r.Tier(),
		PriceUSDC:      r.PriceUSDC,
		Prompt:         r.Prompt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// Broker fans request events out to dashboard subscribers. Slow subscribers
// miss events rather than block a transition.
type Broker struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		clients: make(map[chan string]struct{}),
	}
}

func (b *Broker) Subscribe() chan string {
	ch := make(chan string, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(ch chan string) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := string(raw)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}
