package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// SampleRecord is one entry of the sample workload's result.
type SampleRecord struct {
	I        int    `json:"i"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Quantity int    `json:"quantity"`
}

var (
	firstNames = []string{"Ada", "Grace", "Alan", "Barbara", "Ken", "Margaret", "Dennis", "Frances", "Linus", "Radia", "Edsger", "Hedy"}
	lastNames  = []string{"Lovelace", "Hopper", "Turing", "Liskov", "Thompson", "Hamilton", "Ritchie", "Allen", "Torvalds", "Perlman", "Dijkstra", "Lamarr"}
	domains    = []string{"example.com", "example.org", "example.net"}
)

// Sample returns between zero and nine fake customer records, ignoring the
// request body. It stands in for real work in demos and load tests.
type Sample struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSample creates a Sample seeded from seed; a zero seed picks a random one.
func NewSample(seed uint64) *Sample {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Sample{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Sample) Run(ctx context.Context, _ Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	n := s.rng.IntN(10)
	records := make([]SampleRecord, n)
	for i := range records {
		first := firstNames[s.rng.IntN(len(firstNames))]
		last := lastNames[s.rng.IntN(len(lastNames))]
		records[i] = SampleRecord{
			I:        i,
			Name:     first + " " + last,
			Email:    fmt.Sprintf("%s.%s@%s", strings.ToLower(first), strings.ToLower(last), domains[s.rng.IntN(len(domains))]),
			Quantity: s.rng.IntN(1001),
		}
	}
	s.mu.Unlock()

	return json.Marshal(records)
}
