package clients

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoScore reports a well-formed sentiment response without a usable
// weighted score (not enough recent posts, usually).
var ErrNoScore = errors.New("no sentiment score available")

// Sentiment queries the social sentiment service.
type Sentiment struct {
	pool *Pool
}

// NewSentiment wraps the endpoint pool.
func NewSentiment(pool *Pool) *Sentiment {
	return &Sentiment{pool: pool}
}

// Score returns the weighted sentiment score in [-1, 1] for a query term.
// Returns ErrRateLimited when the service throttles, ErrNoScore when the
// response carries no score.
func (s *Sentiment) Score(ctx context.Context, query string) (float64, error) {
	var resp struct {
		WeightedScore *float64 `json:"weighted_score"`
	}
	err := s.pool.GetJSON(ctx, "/api/v1/sentiment/twitter", map[string]string{
		"query":       query,
		"max_results": "20",
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.WeightedScore == nil {
		return 0, fmt.Errorf("sentiment for %q: %w", query, ErrNoScore)
	}
	return *resp.WeightedScore, nil
}
