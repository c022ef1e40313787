package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/emojichain/internal/models"
)

// Category is a vote award.
type Category string

const (
	CategoryFunniest      Category = "funniest"
	CategoryMostAccurate  Category = "mostAccurate"
	CategoryMostDestroyed Category = "mostDestroyed"
)

// Categories lists every award in display order.
var Categories = []Category{CategoryFunniest, CategoryMostAccurate, CategoryMostDestroyed}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryFunniest, CategoryMostAccurate, CategoryMostDestroyed:
		return true
	}
	return false
}

// Points is the score delta a vote in c awards its target.
func (c Category) Points() int {
	switch c {
	case CategoryFunniest:
		return 1
	case CategoryMostAccurate:
		return 2
	case CategoryMostDestroyed:
		return -1
	}
	return 0
}

// Vote is one award cast at a player.
type Vote struct {
	Category Category  `json:"category"`
	TargetID uuid.UUID `json:"targetId"`
}

// EncodeVotes renders votes in the current vote_multi format.
func EncodeVotes(votes []Vote) (string, error) {
	if votes == nil {
		votes = []Vote{}
	}
	for _, v := range votes {
		if !v.Category.Valid() {
			return "", fmt.Errorf("unknown vote category %q", v.Category)
		}
	}
	data, err := json.Marshal(votes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal votes: %w", err)
	}
	return Answer{Tag: TagVoteMulti, Payload: string(data)}.String(), nil
}

// EncodeLegacyVote renders a single vote in the legacy "vote:<category>:<target>" form.
func EncodeLegacyVote(v Vote) string {
	return Answer{Tag: TagVote, Payload: string(v.Category) + ":" + v.TargetID.String()}.String()
}

// DecodeVotes extracts votes from a raw last_answer in either vote format.
// Entries with unknown categories or malformed targets are skipped.
func DecodeVotes(raw string) ([]Vote, error) {
	a, ok := Parse(raw)
	if !ok {
		return nil, fmt.Errorf("not a tagged answer: %q", raw)
	}
	switch a.Tag {
	case TagVoteMulti:
		var votes []Vote
		if err := json.Unmarshal([]byte(a.Payload), &votes); err != nil {
			return nil, fmt.Errorf("failed to decode vote_multi payload: %w", err)
		}
		out := votes[:0]
		for _, v := range votes {
			if v.Category.Valid() && v.TargetID != uuid.Nil {
				out = append(out, v)
			}
		}
		return out, nil
	case TagVote:
		cat, target, found := strings.Cut(a.Payload, ":")
		if !found {
			return nil, fmt.Errorf("malformed legacy vote %q", raw)
		}
		id, err := uuid.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("malformed vote target: %w", err)
		}
		c := Category(cat)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown vote category %q", cat)
		}
		return []Vote{{Category: c, TargetID: id}}, nil
	}
	return nil, fmt.Errorf("answer %q is not a vote", a.Tag)
}

// Budget returns how many votes of each category a player may cast per round.
// The allowance scales with the score target: 3, 1 and 1 votes per five points.
func Budget(scoreTarget int) map[Category]int {
	blocks := (scoreTarget + 4) / 5
	if blocks < 1 {
		blocks = 1
	}
	return map[Category]int{
		CategoryFunniest:      3 * blocks,
		CategoryMostAccurate:  blocks,
		CategoryMostDestroyed: blocks,
	}
}

// ValidateBudget checks that votes do not exceed the per-round budget.
func ValidateBudget(votes []Vote, scoreTarget int) error {
	budget := Budget(scoreTarget)
	used := make(map[Category]int)
	for _, v := range votes {
		used[v.Category]++
		if used[v.Category] > budget[v.Category] {
			return fmt.Errorf("%w: %s used %d of %d", models.ErrVoteBudget, v.Category, used[v.Category], budget[v.Category])
		}
	}
	return nil
}
