// Package protocol implements the tagged-string format carried in a player's
// last_answer field and the avatar token encoding.
package protocol

import (
	"strings"

	"github.com/jason-s-yu/emojichain/internal/models"
)

// Tag is the prefix (without the trailing colon) of a last_answer value.
type Tag string

const (
	TagText       Tag = "text"
	TagDraft      Tag = "draft"
	TagEmoji      Tag = "emoji"
	TagDraftEmoji Tag = "draft_emoji"
	TagGuess      Tag = "guess"
	TagDraftGuess Tag = "draft_guess"
	TagVote       Tag = "vote"
	TagVoteMulti  Tag = "vote_multi"
	TagDraftVote  Tag = "draft_vote"
)

// Family groups a final tag with its draft counterpart.
type Family string

const (
	FamilyNone  Family = ""
	FamilyText  Family = "text"
	FamilyEmoji Family = "emoji"
	FamilyGuess Family = "guess"
	FamilyVote  Family = "vote"
)

type tagInfo struct {
	family Family
	final  bool
}

var tags = map[Tag]tagInfo{
	TagText:       {FamilyText, true},
	TagDraft:      {FamilyText, false},
	TagEmoji:      {FamilyEmoji, true},
	TagDraftEmoji: {FamilyEmoji, false},
	TagGuess:      {FamilyGuess, true},
	TagDraftGuess: {FamilyGuess, false},
	TagVote:       {FamilyVote, true},
	TagVoteMulti:  {FamilyVote, true},
	TagDraftVote:  {FamilyVote, false},
}

// Answer is a decoded last_answer value.
type Answer struct {
	Tag     Tag
	Payload string
}

// Parse decodes a raw last_answer. Unknown or empty values yield ok=false.
func Parse(raw string) (Answer, bool) {
	i := strings.IndexByte(raw, ':')
	if i <= 0 {
		return Answer{}, false
	}
	tag := Tag(raw[:i])
	if _, known := tags[tag]; !known {
		return Answer{}, false
	}
	return Answer{Tag: tag, Payload: raw[i+1:]}, true
}

// String encodes the answer back to its wire form.
func (a Answer) String() string {
	if a.Tag == "" {
		return ""
	}
	return string(a.Tag) + ":" + a.Payload
}

// IsFinal reports whether the answer is a submission rather than a draft.
func (a Answer) IsFinal() bool {
	return tags[a.Tag].final
}

// Family returns the phase family the tag belongs to.
func (a Answer) Family() Family {
	return tags[a.Tag].family
}

// Final builds a final answer for the given family.
func Final(f Family, payload string) Answer {
	switch f {
	case FamilyText:
		return Answer{Tag: TagText, Payload: payload}
	case FamilyEmoji:
		return Answer{Tag: TagEmoji, Payload: payload}
	case FamilyGuess:
		return Answer{Tag: TagGuess, Payload: payload}
	case FamilyVote:
		return Answer{Tag: TagVoteMulti, Payload: payload}
	}
	return Answer{}
}

// Draft builds a draft answer for the given family.
func Draft(f Family, payload string) Answer {
	switch f {
	case FamilyText:
		return Answer{Tag: TagDraft, Payload: payload}
	case FamilyEmoji:
		return Answer{Tag: TagDraftEmoji, Payload: payload}
	case FamilyGuess:
		return Answer{Tag: TagDraftGuess, Payload: payload}
	case FamilyVote:
		return Answer{Tag: TagDraftVote, Payload: payload}
	}
	return Answer{}
}

// FamilyOf maps a phase to the answer family collected during it.
func FamilyOf(phase models.Phase) Family {
	switch phase {
	case models.PhaseText:
		return FamilyText
	case models.PhaseEmoji1, models.PhaseEmoji2, models.PhaseEmoji3, models.PhaseEmoji4, models.PhaseEmoji5:
		return FamilyEmoji
	case models.PhaseInterpretation1, models.PhaseInterpretation2:
		return FamilyGuess
	case models.PhaseVote:
		return FamilyVote
	}
	return FamilyNone
}

// IsSubmissionFor reports whether raw is a final submission for phase.
func IsSubmissionFor(raw string, phase models.Phase) bool {
	a, ok := Parse(raw)
	if !ok || !a.IsFinal() {
		return false
	}
	f := FamilyOf(phase)
	return f != FamilyNone && a.Family() == f
}

// Rank orders competing values for the same last_answer: empty < draft < final.
func Rank(raw string) int {
	a, ok := Parse(raw)
	switch {
	case !ok:
		return 0
	case a.IsFinal():
		return 2
	default:
		return 1
	}
}

// Prefer resolves two concurrent writes to one player's last_answer. A final
// submission outranks a draft; among equal ranks the longer value wins.
// Values from different families are not comparable and b (the newer) wins.
func Prefer(a, b string) string {
	pa, oka := Parse(a)
	pb, okb := Parse(b)
	if !oka || !okb || pa.Family() != pb.Family() {
		return b
	}
	ra, rb := Rank(a), Rank(b)
	switch {
	case ra > rb:
		return a
	case rb > ra:
		return b
	case len(a) > len(b):
		return a
	default:
		return b
	}
}
