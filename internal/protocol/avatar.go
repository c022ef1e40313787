package protocol

import "strings"

const avatarSeparator = "|"

// Avatar is a decoded avatar token.
type Avatar struct {
	Emoji       string
	Fingerprint string
}

// EncodeAvatar builds "<emoji>|<fingerprint>".
func EncodeAvatar(emoji, fingerprint string) string {
	if fingerprint == "" {
		return emoji
	}
	return emoji + avatarSeparator + fingerprint
}

// ParseAvatar splits a token. Tokens without a fingerprint are display-only.
func ParseAvatar(token string) Avatar {
	emoji, fp, found := strings.Cut(token, avatarSeparator)
	if !found {
		return Avatar{Emoji: token}
	}
	return Avatar{Emoji: emoji, Fingerprint: fp}
}

// String re-encodes the avatar.
func (a Avatar) String() string {
	return EncodeAvatar(a.Emoji, a.Fingerprint)
}
