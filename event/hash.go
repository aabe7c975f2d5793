package event

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"

	"github.com/tidwall/gjson"
)

var (
	ErrNoEventID      = errors.New("construct: event carries no event_id")
	ErrBadRoomVersion = errors.New("construct: unsupported room version")
)

const DefaultRoomVersion = "10"

// Version is the parsed room version; unknown versions are rejected.
func Version(v string) (int, error) {
	if v == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 11 {
		return 0, ErrBadRoomVersion
	}
	return n, nil
}

// ContentHash is sha256 over the canonical event without unsigned,
// signatures and hashes.
func ContentHash(raw []byte) ([]byte, error) {
	stripped, err := Without(raw, "unsigned", "signatures", "hashes")
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(stripped)
	return sum[:], nil
}

// ReferenceHash is sha256 over the canonical redacted event without
// unsigned and signatures.
func ReferenceHash(raw []byte, version string) ([]byte, error) {
	redacted, err := Redact(raw, version)
	if err != nil {
		return nil, err
	}
	stripped, err := Without(redacted, "unsigned", "signatures", "age_ts")
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(stripped)
	return sum[:], nil
}

// ID yields the event id for a room version: v1 and v2 carry it
// explicitly, v3 derives it from the reference hash in standard base64,
// v4 and later use URL-safe base64.
func ID(raw []byte, version string) (string, error) {
	v, err := Version(version)
	if err != nil {
		return "", err
	}
	if v < 3 {
		id := gjson.GetBytes(raw, "event_id")
		if id.Type != gjson.String || id.Str == "" {
			return "", ErrNoEventID
		}
		return id.Str, nil
	}
	ref, err := ReferenceHash(raw, version)
	if err != nil {
		return "", err
	}
	if v == 3 {
		return "$" + base64.RawStdEncoding.EncodeToString(ref), nil
	}
	return "$" + base64.RawURLEncoding.EncodeToString(ref), nil
}

// WithHashes returns the canonical event with hashes.sha256 set.
func WithHashes(raw []byte) ([]byte, error) {
	sum, err := ContentHash(raw)
	if err != nil {
		return nil, err
	}
	hashes := appendString([]byte(`{"sha256":`), base64.RawStdEncoding.EncodeToString(sum))
	hashes = append(hashes, '}')
	return With(raw, "hashes", hashes)
}

// CheckHashes verifies hashes.sha256 against the content hash.
func CheckHashes(raw []byte) bool {
	want := gjson.GetBytes(raw, "hashes.sha256")
	if want.Type != gjson.String {
		return false
	}
	sum, err := ContentHash(raw)
	if err != nil {
		return false
	}
	return want.Str == base64.RawStdEncoding.EncodeToString(sum)
}

var redactKeep = map[string]struct{}{
	"event_id":         {},
	"type":             {},
	"room_id":          {},
	"sender":           {},
	"state_key":        {},
	"content":          {},
	"hashes":           {},
	"signatures":       {},
	"depth":            {},
	"prev_events":      {},
	"auth_events":      {},
	"origin_server_ts": {},
}

// dropped from the top level by room v11
var redactKeepLegacy = map[string]struct{}{
	"prev_state": {},
	"origin":     {},
	"membership": {},
}

func contentKeep(typ string, v int) []string {
	switch typ {
	case TypeMember:
		keys := []string{"membership"}
		if v >= 8 {
			keys = append(keys, "join_authorised_via_users_server")
		}
		if v >= 11 {
			keys = append(keys, "third_party_invite")
		}
		return keys
	case TypeCreate:
		return []string{"creator"}
	case TypeJoinRules:
		if v >= 8 {
			return []string{"join_rule", "allow"}
		}
		return []string{"join_rule"}
	case TypePowerLevels:
		keys := []string{"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"}
		if v >= 11 {
			keys = append(keys, "invite")
		}
		return keys
	case TypeAliases:
		if v <= 5 {
			return []string{"aliases"}
		}
	case TypeHistoryVisibility:
		return []string{"history_visibility"}
	case TypeRedaction:
		if v >= 11 {
			return []string{"redacts"}
		}
	}
	return nil
}

// Redact strips an event down to the members the redaction algorithm of
// its room version preserves. From v3 on event_id is derived and never
// part of the redacted form.
func Redact(raw []byte, version string) ([]byte, error) {
	v, err := Version(version)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformed
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return nil, ErrNotObject
	}
	typ := res.Get("type").Str
	members := objectMembers(res, func(key string) bool {
		if key == "event_id" && v >= 3 {
			return false
		}
		if _, ok := redactKeep[key]; ok {
			return true
		}
		_, ok := redactKeepLegacy[key]
		return ok && v < 11
	})
	for i := range members {
		if members[i].key != "content" {
			continue
		}
		content := members[i].value
		if v >= 11 && typ == TypeCreate {
			continue
		}
		keep := contentKeep(typ, v)
		kept := objectMembers(content, func(key string) bool {
			for _, k := range keep {
				if k == key {
					return true
				}
			}
			return false
		})
		if v >= 11 && typ == TypeMember {
			kept = keepSignedInvite(kept)
		}
		members[i].value = gjson.Parse(string(appendMembers(nil, kept)))
	}
	return appendMembers(nil, members), nil
}

// keepSignedInvite reduces third_party_invite to its signed member.
func keepSignedInvite(kept []member) []member {
	for i := range kept {
		if kept[i].key != "third_party_invite" {
			continue
		}
		signed := kept[i].value.Get("signed")
		if !signed.Exists() {
			return append(kept[:i], kept[i+1:]...)
		}
		inner := []member{{key: "signed", value: signed}}
		kept[i].value = gjson.Parse(string(appendMembers(nil, inner)))
	}
	return kept
}
