package event

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrUnknownName = errors.New("construct: unknown name")

// Conformity is a bitset of structural violations found in an event.
type Conformity uint64

const (
	InvalidOrMissingEventID Conformity = 1 << iota
	InvalidOrMissingRoomID
	InvalidOrMissingSenderID
	MissingType
	InvalidOrigin
	InvalidOrMissingRedactsID
	MissingContentMembership
	InvalidContentMembership
	MissingPrevEvents
	MissingAuthEvents
	DepthNegative
	DepthZero
	MismatchCreateSender
	MismatchOriginSender
	SelfPrevEvent
	SelfAuthEvent
	DupPrevEvent
	DupAuthEvent
	MissingSignatures
	MissingOriginSignature
	TypeTooLong
	StateKeyTooLong
	TooLarge
	numConformity
)

var conformityNames = []string{
	"INVALID_OR_MISSING_EVENT_ID",
	"INVALID_OR_MISSING_ROOM_ID",
	"INVALID_OR_MISSING_SENDER_ID",
	"MISSING_TYPE",
	"INVALID_ORIGIN",
	"INVALID_OR_MISSING_REDACTS_ID",
	"MISSING_CONTENT_MEMBERSHIP",
	"INVALID_CONTENT_MEMBERSHIP",
	"MISSING_PREV_EVENTS",
	"MISSING_AUTH_EVENTS",
	"DEPTH_NEGATIVE",
	"DEPTH_ZERO",
	"MISMATCH_CREATE_SENDER",
	"MISMATCH_ORIGIN_SENDER",
	"SELF_PREV_EVENT",
	"SELF_AUTH_EVENT",
	"DUP_PREV_EVENT",
	"DUP_AUTH_EVENT",
	"MISSING_SIGNATURES",
	"MISSING_ORIGIN_SIGNATURE",
	"TYPE_TOO_LONG",
	"STATE_KEY_TOO_LONG",
	"TOO_LARGE",
}

func (c Conformity) Has(code Conformity) bool {
	return c&code != 0
}

// Clean reports whether nothing outside mask was found.
func (c Conformity) Clean(mask Conformity) bool {
	return c&^mask == 0
}

func (c Conformity) String() string {
	var names []string
	for i := 0; Conformity(1)<<i < numConformity; i++ {
		if c&(1<<i) != 0 {
			names = append(names, conformityNames[i])
		}
	}
	return strings.Join(names, " ")
}

var memberships = map[string]struct{}{
	"join":   {},
	"invite": {},
	"leave":  {},
	"ban":    {},
	"knock":  {},
}

// Conforms runs the structural checks. size is the length of the source
// JSON, zero when unknown.
func Conforms(e *Event, size int) (report Conformity) {
	if e.EventID != "" && !ValidID('$', e.EventID) {
		report |= InvalidOrMissingEventID
	}
	if !ValidID('!', e.RoomID) {
		report |= InvalidOrMissingRoomID
	}
	if !ValidID('@', e.Sender) {
		report |= InvalidOrMissingSenderID
	}
	if e.Type == "" {
		report |= MissingType
	}
	if len(e.Type) > MaxTypeLength {
		report |= TypeTooLong
	}
	if e.StateKey != nil && len(*e.StateKey) > MaxStateKeySize {
		report |= StateKeyTooLong
	}
	if e.Origin != "" && strings.ContainsAny(e.Origin, " /@!$") {
		report |= InvalidOrigin
	}
	if e.Origin != "" && e.Origin != Host(e.Sender) {
		report |= MismatchOriginSender
	}
	if e.Type == TypeRedaction && !ValidID('$', e.RedactsID()) {
		report |= InvalidOrMissingRedactsID
	}
	if e.Type == TypeMember {
		m := e.Membership()
		if m == "" {
			report |= MissingContentMembership
		} else if _, ok := memberships[m]; !ok {
			report |= InvalidContentMembership
		}
	}
	if e.Depth < 0 {
		report |= DepthNegative
	}
	prevs := e.PrevIDs()
	auths := e.AuthIDs()
	if e.Type != TypeCreate {
		if len(prevs) == 0 {
			report |= MissingPrevEvents
		}
		if len(auths) == 0 {
			report |= MissingAuthEvents
		}
		if e.Depth == 0 {
			report |= DepthZero
		}
	} else if Host(e.RoomID) != "" && Host(e.RoomID) != Host(e.Sender) {
		report |= MismatchCreateSender
	}
	if e.EventID != "" {
		for _, id := range prevs {
			if id == e.EventID {
				report |= SelfPrevEvent
			}
		}
		for _, id := range auths {
			if id == e.EventID {
				report |= SelfAuthEvent
			}
		}
	}
	if hasDup(prevs) {
		report |= DupPrevEvent
	}
	if hasDup(auths) {
		report |= DupAuthEvent
	}
	if len(e.Signatures) == 0 || string(e.Signatures) == "{}" {
		report |= MissingSignatures
	} else if origin := Host(e.Sender); origin != "" && !strings.Contains(string(e.Signatures), `"`+origin+`"`) {
		report |= MissingOriginSignature
	}
	if size > MaxSize {
		report |= TooLarge
	}
	return report
}

func hasDup(ids []string) bool {
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] == ids[j] {
				return true
			}
		}
	}
	return false
}

// ParseConformity maps names as printed by String back to their bits.
func ParseConformity(names ...string) (c Conformity, err error) {
	for _, name := range names {
		i := slices.Index(conformityNames, strings.ToUpper(strings.TrimSpace(name)))
		if i < 0 {
			return c, fmt.Errorf("%w: conformity %q", ErrUnknownName, name)
		}
		c |= 1 << i
	}
	return c, nil
}
