package event

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"

	"github.com/tidwall/gjson"
)

var ErrBadSignature = errors.New("construct: event signature verification failed")

func signingBytes(raw []byte, version string) ([]byte, error) {
	redacted, err := Redact(raw, version)
	if err != nil {
		return nil, err
	}
	return Without(redacted, "signatures", "unsigned")
}

// Sign adds a signatures.<origin>.<keyID> entry over the redacted
// canonical event, keeping signatures from other servers.
func Sign(raw []byte, version, origin, keyID string, key ed25519.PrivateKey) ([]byte, error) {
	msg, err := signingBytes(raw, version)
	if err != nil {
		return nil, err
	}
	sig := base64.RawStdEncoding.EncodeToString(ed25519.Sign(key, msg))

	existing := gjson.GetBytes(raw, "signatures")
	sigs := []byte("{}")
	if existing.IsObject() {
		sigs = []byte(existing.Raw)
	}
	server := gjson.GetBytes(sigs, gjsonEscape(origin))
	keys := []byte("{}")
	if server.IsObject() {
		keys = []byte(server.Raw)
	}
	keys, err = With(keys, keyID, appendString(nil, sig))
	if err != nil {
		return nil, err
	}
	sigs, err = With(sigs, origin, keys)
	if err != nil {
		return nil, err
	}
	return With(raw, "signatures", sigs)
}

// Verify checks the signature of origin under keyID.
func Verify(raw []byte, version, origin, keyID string, pub ed25519.PublicKey) error {
	sig := gjson.GetBytes(raw, "signatures."+gjsonEscape(origin)+"."+gjsonEscape(keyID))
	if sig.Type != gjson.String {
		return ErrBadSignature
	}
	decoded, err := base64.RawStdEncoding.DecodeString(sig.Str)
	if err != nil {
		return ErrBadSignature
	}
	msg, err := signingBytes(raw, version)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, decoded) {
		return ErrBadSignature
	}
	return nil
}
