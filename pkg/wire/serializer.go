package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"

	goversion "github.com/hashicorp/go-version"
	"github.com/hamicek/noex-sub011/internal/errs"
	promlog "github.com/prometheus/common/log"
)

// ProtocolVersion is the only envelope version this node emits.
// Deserialize rejects anything outside SupportedVersions.
const ProtocolVersion = 1

// SupportedVersions is expressed with hashicorp/go-version so the
// accepted range can grow without touching the comparison logic,
// mirroring how the teacher's indirect go-version dependency is meant
// to be used for constraint checking.
var SupportedVersions = mustConstraint(fmt.Sprintf("= %d", ProtocolVersion))

func mustConstraint(c string) goversion.Constraints {
	parsed, err := goversion.NewConstraint(c)
	if err != nil {
		// Fallback path mirrors go-mcast's core/transport.go, which logs
		// through prometheus/common/log before any per-node logger exists.
		promlog.Errorf("invalid built-in version constraint %q: %v", c, err)
		panic(err)
	}
	return parsed
}

// Envelope is the wire wrapper around a ClusterMessage (spec.md §3/§6).
type Envelope struct {
	Version   uint8
	From      string
	Timestamp uint64
	Payload   ClusterMessage
	HMAC      []byte // nil when no cluster secret is configured
}

// wireEnvelope is the JSON-serializable shape of Envelope.
type wireEnvelope struct {
	Version   uint8           `json:"version"`
	From      string          `json:"from"`
	Timestamp uint64          `json:"timestamp"`
	Payload   ClusterMessage  `json:"payload"`
	HMAC      []byte          `json:"hmac,omitempty"`
}

// Serialize encodes payload into envelope bytes ready for Frame. When
// secret is non-empty, an HMAC-SHA256 digest over the canonical
// encoding is attached.
func Serialize(payload ClusterMessage, from string, timestamp uint64, secret []byte) ([]byte, error) {
	env := wireEnvelope{
		Version:   ProtocolVersion,
		From:      from,
		Timestamp: timestamp,
		Payload:   payload,
	}
	if len(secret) > 0 {
		mac, err := computeHMAC(secret, env.Version, env.From, env.Timestamp, env.Payload)
		if err != nil {
			return nil, errs.NewSerializationError(errs.PhaseSerialize, err)
		}
		env.HMAC = mac
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errs.NewSerializationError(errs.PhaseSerialize, err)
	}
	return out, nil
}

// Deserialize parses envelope bytes produced by Serialize. When secret
// is non-empty, a missing or mismatched HMAC is rejected. An unknown
// protocol version is always rejected.
func Deserialize(data []byte, secret []byte) (Envelope, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errs.NewSerializationError(errs.PhaseDeserialize, err)
	}

	versionOk, err := SupportedVersions.Check(versionAsVersion(env.Version))
	if err != nil || !versionOk {
		return Envelope{}, errs.NewSerializationError(errs.PhaseDeserialize, fmt.Errorf("unsupported protocol version %d", env.Version))
	}

	if len(secret) > 0 {
		expected, err := computeHMAC(secret, env.Version, env.From, env.Timestamp, env.Payload)
		if err != nil {
			return Envelope{}, errs.NewSerializationError(errs.PhaseDeserialize, err)
		}
		if len(env.HMAC) == 0 || subtle.ConstantTimeCompare(expected, env.HMAC) != 1 {
			return Envelope{}, errs.NewSerializationError(errs.PhaseDeserialize, fmt.Errorf("hmac mismatch or missing"))
		}
	}

	return Envelope{
		Version:   env.Version,
		From:      env.From,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
		HMAC:      env.HMAC,
	}, nil
}

func versionAsVersion(v uint8) *goversion.Version {
	parsed, err := goversion.NewVersion(fmt.Sprintf("%d", v))
	if err != nil {
		// Unreachable for any uint8 value, but NewVersion's signature
		// forces the error check.
		return goversion.Must(goversion.NewVersion("0"))
	}
	return parsed
}

// computeHMAC builds a deterministic canonical byte sequence from the
// envelope's non-HMAC fields and returns its HMAC-SHA256 digest. Field
// order and numeric encoding are fixed so sender and receiver always
// compute identical digests; payload canonicalization relies on
// encoding/json always emitting struct fields in declaration order and
// map keys in sorted order.
func computeHMAC(secret []byte, version uint8, from string, timestamp uint64, payload ClusterMessage) ([]byte, error) {
	canonicalPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 1+4+len(from)+8+len(canonicalPayload))
	buf = append(buf, version)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(from)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, from...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], timestamp)
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, canonicalPayload...)

	mac := hmac.New(sha256.New, secret)
	mac.Write(buf)
	return mac.Sum(nil), nil
}
