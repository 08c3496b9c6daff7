package rs485

import (
	"encoding/binary"
	"fmt"

	"github.com/edgelink/securebus/crypt"
)

// Message type tokens. Single characters keep the header small.
const (
	// MsgTypeData is a generic application data message.
	MsgTypeData byte = 'D'

	// MsgTypeAck acknowledges a received message; its payload is "ACK".
	MsgTypeAck byte = 'A'

	// MsgTypeNack rejects a received message; its payload is "NACK:<reason>".
	MsgTypeNack byte = 'N'

	// MsgTypeHeartbeat is the master's periodic heartbeat.
	MsgTypeHeartbeat byte = 'H'

	// MsgTypeBaudRate carries a new baud rate as an ASCII integer.
	MsgTypeBaudRate byte = 'B'

	// MsgTypeKeyUpdate installs a session key; payload is key_id (BE) plus
	// the 16-byte key.
	MsgTypeKeyUpdate byte = 'K'
)

// BroadcastAddress targets every node on the bus. Broadcast packets are
// never acknowledged.
const BroadcastAddress byte = 0xFF

const (
	// headerSize is the fixed packet header: source, target, msg type and
	// the 16-bit key id. The IV follows the header on the wire.
	headerSize = 5

	// MaxRawPayload is the maximum application payload accepted by
	// SendMessage, before padding and encryption.
	MaxRawPayload = 200

	// maxCiphertextSize is the ciphertext for a padded maximum payload.
	maxCiphertextSize = MaxRawPayload + crypt.BlockSize - MaxRawPayload%crypt.BlockSize

	// minPacketSize is the smallest valid logical packet: header, IV, one
	// ciphertext block and the tag.
	minPacketSize = headerSize + crypt.IVSize + crypt.BlockSize + crypt.TagSize

	// maxPacketSize bounds the logical packet and sizes the receive buffer:
	// header, IV, maximum ciphertext, optional CRC and the tag.
	maxPacketSize = headerSize + crypt.IVSize + maxCiphertextSize + crcSize + crypt.TagSize
)

// Header is the fixed-size logical packet header. Multi-byte fields are
// big-endian on the wire.
type Header struct {
	Source  byte
	Target  byte
	MsgType byte
	KeyID   uint16
}

// putHeader writes h into the first headerSize bytes of buf.
func putHeader(buf []byte, h Header) {
	buf[0] = h.Source
	buf[1] = h.Target
	buf[2] = h.MsgType
	binary.BigEndian.PutUint16(buf[3:5], h.KeyID)
}

// parseHeader reads the fixed header from the front of a logical packet.
// The caller has already checked the packet length.
func parseHeader(pkt []byte) Header {
	return Header{
		Source:  pkt[0],
		Target:  pkt[1],
		MsgType: pkt[2],
		KeyID:   binary.BigEndian.Uint16(pkt[3:5]),
	}
}

// buildPacket assembles a complete logical packet: header, IV, ciphertext,
// optional CRC and the authentication tag.
//
// The tag is an HMAC-SHA-256 keyed with the master key over every byte that
// precedes it, so the header, IV, ciphertext and CRC are all authenticated.
// Confidentiality uses the rotating session key; integrity is tied to the
// long-lived master key.
func buildPacket(masterKey []byte, h Header, sessionKey, payload []byte, withCRC bool) ([]byte, error) {
	if len(payload) > MaxRawPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxRawPayload)
	}

	iv, err := crypt.RandomIV()
	if err != nil {
		return nil, err
	}

	ciphertext, err := crypt.Encrypt(sessionKey, iv, payload)
	if err != nil {
		return nil, err
	}

	pkt := make([]byte, headerSize+crypt.IVSize, headerSize+crypt.IVSize+len(ciphertext)+crcSize+crypt.TagSize)
	putHeader(pkt, h)
	copy(pkt[headerSize:], iv)
	pkt = append(pkt, ciphertext...)

	if withCRC {
		pkt = appendChecksum16(pkt)
	}

	return append(pkt, crypt.Sum(masterKey, pkt)...), nil
}

// packetParts is the split view of a MAC-verified logical packet.
type packetParts struct {
	header     Header
	iv         []byte
	ciphertext []byte
}

// verifyAndSplit performs the unauthenticated-input half of the receive
// contract: length check, CRC early-reject (auto-detected by length
// residue), and MAC verification. It never decrypts.
//
// The returned slices alias pkt and are only valid while pkt is.
func verifyAndSplit(masterKey, pkt []byte) (packetParts, error) {
	if len(pkt) < minPacketSize {
		return packetParts{}, fmt.Errorf("%w: %d < %d", ErrPacketTooShort, len(pkt), minPacketSize)
	}

	// The ciphertext is a multiple of the block size, so the length residue
	// reveals whether the optional CRC is present.
	residue := (len(pkt) - headerSize - crypt.IVSize - crypt.TagSize) % crypt.BlockSize

	var hasCRC bool
	switch residue {
	case 0:
	case crcSize:
		hasCRC = true
		if len(pkt) < minPacketSize+crcSize {
			return packetParts{}, fmt.Errorf("%w: %d < %d", ErrPacketTooShort, len(pkt), minPacketSize+crcSize)
		}
	default:
		return packetParts{}, fmt.Errorf("%w: residue %d", ErrCiphertextLength, residue)
	}

	body := pkt[:len(pkt)-crypt.TagSize]
	tag := pkt[len(pkt)-crypt.TagSize:]

	// CRC first: a cheap gate that rejects line corruption without paying
	// for the HMAC. It carries no authority; the MAC decides.
	if hasCRC && !verifyChecksum16(body) {
		return packetParts{}, ErrChecksumMismatch
	}

	if !crypt.Verify(masterKey, body, tag) {
		return packetParts{}, ErrMacMismatch
	}

	ciphertext := body[headerSize+crypt.IVSize:]
	if hasCRC {
		ciphertext = ciphertext[:len(ciphertext)-crcSize]
	}

	return packetParts{
		header:     parseHeader(pkt),
		iv:         pkt[headerSize : headerSize+crypt.IVSize],
		ciphertext: ciphertext,
	}, nil
}

// --- Control payloads ---

// keyUpdatePayloadSize is the K-message payload: key_id (2, BE) plus key (16).
const keyUpdatePayloadSize = 2 + crypt.SessionKeySize

// BuildKeyUpdatePayload encodes the payload of a K message.
func BuildKeyUpdatePayload(id uint16, key []byte) ([]byte, error) {
	if len(key) != crypt.SessionKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", crypt.ErrBadKeySize, len(key), crypt.SessionKeySize)
	}

	payload := make([]byte, keyUpdatePayloadSize)
	binary.BigEndian.PutUint16(payload[0:2], id)
	copy(payload[2:], key)

	return payload, nil
}

// ParseKeyUpdatePayload decodes the payload of a K message.
func ParseKeyUpdatePayload(payload []byte) (uint16, []byte, error) {
	if len(payload) != keyUpdatePayloadSize {
		return 0, nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedControl, len(payload), keyUpdatePayloadSize)
	}

	id := binary.BigEndian.Uint16(payload[0:2])
	key := make([]byte, crypt.SessionKeySize)
	copy(key, payload[2:])

	return id, key, nil
}

// ackPayload is the payload of a positive acknowledgement.
var ackPayload = []byte("ACK")

// nackPrefix introduces the reason string of a negative acknowledgement.
const nackPrefix = "NACK:"

// buildNackPayload encodes a NACK with the given reason.
func buildNackPayload(reason string) []byte {
	return []byte(nackPrefix + reason)
}

// parseNackReason extracts the reason from a NACK payload. An N packet whose
// payload lacks the prefix yields its whole payload as the reason.
func parseNackReason(payload []byte) string {
	s := string(payload)
	if len(s) >= len(nackPrefix) && s[:len(nackPrefix)] == nackPrefix {
		return s[len(nackPrefix):]
	}

	return s
}
