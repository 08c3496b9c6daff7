// Package rs485 implements a secure, framed, datagram-style link layer for
// half-duplex multi-drop serial buses of the RS-485 family.
//
// It provides authenticated, confidentiality-protected, addressable
// messages between a single bus master and a set of slave nodes, with an
// optional acknowledgement sublayer and in-band session-key rotation.
//
// # Wire format
//
// Each message travels as one self-delimiting frame:
//
//	FRAME   := START  STUFFED(LOGICAL)  END
//	LOGICAL := HEADER IV CIPHERTEXT [CRC] TAG
//	HEADER  := u8 source | u8 target | u8 msg_type | u16 key_id (BE)
//
// The payload is AES-128-CBC ciphertext of the PKCS#7-padded application
// bytes under the active session key; the 32-byte tag is an HMAC-SHA-256
// keyed with the 32-byte pre-shared master key over every byte preceding
// it. Reserved bytes inside the logical packet are escaped with
// EscapeByte and EscapeMask so the delimiters stay unique; no length field
// is trusted for framing.
//
// # Keys
//
// Integrity is tied to the long-lived master key; confidentiality uses
// session keys from a fixed-size pool indexed by the header's key id.
// Slot 0 is derived at boot as SHA-256(master)[:16], so all nodes share an
// initial session key with no on-wire exchange. The rotation package
// rotates session keys on time and message-count policies.
//
// # Concurrency
//
// The stack is single-threaded cooperative. One task owns it and calls
// ProcessIncoming, SendMessage and the key operations sequentially; hosts
// with more than one thread must wrap the stack in a single owning actor.
package rs485
