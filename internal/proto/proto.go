// Package proto defines the wire protocol shared by all three listeners:
// the one-byte packet types, the fixed identifier sizes, and the
// type||length packet header codec.
//
// A packet on the wire is
//
//	uint8  type
//	uint32 length  (big-endian)
//	bytes  payload (length bytes)
//
// All identifiers are opaque byte strings; the server never interprets
// payloads beyond the recipient id slice at [8:16] of chat, file-message
// and call-signalling packets.
package proto

import (
	"encoding/binary"
	"fmt"
)

// Packet types.
const (
	THello uint8 = iota + 1
	TRegister
	TPubkey
	TSuccess
	TError
	TGoodbye
	TChatMsg
	TFileMsg
	TFriends
	TFriendOnline
	TFriendOffline
	TFriendUnknown
	TGetPubkey
	TStartCall
	TAcceptCall
	TStopCall
	TRejectCall
	TFileUpload
	TFileDownload
)

// Fixed field sizes in bytes.
const (
	UserIDSize = 8
	RegKeySize = 32
	CallIDSize = 16
	FileIDSize = 16
	NonceSize  = 32
	SigSize    = 64

	// HelloSize is the exact payload length of T_HELLO:
	// userId || nonce || signature.
	HelloSize = UserIDSize + NonceSize + SigSize

	// HeaderSize is the length of the packet header (type + length).
	HeaderSize = 5

	// MaxPayload caps a single packet payload. File bodies and audio
	// frames are streamed as raw bytes outside packet framing, so no
	// legitimate packet approaches this.
	MaxPayload = 1 << 24
)

// TypeName returns a short name for a packet type, for logs.
func TypeName(t uint8) string {
	switch t {
	case THello:
		return "hello"
	case TRegister:
		return "register"
	case TPubkey:
		return "pubkey"
	case TSuccess:
		return "success"
	case TError:
		return "error"
	case TGoodbye:
		return "goodbye"
	case TChatMsg:
		return "chat-msg"
	case TFileMsg:
		return "file-msg"
	case TFriends:
		return "friends"
	case TFriendOnline:
		return "friend-online"
	case TFriendOffline:
		return "friend-offline"
	case TFriendUnknown:
		return "friend-unknown"
	case TGetPubkey:
		return "get-pubkey"
	case TStartCall:
		return "start-call"
	case TAcceptCall:
		return "accept-call"
	case TStopCall:
		return "stop-call"
	case TRejectCall:
		return "reject-call"
	case TFileUpload:
		return "file-upload"
	case TFileDownload:
		return "file-download"
	}
	return fmt.Sprintf("unknown(%d)", t)
}

// IsCallSignal reports whether t is one of the call-setup types that the
// chat router forwards verbatim to the peer named at payload[8:16].
func IsCallSignal(t uint8) bool {
	switch t {
	case TStartCall, TAcceptCall, TStopCall, TRejectCall:
		return true
	}
	return false
}

// PackHeader encodes a packet header for a payload of length n.
func PackHeader(t uint8, n int) []byte {
	hdr := make([]byte, HeaderSize)
	hdr[0] = t
	binary.BigEndian.PutUint32(hdr[1:], uint32(n))
	return hdr
}

// ParseHeader decodes a packet header. It rejects payload lengths above
// MaxPayload so a corrupt or hostile header cannot trigger a huge read.
func ParseHeader(hdr []byte) (t uint8, n uint32, err error) {
	if len(hdr) < HeaderSize {
		return 0, 0, fmt.Errorf("short packet header: %d bytes", len(hdr))
	}
	t = hdr[0]
	n = binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPayload {
		return 0, 0, fmt.Errorf("packet payload %d exceeds limit", n)
	}
	return t, n, nil
}

// Recipient extracts the recipient UserId slice from a routed payload.
// By contract with clients the recipient id occupies bytes [8:16].
func Recipient(payload []byte) ([]byte, bool) {
	if len(payload) < 2*UserIDSize {
		return nil, false
	}
	return payload[UserIDSize : 2*UserIDSize], true
}
