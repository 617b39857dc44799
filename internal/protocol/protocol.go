package protocol

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"math"

	"github.com/blukai/craftparty/internal/byteorder"
	"github.com/blukai/craftparty/internal/debug"
	"github.com/blukai/craftparty/internal/ptr"
	"github.com/blukai/craftparty/internal/zigzag"
)

const (
	// KindSize is the byte size of the kind tag that prefixes every
	// encoded message.
	KindSize = 2

	ChunkSize   = 16
	ChunkVolume = ChunkSize * ChunkSize * ChunkSize
)

// ErrMalformedPayload is wrapped by every Decode failure: truncated bytes,
// a kind tag out of range, a string overrunning its payload, trailing
// garbage. A peer producing any of these is assumed to be gone.
var ErrMalformedPayload = errors.New("malformed payload")

// UserID identifies one accepted connection for the lifetime of the server
// process. IDs come from a monotonically increasing counter and are never
// reused, so a stale id in an in-flight event can not alias a newer
// connection.
type UserID uint64

// ServerUser is the implicit origin of everything a client receives.
const ServerUser UserID = 0

// EntityID identifies a networked entity in the world.
type EntityID uint64

type Kind uint16

const (
	_ Kind = iota
	KindPing
	KindPong
	KindAuthenticateRequest
	KindPlayerMove
	KindPlayerRotate
	KindEntityMoved
	KindEntityRotated
	KindSpawnEntity
	KindPlayerJoin
	KindPlayerLeave
	KindBlockUpdate
	KindChunkUpdate
	KindChatSent
	KindDisconnect

	kindMax
)

var kindNames = [kindMax]string{
	KindPing:                "ping",
	KindPong:                "pong",
	KindAuthenticateRequest: "authenticate-request",
	KindPlayerMove:          "player-move",
	KindPlayerRotate:        "player-rotate",
	KindEntityMoved:         "entity-moved",
	KindEntityRotated:       "entity-rotated",
	KindSpawnEntity:         "spawn-entity",
	KindPlayerJoin:          "player-join",
	KindPlayerLeave:         "player-leave",
	KindBlockUpdate:         "block-update",
	KindChunkUpdate:         "chunk-update",
	KindChatSent:            "chat-sent",
	KindDisconnect:          "disconnect",
}

func (k Kind) String() string {
	if k > 0 && k < kindMax {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Message is the closed set of things that can cross the wire. The marker
// method seals the set to this package; consumers type switch over the
// concrete pointer types.
type Message interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler

	Kind() Kind

	isMessage()
}

// Envelope pairs an inbound message with its origin connection. Clients
// receive envelopes from ServerUser.
type Envelope struct {
	Msg  Message
	From UserID
}

// Encode prefixes the message body with its kind tag. It never fails for a
// well-formed message value (strings are capped at 64 KiB by the schema).
func Encode(msg Message) []byte {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htons(uint16(msg.Kind())))

	body, err := msg.MarshalBinary()
	debug.Assert(err == nil)
	buf.Write(body)

	return buf.Bytes()
}

// Decode is the inverse of Encode. Anything that does not correspond to
// exactly one valid message wraps ErrMalformedPayload.
func Decode(data []byte) (Message, error) {
	if len(data) < KindSize {
		return nil, fmt.Errorf("%w: truncated kind tag (got %d bytes)", ErrMalformedPayload, len(data))
	}

	kind := Kind(byteorder.Ntohs(data[0:KindSize]))

	msg := (Message)(nil)
	switch kind {
	case KindPing:
		msg = ptr.To(Ping{})
	case KindPong:
		msg = ptr.To(Pong{})
	case KindAuthenticateRequest:
		msg = ptr.To(AuthenticateRequest{})
	case KindPlayerMove:
		msg = ptr.To(PlayerMove{})
	case KindPlayerRotate:
		msg = ptr.To(PlayerRotate{})
	case KindEntityMoved:
		msg = ptr.To(EntityMoved{})
	case KindEntityRotated:
		msg = ptr.To(EntityRotated{})
	case KindSpawnEntity:
		msg = ptr.To(SpawnEntity{})
	case KindPlayerJoin:
		msg = ptr.To(PlayerJoin{})
	case KindPlayerLeave:
		msg = ptr.To(PlayerLeave{})
	case KindBlockUpdate:
		msg = ptr.To(BlockUpdate{})
	case KindChunkUpdate:
		msg = ptr.To(ChunkUpdate{})
	case KindChatSent:
		msg = ptr.To(ChatSent{})
	case KindDisconnect:
		msg = ptr.To(Disconnect{})
	default:
		return nil, fmt.Errorf("%w: kind %d out of range", ErrMalformedPayload, uint16(kind))
	}

	if err := msg.UnmarshalBinary(data[KindSize:]); err != nil {
		return nil, fmt.Errorf("could not unmarshal %s body: %w", kind, err)
	}

	return msg, nil
}

func checkBodySize(data []byte, want int) error {
	if len(data) != want {
		return fmt.Errorf("%w: body size (got %d; want %d)", ErrMalformedPayload, len(data), want)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	debug.Assert(len(s) <= math.MaxUint16)
	buf.Write(byteorder.Htons(uint16(len(s))))
	buf.WriteString(s)
}

// readString consumes a u16-prefixed string and returns the remainder of
// data after it.
func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string size", ErrMalformedPayload)
	}
	size := int(byteorder.Ntohs(data[0:2]))
	if len(data)-2 < size {
		return "", nil, fmt.Errorf("%w: truncated string (got %d; want %d)", ErrMalformedPayload, len(data)-2, size)
	}
	return string(data[2 : 2+size]), data[2+size:], nil
}

func checkNoTrailer(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, len(data))
	}
	return nil
}

// Ping carries a monotonically increasing code used purely as a sequence
// marker; the matching Pong echoes it back.
type Ping struct {
	Code uint64
}

var _ Message = (*Ping)(nil)

func (m *Ping) Kind() Kind { return KindPing }
func (m *Ping) isMessage() {}

func (m *Ping) MarshalBinary() ([]byte, error) {
	return byteorder.Htonll(m.Code), nil
}

func (m *Ping) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 8); err != nil {
		return err
	}
	m.Code = byteorder.Ntohll(data)
	return nil
}

type Pong struct {
	Code uint64
}

var _ Message = (*Pong)(nil)

func (m *Pong) Kind() Kind { return KindPong }
func (m *Pong) isMessage() {}

func (m *Pong) MarshalBinary() ([]byte, error) {
	return byteorder.Htonll(m.Code), nil
}

func (m *Pong) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 8); err != nil {
		return err
	}
	m.Code = byteorder.Ntohll(data)
	return nil
}

type AuthenticateRequest struct {
	Username string
}

var _ Message = (*AuthenticateRequest)(nil)

func (m *AuthenticateRequest) Kind() Kind { return KindAuthenticateRequest }
func (m *AuthenticateRequest) isMessage() {}

func (m *AuthenticateRequest) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	writeString(&buf, m.Username)
	return buf.Bytes(), nil
}

func (m *AuthenticateRequest) UnmarshalBinary(data []byte) error {
	username, rest, err := readString(data)
	if err != nil {
		return err
	}
	m.Username = username
	return checkNoTrailer(rest)
}

type PlayerMove struct {
	X float32
	Y float32
	Z float32
}

var _ Message = (*PlayerMove)(nil)

func (m *PlayerMove) Kind() Kind { return KindPlayerMove }
func (m *PlayerMove) isMessage() {}

func (m *PlayerMove) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonf(m.X))
	buf.Write(byteorder.Htonf(m.Y))
	buf.Write(byteorder.Htonf(m.Z))
	return buf.Bytes(), nil
}

func (m *PlayerMove) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 12); err != nil {
		return err
	}
	m.X = byteorder.Ntohf(data[0:4])
	m.Y = byteorder.Ntohf(data[4:8])
	m.Z = byteorder.Ntohf(data[8:12])
	return nil
}

type PlayerRotate struct {
	X float32
	Y float32
	Z float32
	W float32
}

var _ Message = (*PlayerRotate)(nil)

func (m *PlayerRotate) Kind() Kind { return KindPlayerRotate }
func (m *PlayerRotate) isMessage() {}

func (m *PlayerRotate) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonf(m.X))
	buf.Write(byteorder.Htonf(m.Y))
	buf.Write(byteorder.Htonf(m.Z))
	buf.Write(byteorder.Htonf(m.W))
	return buf.Bytes(), nil
}

func (m *PlayerRotate) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 16); err != nil {
		return err
	}
	m.X = byteorder.Ntohf(data[0:4])
	m.Y = byteorder.Ntohf(data[4:8])
	m.Z = byteorder.Ntohf(data[8:12])
	m.W = byteorder.Ntohf(data[12:16])
	return nil
}

type EntityMoved struct {
	Entity EntityID
	X      float32
	Y      float32
	Z      float32
}

var _ Message = (*EntityMoved)(nil)

func (m *EntityMoved) Kind() Kind { return KindEntityMoved }
func (m *EntityMoved) isMessage() {}

func (m *EntityMoved) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonll(uint64(m.Entity)))
	buf.Write(byteorder.Htonf(m.X))
	buf.Write(byteorder.Htonf(m.Y))
	buf.Write(byteorder.Htonf(m.Z))
	return buf.Bytes(), nil
}

func (m *EntityMoved) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 20); err != nil {
		return err
	}
	m.Entity = EntityID(byteorder.Ntohll(data[0:8]))
	m.X = byteorder.Ntohf(data[8:12])
	m.Y = byteorder.Ntohf(data[12:16])
	m.Z = byteorder.Ntohf(data[16:20])
	return nil
}

type EntityRotated struct {
	Entity EntityID
	X      float32
	Y      float32
	Z      float32
	W      float32
}

var _ Message = (*EntityRotated)(nil)

func (m *EntityRotated) Kind() Kind { return KindEntityRotated }
func (m *EntityRotated) isMessage() {}

func (m *EntityRotated) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonll(uint64(m.Entity)))
	buf.Write(byteorder.Htonf(m.X))
	buf.Write(byteorder.Htonf(m.Y))
	buf.Write(byteorder.Htonf(m.Z))
	buf.Write(byteorder.Htonf(m.W))
	return buf.Bytes(), nil
}

func (m *EntityRotated) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 24); err != nil {
		return err
	}
	m.Entity = EntityID(byteorder.Ntohll(data[0:8]))
	m.X = byteorder.Ntohf(data[8:12])
	m.Y = byteorder.Ntohf(data[12:16])
	m.Z = byteorder.Ntohf(data[16:20])
	m.W = byteorder.Ntohf(data[20:24])
	return nil
}

type SpawnEntity struct {
	Entity EntityID
	X      float32
	Y      float32
	Z      float32
}

var _ Message = (*SpawnEntity)(nil)

func (m *SpawnEntity) Kind() Kind { return KindSpawnEntity }
func (m *SpawnEntity) isMessage() {}

func (m *SpawnEntity) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonll(uint64(m.Entity)))
	buf.Write(byteorder.Htonf(m.X))
	buf.Write(byteorder.Htonf(m.Y))
	buf.Write(byteorder.Htonf(m.Z))
	return buf.Bytes(), nil
}

func (m *SpawnEntity) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 20); err != nil {
		return err
	}
	m.Entity = EntityID(byteorder.Ntohll(data[0:8]))
	m.X = byteorder.Ntohf(data[8:12])
	m.Y = byteorder.Ntohf(data[12:16])
	m.Z = byteorder.Ntohf(data[16:20])
	return nil
}

type PlayerJoin struct {
	ID       UserID
	Username string
}

var _ Message = (*PlayerJoin)(nil)

func (m *PlayerJoin) Kind() Kind { return KindPlayerJoin }
func (m *PlayerJoin) isMessage() {}

func (m *PlayerJoin) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonll(uint64(m.ID)))
	writeString(&buf, m.Username)
	return buf.Bytes(), nil
}

func (m *PlayerJoin) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: truncated player id (got %d bytes)", ErrMalformedPayload, len(data))
	}
	m.ID = UserID(byteorder.Ntohll(data[0:8]))
	username, rest, err := readString(data[8:])
	if err != nil {
		return err
	}
	m.Username = username
	return checkNoTrailer(rest)
}

type PlayerLeave struct {
	ID UserID
}

var _ Message = (*PlayerLeave)(nil)

func (m *PlayerLeave) Kind() Kind { return KindPlayerLeave }
func (m *PlayerLeave) isMessage() {}

func (m *PlayerLeave) MarshalBinary() ([]byte, error) {
	return byteorder.Htonll(uint64(m.ID)), nil
}

func (m *PlayerLeave) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 8); err != nil {
		return err
	}
	m.ID = UserID(byteorder.Ntohll(data))
	return nil
}

type BlockUpdate struct {
	X     int32
	Y     int32
	Z     int32
	Block uint32
}

var _ Message = (*BlockUpdate)(nil)

func (m *BlockUpdate) Kind() Kind { return KindBlockUpdate }
func (m *BlockUpdate) isMessage() {}

func (m *BlockUpdate) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonl(zigzag.Encode32(m.X)))
	buf.Write(byteorder.Htonl(zigzag.Encode32(m.Y)))
	buf.Write(byteorder.Htonl(zigzag.Encode32(m.Z)))
	buf.Write(byteorder.Htonl(m.Block))
	return buf.Bytes(), nil
}

func (m *BlockUpdate) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 16); err != nil {
		return err
	}
	m.X = zigzag.Decode32(byteorder.Ntohl(data[0:4]))
	m.Y = zigzag.Decode32(byteorder.Ntohl(data[4:8]))
	m.Z = zigzag.Decode32(byteorder.Ntohl(data[8:12]))
	m.Block = byteorder.Ntohl(data[12:16])
	return nil
}

// ChunkUpdate replaces the full block contents of one 16x16x16 chunk. The
// fixed array keeps the encoding total: there is no variable shape to
// canonicalize.
type ChunkUpdate struct {
	X      int32
	Y      int32
	Z      int32
	Blocks [ChunkVolume]uint32
}

var _ Message = (*ChunkUpdate)(nil)

func (m *ChunkUpdate) Kind() Kind { return KindChunkUpdate }
func (m *ChunkUpdate) isMessage() {}

func (m *ChunkUpdate) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Grow(12 + ChunkVolume*4)
	buf.Write(byteorder.Htonl(zigzag.Encode32(m.X)))
	buf.Write(byteorder.Htonl(zigzag.Encode32(m.Y)))
	buf.Write(byteorder.Htonl(zigzag.Encode32(m.Z)))
	for i := range m.Blocks {
		buf.Write(byteorder.Htonl(m.Blocks[i]))
	}
	return buf.Bytes(), nil
}

func (m *ChunkUpdate) UnmarshalBinary(data []byte) error {
	if err := checkBodySize(data, 12+ChunkVolume*4); err != nil {
		return err
	}
	m.X = zigzag.Decode32(byteorder.Ntohl(data[0:4]))
	m.Y = zigzag.Decode32(byteorder.Ntohl(data[4:8]))
	m.Z = zigzag.Decode32(byteorder.Ntohl(data[8:12]))
	for i := range m.Blocks {
		off := 12 + i*4
		m.Blocks[i] = byteorder.Ntohl(data[off : off+4])
	}
	return nil
}

type ChatSent struct {
	Message string
}

var _ Message = (*ChatSent)(nil)

func (m *ChatSent) Kind() Kind { return KindChatSent }
func (m *ChatSent) isMessage() {}

func (m *ChatSent) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	writeString(&buf, m.Message)
	return buf.Bytes(), nil
}

func (m *ChatSent) UnmarshalBinary(data []byte) error {
	message, rest, err := readString(data)
	if err != nil {
		return err
	}
	m.Message = message
	return checkNoTrailer(rest)
}

// Disconnect is a courtesy notice that the peer is going away; the socket
// closing right after carries the same meaning.
type Disconnect struct{}

var _ Message = (*Disconnect)(nil)

func (m *Disconnect) Kind() Kind { return KindDisconnect }
func (m *Disconnect) isMessage() {}

func (m *Disconnect) MarshalBinary() ([]byte, error) {
	return nil, nil
}

func (m *Disconnect) UnmarshalBinary(data []byte) error {
	return checkBodySize(data, 0)
}
