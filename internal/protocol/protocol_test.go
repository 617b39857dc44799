package protocol_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/blukai/craftparty/internal/protocol"
	"github.com/matryer/is"
)

func chunkBlocks() [protocol.ChunkVolume]uint32 {
	var blocks [protocol.ChunkVolume]uint32
	for i := range blocks {
		blocks[i] = uint32(i % 7)
	}
	return blocks
}

func allMessages() []protocol.Message {
	return []protocol.Message{
		&protocol.Ping{Code: 42},
		&protocol.Pong{Code: math.MaxUint64},
		&protocol.AuthenticateRequest{Username: "wanderer"},
		&protocol.PlayerMove{X: 1.5, Y: -64.25, Z: math.MaxFloat32},
		&protocol.PlayerRotate{X: 0.1, Y: 0.2, Z: 0.3, W: 0.9},
		&protocol.EntityMoved{Entity: 7, X: -1, Y: 2, Z: -3},
		&protocol.EntityRotated{Entity: 7, X: 0, Y: 1, Z: 0, W: 0},
		&protocol.SpawnEntity{Entity: 1, X: 0, Y: 64, Z: 0},
		&protocol.PlayerJoin{ID: 3, Username: "жучок"},
		&protocol.PlayerLeave{ID: 3},
		&protocol.BlockUpdate{X: -1024, Y: 255, Z: math.MinInt32, Block: 9},
		&protocol.ChunkUpdate{X: -2, Y: 0, Z: 3, Blocks: chunkBlocks()},
		&protocol.ChatSent{Message: "hello world"},
		&protocol.Disconnect{},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, original := range allMessages() {
		t.Run(original.Kind().String(), func(t *testing.T) {
			is := is.New(t)

			decoded, err := protocol.Decode(protocol.Encode(original))
			is.NoErr(err)
			is.Equal(original, decoded)
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	is := is.New(t)

	for _, msg := range allMessages() {
		is.True(bytes.Equal(protocol.Encode(msg), protocol.Encode(msg)))
	}
}

func TestFloatsSurviveBitForBit(t *testing.T) {
	is := is.New(t)

	original := &protocol.PlayerMove{
		X: math.Float32frombits(0x7fc00001), // a quiet nan with payload
		Y: float32(math.Copysign(0, -1)),
		Z: math.SmallestNonzeroFloat32,
	}

	decoded, err := protocol.Decode(protocol.Encode(original))
	is.NoErr(err)

	moved, ok := decoded.(*protocol.PlayerMove)
	is.True(ok)
	is.Equal(math.Float32bits(original.X), math.Float32bits(moved.X))
	is.Equal(math.Float32bits(original.Y), math.Float32bits(moved.Y))
	is.Equal(math.Float32bits(original.Z), math.Float32bits(moved.Z))
}

func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated kind tag", []byte{0x00}},
		{"kind zero", []byte{0x00, 0x00}},
		{"kind out of range", []byte{0xff, 0xff, 0x00}},
		{"truncated body", protocol.Encode(&protocol.Ping{Code: 1})[:6]},
		{"trailing bytes", append(protocol.Encode(&protocol.PlayerLeave{ID: 1}), 0xaa)},
		{"string overruns payload", func() []byte {
			data := protocol.Encode(&protocol.ChatSent{Message: "hi"})
			// bump the declared string size past the payload end
			data[protocol.KindSize+1] = 0xff
			return data
		}()},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			_, err := protocol.Decode(tc.data)
			is.True(err != nil)
			is.True(errors.Is(err, protocol.ErrMalformedPayload))
		})
	}
}

func TestSchemaCoversEveryKind(t *testing.T) {
	is := is.New(t)

	seen := map[protocol.Kind]bool{}
	for _, msg := range allMessages() {
		is.True(!seen[msg.Kind()]) // schema table must cover each kind once
		seen[msg.Kind()] = true
	}
	is.Equal(len(seen), 14)
}
