// Package protocol encodes and decodes Minecraft Classic protocol version 7
// packets. All integers are big endian and all strings are 64 byte, space
// padded CP437.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/siohaza/blocksmith/internal/block"
)

const (
	Version   = 7
	StringLen = 64
	ChunkSize = 1024

	// SelfID addresses the receiving client in spawn and teleport packets.
	SelfID = 255
)

type PacketType uint8

const (
	PacketTypeIdentification PacketType = 0x00
	PacketTypePing           PacketType = 0x01
	PacketTypeLevelInit      PacketType = 0x02
	PacketTypeLevelChunk     PacketType = 0x03
	PacketTypeLevelFinalize  PacketType = 0x04
	PacketTypeSetBlockClient PacketType = 0x05
	PacketTypeSetBlock       PacketType = 0x06
	PacketTypeSpawnPlayer    PacketType = 0x07
	PacketTypeTeleport       PacketType = 0x08
	PacketTypeDespawnPlayer  PacketType = 0x0c
	PacketTypeMessage        PacketType = 0x0d
	PacketTypeDisconnect     PacketType = 0x0e
	PacketTypeUserType       PacketType = 0x0f
)

type UserType uint8

const (
	UserTypeNormal   UserType = 0x00
	UserTypeOperator UserType = 0x64
)

type BlockMode uint8

const (
	BlockModeDelete BlockMode = 0
	BlockModeBuild  BlockMode = 1
)

// clientPacketSizes holds the full length, opcode included, of every packet a
// client may send.
var clientPacketSizes = map[PacketType]int{
	PacketTypeIdentification: 131,
	PacketTypeSetBlockClient: 9,
	PacketTypeTeleport:       10,
	PacketTypeMessage:        66,
}

// ClientPacketSize reports the length of a client packet, or false when the
// opcode is not one a client sends.
func ClientPacketSize(t PacketType) (int, bool) {
	n, ok := clientPacketSizes[t]
	return n, ok
}

func EncodeString(s string) [StringLen]byte {
	var out [StringLen]byte
	for i := range out {
		out[i] = ' '
	}
	enc := encoding.ReplaceUnsupported(charmap.CodePage437.NewEncoder())
	b, err := enc.Bytes([]byte(s))
	if err != nil {
		b = []byte(s)
	}
	copy(out[:], b)
	return out
}

func DecodeString(b []byte) string {
	trimmed := bytes.TrimRight(b, " \x00")
	decoded, err := charmap.CodePage437.NewDecoder().Bytes(trimmed)
	if err != nil {
		return string(trimmed)
	}
	return string(decoded)
}

// Position is a player location in 1/32 block units with the classic axis
// order: Y is height on the wire, H in block.Coord.
type Position struct {
	X, Y, H    int16
	Yaw, Pitch uint8
}

func (p Position) putWire(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:], uint16(p.X))
	binary.BigEndian.PutUint16(buf[2:], uint16(p.H))
	binary.BigEndian.PutUint16(buf[4:], uint16(p.Y))
	buf[6] = p.Yaw
	buf[7] = p.Pitch
}

func readPosition(buf []byte) Position {
	return Position{
		X:     int16(binary.BigEndian.Uint16(buf[0:])),
		H:     int16(binary.BigEndian.Uint16(buf[2:])),
		Y:     int16(binary.BigEndian.Uint16(buf[4:])),
		Yaw:   buf[6],
		Pitch: buf[7],
	}
}

func putCoord(buf []byte, c block.Coord) {
	binary.BigEndian.PutUint16(buf[0:], uint16(int16(c.X)))
	binary.BigEndian.PutUint16(buf[2:], uint16(int16(c.H)))
	binary.BigEndian.PutUint16(buf[4:], uint16(int16(c.Y)))
}

func readCoord(buf []byte) block.Coord {
	return block.Coord{
		X: int(int16(binary.BigEndian.Uint16(buf[0:]))),
		H: int(int16(binary.BigEndian.Uint16(buf[2:]))),
		Y: int(int16(binary.BigEndian.Uint16(buf[4:]))),
	}
}

type PacketIdentification struct {
	Version  uint8
	Name     string
	Key      string
	UserType UserType
}

// Read parses the client's identification, where Key is the verification key
// and the last byte is unused.
func (p *PacketIdentification) Read(data []byte) error {
	if len(data) < 131 {
		return fmt.Errorf("identification packet too small")
	}
	p.Version = data[1]
	p.Name = DecodeString(data[2:66])
	p.Key = DecodeString(data[66:130])
	p.UserType = UserType(data[130])
	return nil
}

// Write encodes the server's identification, where Name is the server name and
// Key is the MOTD.
func (p *PacketIdentification) Write(w io.Writer) error {
	buf := make([]byte, 131)
	buf[0] = byte(PacketTypeIdentification)
	buf[1] = p.Version
	name := EncodeString(p.Name)
	motd := EncodeString(p.Key)
	copy(buf[2:66], name[:])
	copy(buf[66:130], motd[:])
	buf[130] = byte(p.UserType)
	_, err := w.Write(buf)
	return err
}

type PacketSetBlockClient struct {
	Coord block.Coord
	Mode  BlockMode
	Type  block.Type
}

func (p *PacketSetBlockClient) Read(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("set block packet too small")
	}
	p.Coord = readCoord(data[1:7])
	p.Mode = BlockMode(data[7])
	p.Type = block.Type(data[8])
	return nil
}

func (p *PacketSetBlockClient) Write(w io.Writer) error {
	buf := make([]byte, 9)
	buf[0] = byte(PacketTypeSetBlockClient)
	putCoord(buf[1:7], p.Coord)
	buf[7] = byte(p.Mode)
	buf[8] = byte(p.Type)
	_, err := w.Write(buf)
	return err
}

type PacketSetBlock struct {
	Coord block.Coord
	Type  block.Type
}

func (p *PacketSetBlock) Write(w io.Writer) error {
	buf := make([]byte, 8)
	buf[0] = byte(PacketTypeSetBlock)
	putCoord(buf[1:7], p.Coord)
	buf[7] = byte(p.Type)
	_, err := w.Write(buf)
	return err
}

type PacketTeleport struct {
	PlayerID uint8
	Position Position
}

func (p *PacketTeleport) Read(data []byte) error {
	if len(data) < 10 {
		return fmt.Errorf("teleport packet too small")
	}
	p.PlayerID = data[1]
	p.Position = readPosition(data[2:10])
	return nil
}

func (p *PacketTeleport) Write(w io.Writer) error {
	buf := make([]byte, 10)
	buf[0] = byte(PacketTypeTeleport)
	buf[1] = p.PlayerID
	p.Position.putWire(buf[2:10])
	_, err := w.Write(buf)
	return err
}

type PacketSpawnPlayer struct {
	PlayerID uint8
	Name     string
	Position Position
}

func (p *PacketSpawnPlayer) Write(w io.Writer) error {
	buf := make([]byte, 74)
	buf[0] = byte(PacketTypeSpawnPlayer)
	buf[1] = p.PlayerID
	name := EncodeString(p.Name)
	copy(buf[2:66], name[:])
	p.Position.putWire(buf[66:74])
	_, err := w.Write(buf)
	return err
}

type PacketDespawnPlayer struct {
	PlayerID uint8
}

func (p *PacketDespawnPlayer) Write(w io.Writer) error {
	_, err := w.Write([]byte{byte(PacketTypeDespawnPlayer), p.PlayerID})
	return err
}

type PacketMessage struct {
	PlayerID uint8
	Message  string
}

func (p *PacketMessage) Read(data []byte) error {
	if len(data) < 66 {
		return fmt.Errorf("message packet too small")
	}
	p.PlayerID = data[1]
	p.Message = DecodeString(data[2:66])
	return nil
}

func (p *PacketMessage) Write(w io.Writer) error {
	buf := make([]byte, 66)
	buf[0] = byte(PacketTypeMessage)
	buf[1] = p.PlayerID
	msg := EncodeString(p.Message)
	copy(buf[2:66], msg[:])
	_, err := w.Write(buf)
	return err
}

type PacketDisconnect struct {
	Reason string
}

func (p *PacketDisconnect) Write(w io.Writer) error {
	buf := make([]byte, 65)
	buf[0] = byte(PacketTypeDisconnect)
	reason := EncodeString(p.Reason)
	copy(buf[1:65], reason[:])
	_, err := w.Write(buf)
	return err
}

type PacketUserType struct {
	UserType UserType
}

func (p *PacketUserType) Write(w io.Writer) error {
	_, err := w.Write([]byte{byte(PacketTypeUserType), byte(p.UserType)})
	return err
}

type PacketLevelFinalize struct {
	Width, Length, Height int
}

func (p *PacketLevelFinalize) Write(w io.Writer) error {
	buf := make([]byte, 7)
	buf[0] = byte(PacketTypeLevelFinalize)
	binary.BigEndian.PutUint16(buf[1:], uint16(p.Width))
	binary.BigEndian.PutUint16(buf[3:], uint16(p.Height))
	binary.BigEndian.PutUint16(buf[5:], uint16(p.Length))
	_, err := w.Write(buf)
	return err
}

func WritePing(w io.Writer) error {
	_, err := w.Write([]byte{byte(PacketTypePing)})
	return err
}

func WriteLevelInit(w io.Writer) error {
	_, err := w.Write([]byte{byte(PacketTypeLevelInit)})
	return err
}

// WriteLevelChunks splits a compressed level into chunk packets, each carrying
// the percentage sent so far.
func WriteLevelChunks(w io.Writer, level []byte) error {
	buf := make([]byte, 1+2+ChunkSize+1)
	buf[0] = byte(PacketTypeLevelChunk)
	for off := 0; off < len(level); off += ChunkSize {
		end := min(off+ChunkSize, len(level))
		n := end - off

		clear(buf[3 : 3+ChunkSize])
		binary.BigEndian.PutUint16(buf[1:], uint16(n))
		copy(buf[3:], level[off:end])
		buf[3+ChunkSize] = byte(end * 100 / len(level))

		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write level chunk: %w", err)
		}
	}
	return nil
}

// Encode runs a packet's Write into a fresh buffer.
func Encode(p interface{ Write(io.Writer) error }) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadPacket reads one complete client packet from r.
func ReadPacket(r io.Reader) (PacketType, []byte, error) {
	var op [1]byte
	if _, err := io.ReadFull(r, op[:]); err != nil {
		return 0, nil, err
	}
	t := PacketType(op[0])
	size, ok := ClientPacketSize(t)
	if !ok {
		return t, nil, fmt.Errorf("unknown packet type 0x%02x", op[0])
	}
	data := make([]byte, size)
	data[0] = op[0]
	if _, err := io.ReadFull(r, data[1:]); err != nil {
		return t, nil, fmt.Errorf("failed to read packet 0x%02x: %w", op[0], err)
	}
	return t, data, nil
}
