package esphome

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	preamblePlaintext = 0x00
	preambleNoise     = 0x01

	// noiseProtocol is the only protocol a device offers in its hello.
	noiseProtocol = 0x01

	maxPlaintextMessage = 1 << 20

	// handshakeMACFailure is the rejection a device sends for a wrong key.
	handshakeMACFailure = "Handshake MAC failure"
)

var (
	noisePrologue = []byte("NoiseAPIInit\x00\x00")
	noiseSuite    = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
)

// codec reads and writes framed API messages on one connection. Writes
// must be serialized by the caller.
type codec interface {
	writeMessage(typ uint16, data []byte) error
	readMessage() (uint16, []byte, error)
}

// plaintextCodec frames messages as 0x00, varint length, varint type, data.
type plaintextCodec struct {
	w io.Writer
	r *bufio.Reader
}

func newPlaintextCodec(rw io.ReadWriter) *plaintextCodec {
	return &plaintextCodec{w: rw, r: bufio.NewReader(rw)}
}

func (c *plaintextCodec) writeMessage(typ uint16, data []byte) error {
	buf := make([]byte, 0, len(data)+7)
	buf = append(buf, preamblePlaintext)
	buf = protowire.AppendVarint(buf, uint64(len(data)))
	buf = protowire.AppendVarint(buf, uint64(typ))
	buf = append(buf, data...)
	_, err := c.w.Write(buf)
	return err
}

func (c *plaintextCodec) readMessage() (uint16, []byte, error) {
	preamble, err := c.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	switch preamble {
	case preamblePlaintext:
	case preambleNoise:
		return 0, nil, ErrEncryptionRequired
	default:
		return 0, nil, fmt.Errorf("%w: unexpected preamble 0x%02x", ErrProtocol, preamble)
	}

	size, err := binary.ReadUvarint(c.r)
	if err != nil {
		return 0, nil, err
	}
	typ, err := binary.ReadUvarint(c.r)
	if err != nil {
		return 0, nil, err
	}
	if size > maxPlaintextMessage || typ > 0xffff {
		return 0, nil, fmt.Errorf("%w: message type %d of %d bytes", ErrProtocol, typ, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return 0, nil, err
	}
	return uint16(typ), data, nil
}

// noiseCodec frames messages as 0x01, 16 bit length, ciphertext. The
// plaintext is a 16 bit type, a 16 bit length and the data.
type noiseCodec struct {
	w   io.Writer
	r   *bufio.Reader
	enc *noise.CipherState
	dec *noise.CipherState
}

func (c *noiseCodec) writeFrame(payload []byte) error {
	if len(payload) > noise.MaxMsgLen {
		return fmt.Errorf("%w: frame of %d bytes", ErrProtocol, len(payload))
	}
	buf := make([]byte, 3, 3+len(payload))
	buf[0] = preambleNoise
	binary.BigEndian.PutUint16(buf[1:], uint16(len(payload)))
	buf = append(buf, payload...)
	_, err := c.w.Write(buf)
	return err
}

func (c *noiseCodec) readFrame() ([]byte, error) {
	var header [3]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	switch header[0] {
	case preambleNoise:
	case preamblePlaintext:
		return nil, ErrEncryptionNotEnabled
	default:
		return nil, fmt.Errorf("%w: unexpected preamble 0x%02x", ErrProtocol, header[0])
	}

	payload := make([]byte, binary.BigEndian.Uint16(header[1:]))
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *noiseCodec) writeMessage(typ uint16, data []byte) error {
	plain := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint16(plain, typ)
	binary.BigEndian.PutUint16(plain[2:], uint16(len(data)))
	plain = append(plain, data...)

	ciphertext, err := c.enc.Encrypt(nil, nil, plain)
	if err != nil {
		return err
	}
	return c.writeFrame(ciphertext)
}

func (c *noiseCodec) readMessage() (uint16, []byte, error) {
	frame, err := c.readFrame()
	if err != nil {
		return 0, nil, err
	}
	plain, err := c.dec.Decrypt(nil, nil, frame)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if len(plain) < 4 {
		return 0, nil, fmt.Errorf("%w: short message", ErrProtocol)
	}

	typ := binary.BigEndian.Uint16(plain)
	size := int(binary.BigEndian.Uint16(plain[2:]))
	if size > len(plain)-4 {
		return 0, nil, fmt.Errorf("%w: truncated message", ErrProtocol)
	}
	return typ, plain[4 : 4+size], nil
}

// noiseHandshake runs the Noise_NNpsk0 handshake as initiator and returns
// the codec and the name the device announced.
func noiseHandshake(rw io.ReadWriter, psk []byte) (*noiseCodec, string, error) {
	c := &noiseCodec{w: rw, r: bufio.NewReader(rw)}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           noiseSuite,
		Pattern:               noise.HandshakeNN,
		Initiator:             true,
		Prologue:              noisePrologue,
		PresharedKey:          psk,
		PresharedKeyPlacement: 0,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if err := c.writeFrame(nil); err != nil {
		return nil, "", err
	}
	if err := c.writeFrame(append([]byte{0x00}, msg...)); err != nil {
		return nil, "", err
	}

	hello, err := c.readFrame()
	if err != nil {
		return nil, "", err
	}
	if len(hello) == 0 || hello[0] != noiseProtocol {
		return nil, "", fmt.Errorf("%w: unsupported noise protocol", ErrHandshakeFailed)
	}
	name, _, _ := bytes.Cut(hello[1:], []byte{0})

	resp, err := c.readFrame()
	if err != nil {
		return nil, "", err
	}
	if len(resp) == 0 {
		return nil, "", fmt.Errorf("%w: empty handshake response", ErrHandshakeFailed)
	}
	if resp[0] != 0x00 {
		reason := string(resp[1:])
		if reason == handshakeMACFailure {
			return nil, "", ErrInvalidEncryptionKey
		}
		return nil, "", fmt.Errorf("%w: %s", ErrHandshakeFailed, reason)
	}

	_, enc, dec, err := hs.ReadMessage(nil, resp[1:])
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidEncryptionKey, err)
	}
	c.enc, c.dec = enc, dec

	return c, string(name), nil
}
