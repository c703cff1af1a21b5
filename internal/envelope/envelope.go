// Package envelope implements payload sealing for the wire protocol:
// optional compression followed by NIP-44 encryption under a conversation
// key derived from an (ephemeral, expert) key pair. Neither side ever
// transmits the key itself.
package envelope

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/askmesh/askmesh/internal/errs"
)

const (
	// NIP-44 refuses plaintexts above 64 KiB, so compression runs first
	// and the sealed size is checked after it.
	maxPlaintext = 65535

	// Cap on the decompressed size of an inbound payload.
	maxDecompressed = 10 << 20
)

// Compression names the payload encoding applied before encryption.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

// ParseCompression maps a wire tag value to a Compression. An empty value
// means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip:
		return CompressionGzip, nil
	default:
		return "", errs.New(errs.UnknownCompression, "compression %q", s)
	}
}

// Keypair is a secp256k1 key pair in the hex form nostr uses.
type Keypair struct {
	Priv string
	Pub  string
}

// GenerateKeypair makes a fresh ephemeral key pair.
func GenerateKeypair() (Keypair, error) {
	priv := nostr.GeneratePrivateKey()
	return KeypairFrom(priv)
}

// KeypairFrom derives the public half of a known private key.
func KeypairFrom(priv string) (Keypair, error) {
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		return Keypair{}, errs.Wrap(errs.InvalidArgument, err, "derive public key")
	}
	return Keypair{Priv: priv, Pub: pub}, nil
}

// ConversationKey derives the symmetric payload key shared between the
// holder of priv and the holder of the key behind pub. Both ends derive
// the same bytes locally.
func ConversationKey(pub, priv string) ([]byte, error) {
	key, err := nip44.GenerateConversationKey(pub, priv)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "conversation key for %s", pub)
	}
	return key[:], nil
}

// Seal compresses payload per compr and encrypts it under key. Payloads
// that still exceed the NIP-44 ceiling after compression are rejected.
func Seal(payload []byte, compr Compression, key []byte) (string, error) {
	data := payload
	if compr == CompressionGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return "", errs.Wrap(errs.InvalidArgument, err, "compress payload")
		}
		if err := zw.Close(); err != nil {
			return "", errs.Wrap(errs.InvalidArgument, err, "compress payload")
		}
		data = buf.Bytes()
	}
	if len(data) > maxPlaintext {
		return "", errs.New(errs.InvalidArgument, "payload is %d bytes after %s, limit %d", len(data), compr, maxPlaintext)
	}
	ct, err := nip44.Encrypt(string(data), [32]byte(key))
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, err, "encrypt payload")
	}
	return ct, nil
}

// Open decrypts ciphertext under key and undoes the compression. Inflated
// payloads are capped at 10 MiB.
func Open(ciphertext string, compr Compression, key []byte) ([]byte, error) {
	pt, err := nip44.Decrypt(ciphertext, [32]byte(key))
	if err != nil {
		return nil, errs.Wrap(errs.DecryptFailure, err, "decrypt payload")
	}
	data := []byte(pt)
	if compr == CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errs.Wrap(errs.DecryptFailure, err, "decompress payload")
		}
		inflated, err := io.ReadAll(io.LimitReader(zr, maxDecompressed+1))
		if err != nil {
			return nil, errs.Wrap(errs.DecryptFailure, err, "decompress payload")
		}
		if err := zr.Close(); err != nil {
			return nil, errs.Wrap(errs.DecryptFailure, err, "decompress payload")
		}
		if len(inflated) > maxDecompressed {
			return nil, errs.New(errs.InvalidArgument, "decompressed payload exceeds %d bytes", maxDecompressed)
		}
		data = inflated
	}
	return data, nil
}

// SignEvent signs ev in place with priv, filling ID, PubKey and Sig.
func SignEvent(ev *nostr.Event, priv string) error {
	if err := ev.Sign(priv); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "sign kind %d", ev.Kind)
	}
	return nil
}

// ValidateEvent checks the id and signature of an inbound event.
func ValidateEvent(ev *nostr.Event) error {
	ok, err := ev.CheckSignature()
	if err != nil {
		return errs.Wrap(errs.InvalidSignature, err, "event %s", ev.ID)
	}
	if !ok {
		return errs.New(errs.InvalidSignature, "event %s", ev.ID)
	}
	return nil
}
