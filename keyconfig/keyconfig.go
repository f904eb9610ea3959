// Package keyconfig turns backup credentials into the encryption context
// of a job: a master key read from a passphrase-protected key file, and
// the chunk encryption and digest keys derived from it.
package keyconfig

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/valvemist/pbsbridge/codec"
)

// KeySize is the size of the master key and every derived key.
const KeySize = 32

// BlobVersion prefixes every sealed blob and is authenticated with it.
const BlobVersion byte = 0x01

// Overhead is the number of bytes Seal adds to a plaintext.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// DefaultWorkFactor is the scrypt log2(N) used for new key files.
const DefaultWorkFactor = 18

var (
	hkdfInfoChunkEncryption = []byte("pbsbridge.chunk.enc.v1")
	hkdfInfoChunkID         = []byte("pbsbridge.chunk.id.v1")
	hkdfInfoFingerprint     = []byte("pbsbridge.key.fingerprint.v1")
)

var (
	ErrWrongPassword = errors.New("key file password is wrong")
	ErrKeyFileFormat = errors.New("key file is malformed")
)

// Credentials locate and unlock a key file.
type Credentials struct {
	KeyFile  string
	Password []byte
}

// KeySet is the encryption context of a job. It is safe for concurrent
// use; Close zeroes it.
type KeySet struct {
	encKey      [KeySize]byte
	idKey       [KeySize]byte
	fingerprint string
	created     time.Time
}

// Generate returns a key set with a fresh random master key.
func Generate() (*KeySet, error) {
	var master [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, master[:]); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	defer clear(master[:])
	return FromMasterKey(master[:], time.Now().UTC())
}

// FromMasterKey derives a key set from a 32-byte master key.
func FromMasterKey(master []byte, created time.Time) (*KeySet, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key is %d bytes, want %d", len(master), KeySize)
	}
	k := &KeySet{created: created}
	if err := deriveInto(k.encKey[:], master, hkdfInfoChunkEncryption); err != nil {
		return nil, err
	}
	if err := deriveInto(k.idKey[:], master, hkdfInfoChunkID); err != nil {
		return nil, err
	}
	var fp [KeySize]byte
	if err := deriveInto(fp[:], master, hkdfInfoFingerprint); err != nil {
		return nil, err
	}
	k.fingerprint = formatFingerprint(fp[:8])
	return k, nil
}

func deriveInto(dst, master, info []byte) error {
	reader := hkdf.New(sha256.New, master, nil, info)
	if _, err := io.ReadFull(reader, dst); err != nil {
		return fmt.Errorf("HKDF derivation (%s): %w", info, err)
	}
	return nil
}

func formatFingerprint(b []byte) string {
	parts := make([]string, len(b))
	for i := range b {
		parts[i] = hex.EncodeToString(b[i : i+1])
	}
	return strings.Join(parts, ":")
}

// DigestKey returns the key chunk digests are computed with, so digests
// of encrypted jobs reveal nothing about plaintext.
func (k *KeySet) DigestKey() []byte {
	key := k.idKey
	return key[:]
}

// Fingerprint identifies the master key without revealing it. It is
// recorded in backup manifests so restores can pick the right key.
func (k *KeySet) Fingerprint() string {
	return k.fingerprint
}

// Created returns when the master key was generated.
func (k *KeySet) Created() time.Time {
	return k.created
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under the chunk key:
//
//	[version 1][nonce 24][ciphertext+tag]
//
// aad is authenticated but not stored.
func (k *KeySet) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), Overhead+len(plaintext))
	out[0] = BlobVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, buildAAD(aad)), nil
}

// Open reverses Seal. It fails on a wrong key, tampered data, or an aad
// that differs from the one given to Seal.
func (k *KeySet) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("sealed blob is %d bytes, minimum is %d", len(sealed), Overhead)
	}
	if sealed[0] != BlobVersion {
		return nil, fmt.Errorf("sealed blob version %d is not supported", sealed[0])
	}
	aead, err := chacha20poly1305.NewX(k.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], buildAAD(aad))
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed: %w", err)
	}
	return plaintext, nil
}

func buildAAD(aad []byte) []byte {
	out := make([]byte, 1+len(aad))
	out[0] = BlobVersion
	copy(out[1:], aad)
	return out
}

// Close zeroes the key material.
func (k *KeySet) Close() {
	clear(k.encKey[:])
	clear(k.idKey[:])
}

// keyFile is the plaintext inside the age envelope.
type keyFile struct {
	Version int       `cbor:"1,keyasint"`
	Created time.Time `cbor:"2,keyasint"`
	Master  []byte    `cbor:"3,keyasint"`
}

// NewKeyFile generates a master key and writes it to w encrypted to
// password. workFactor is the scrypt log2(N); zero selects
// DefaultWorkFactor.
func NewKeyFile(w io.Writer, password []byte, workFactor int) (*KeySet, error) {
	var master [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, master[:]); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	defer clear(master[:])
	created := time.Now().UTC().Truncate(time.Second)

	payload, err := codec.Marshal(keyFile{Version: 1, Created: created, Master: master[:]})
	if err != nil {
		return nil, fmt.Errorf("encoding key file: %w", err)
	}
	defer clear(payload)

	recipient, err := age.NewScryptRecipient(string(password))
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if workFactor == 0 {
		workFactor = DefaultWorkFactor
	}
	recipient.SetWorkFactor(workFactor)

	writer, err := age.Encrypt(w, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return nil, fmt.Errorf("writing key to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return FromMasterKey(master[:], created)
}

// ReadKeyFile decrypts a key file written by NewKeyFile.
func ReadKeyFile(r io.Reader, password []byte) (*KeySet, error) {
	identity, err := age.NewScryptIdentity(string(password))
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(r, identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || errors.Is(err, age.ErrIncorrectIdentity) {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyFileFormat, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key file: %w", err)
	}
	defer clear(payload)

	var kf keyFile
	if err := codec.Unmarshal(payload, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileFormat, err)
	}
	defer clear(kf.Master)
	if kf.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrKeyFileFormat, kf.Version)
	}
	return FromMasterKey(kf.Master, kf.Created)
}

// Open returns the encryption context for creds, or nil when creds name
// no key file (an unencrypted job).
func Open(creds Credentials) (*KeySet, error) {
	if creds.KeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(creds.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return ReadKeyFile(bytes.NewReader(data), creds.Password)
}
