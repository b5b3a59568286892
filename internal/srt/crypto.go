package srt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/benburkert/openpgp/aes/keywrap"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrBadSecret means a wrapped key failed its integrity check: the two
	// sides use different passphrases.
	ErrBadSecret = errors.New("srt: key unwrap failed (bad secret)")
	// ErrNoKey is returned when a packet names a key parity that is not
	// installed.
	ErrNoKey = errors.New("srt: no key for flag")
	// ErrInvalidPassphrase is returned for passphrases outside 10..79 bytes.
	ErrInvalidPassphrase = errors.New("srt: passphrase must be 10 to 79 bytes")
	// ErrInvalidKeyLength is returned for key lengths other than 16, 24, 32.
	ErrInvalidKeyLength = errors.New("srt: key length must be 16, 24 or 32")
)

const (
	minPassphrase = 10
	maxPassphrase = 79

	kekIterations = 2048
	kekSaltLen    = 8
)

func validKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// ValidatePassphrase checks the passphrase length limits.
func ValidatePassphrase(p string) error {
	if len(p) < minPassphrase || len(p) > maxPassphrase {
		return ErrInvalidPassphrase
	}
	return nil
}

// DeriveKEK derives the key encrypting key from the passphrase with
// PBKDF2-HMAC-SHA1 over the last eight salt bytes.
func DeriveKEK(passphrase string, salt []byte, keyLen int) []byte {
	s := salt
	if len(s) > kekSaltLen {
		s = s[len(s)-kekSaltLen:]
	}
	return pbkdf2.Key([]byte(passphrase), s, kekIterations, keyLen, sha1.New)
}

// Wrap applies the RFC 3394 AES key wrap to plaintext (a multiple of 8
// bytes, at least 16).
func Wrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext) < 16 || len(plaintext)%8 != 0 {
		return nil, fmt.Errorf("srt: key wrap input of %d bytes", len(plaintext))
	}
	out, err := keywrap.Wrap(kek, plaintext)
	if err != nil {
		return nil, fmt.Errorf("srt: key wrap: %w", err)
	}
	return out, nil
}

// Unwrap reverses Wrap. An integrity check failure returns ErrBadSecret.
func Unwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, fmt.Errorf("srt: key unwrap input of %d bytes", len(wrapped))
	}
	if !validKeyLen(len(kek)) {
		return nil, fmt.Errorf("srt: key unwrap: %w", ErrInvalidKeyLength)
	}
	out, err := keywrap.Unwrap(kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSecret, err)
	}
	return out, nil
}

// Crypto holds the stream encrypting keys of one connection: an even and
// an odd slot, one of which is active for outgoing packets.
type Crypto struct {
	keyLen int
	salt   []byte
	kek    []byte

	mu     sync.RWMutex
	keys   [2]cipher.Block // [0] even, [1] odd
	raw    [2][]byte
	active KeyFlag
}

func slot(kk KeyFlag) (int, bool) {
	switch kk {
	case KeyEven:
		return 0, true
	case KeyOdd:
		return 1, true
	default:
		return 0, false
	}
}

// NewCrypto generates a salt and an even key for the sending side.
func NewCrypto(passphrase string, keyLen int) (*Crypto, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}
	if !validKeyLen(keyLen) {
		return nil, ErrInvalidKeyLength
	}
	salt := make([]byte, kmSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srt: generate salt: %w", err)
	}
	c := &Crypto{keyLen: keyLen, salt: salt, kek: DeriveKEK(passphrase, salt, keyLen)}
	if err := c.install(KeyEven, nil); err != nil {
		return nil, err
	}
	c.active = KeyEven
	return c, nil
}

// NewCryptoFromKM installs the keys carried by a KM message, as the
// receiving side of a KMREQ does. A wrong passphrase yields ErrBadSecret.
func NewCryptoFromKM(passphrase string, km *KeyMaterial) (*Crypto, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}
	if err := km.validate(); err != nil {
		return nil, err
	}
	c := &Crypto{
		keyLen: km.KeyLen,
		salt:   append([]byte(nil), km.Salt...),
		kek:    DeriveKEK(passphrase, km.Salt, km.KeyLen),
	}
	if err := c.Update(km); err != nil {
		return nil, err
	}
	return c, nil
}

// install sets a key slot; a nil key is generated.
func (c *Crypto) install(kk KeyFlag, key []byte) error {
	i, ok := slot(kk)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoKey, kk)
	}
	if key == nil {
		key = make([]byte, c.keyLen)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("srt: generate key: %w", err)
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("srt: install key: %w", err)
	}
	c.keys[i] = block
	c.raw[i] = key
	return nil
}

// Update replaces the keys announced by km, unwrapping them with this
// connection's KEK. The first announced key becomes active if none is.
func (c *Crypto) Update(km *KeyMaterial) error {
	if km.KeyLen != c.keyLen {
		return fmt.Errorf("srt: key length changed from %d to %d", c.keyLen, km.KeyLen)
	}
	keys, err := Unwrap(c.kek, km.WrappedKey)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var order []KeyFlag
	switch km.KeyFlags {
	case KeyBoth:
		order = []KeyFlag{KeyEven, KeyOdd}
	default:
		order = []KeyFlag{km.KeyFlags}
	}
	for i, kk := range order {
		if err := c.install(kk, keys[i*c.keyLen:(i+1)*c.keyLen]); err != nil {
			return err
		}
	}
	if c.active == KeyNone {
		c.active = order[0]
	}
	return nil
}

// KeyLen returns the key length in bytes.
func (c *Crypto) KeyLen() int { return c.keyLen }

// Active returns the parity used for outgoing packets.
func (c *Crypto) Active() KeyFlag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// KeyMaterial wraps every installed key into a KM message.
func (c *Crypto) KeyMaterial() (*KeyMaterial, error) {
	c.mu.RLock()
	var flags KeyFlag
	var plain []byte
	for i, kk := range []KeyFlag{KeyEven, KeyOdd} {
		if c.raw[i] != nil {
			flags |= kk
			plain = append(plain, c.raw[i]...)
		}
	}
	c.mu.RUnlock()
	if flags == KeyNone {
		return nil, ErrNoKey
	}
	wrapped, err := Wrap(c.kek, plain)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{
		Cipher:     CipherCTR,
		KeyFlags:   flags,
		SaltLen:    len(c.salt),
		KeyLen:     c.keyLen,
		Salt:       append([]byte(nil), c.salt...),
		WrappedKey: wrapped,
	}, nil
}

// RotateKey generates a fresh key in the inactive slot and returns its
// parity. The active key is unchanged until Activate.
func (c *Crypto) RotateKey() (KeyFlag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := KeyOdd
	if c.active == KeyOdd {
		next = KeyEven
	}
	if err := c.install(next, nil); err != nil {
		return KeyNone, err
	}
	return next, nil
}

// Activate switches outgoing packets to kk.
func (c *Crypto) Activate(kk KeyFlag) error {
	i, ok := slot(kk)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok || c.keys[i] == nil {
		return fmt.Errorf("%w %s", ErrNoKey, kk)
	}
	c.active = kk
	return nil
}

// Retire drops the key of parity kk. The active key cannot be retired.
func (c *Crypto) Retire(kk KeyFlag) {
	i, ok := slot(kk)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok || kk == c.active {
		return
	}
	c.keys[i] = nil
	c.raw[i] = nil
}

// HasKey reports whether the key of parity kk is installed.
func (c *Crypto) HasKey(kk KeyFlag) bool {
	i, ok := slot(kk)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ok && c.keys[i] != nil
}

// iv builds the AES-CTR counter block for a packet: the sequence number at
// bytes 10..13, XORed with the first 14 salt bytes.
func (c *Crypto) iv(seq uint32) [aes.BlockSize]byte {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint32(iv[10:14], seq&MaxSeq)
	for i := 0; i < 14 && i < len(c.salt); i++ {
		iv[i] ^= c.salt[i]
	}
	return iv
}

// Encrypt applies AES-CTR to payload in place with the key of parity kk.
func (c *Crypto) Encrypt(seq uint32, kk KeyFlag, payload []byte) error {
	i, ok := slot(kk)
	c.mu.RLock()
	var block cipher.Block
	if ok {
		block = c.keys[i]
	}
	c.mu.RUnlock()
	if block == nil {
		return fmt.Errorf("%w %s", ErrNoKey, kk)
	}
	iv := c.iv(seq)
	cipher.NewCTR(block, iv[:]).XORKeyStream(payload, payload)
	return nil
}

// Decrypt is Encrypt; CTR mode is its own inverse.
func (c *Crypto) Decrypt(seq uint32, kk KeyFlag, payload []byte) error {
	return c.Encrypt(seq, kk, payload)
}
