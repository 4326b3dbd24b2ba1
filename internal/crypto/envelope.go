package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// sealedPrefix marks values written by Seal so rows stored before keys were
// configured can still be read back as plaintext.
const sealedPrefix = "enc:v1:"

type Envelope struct {
	KeyID      string `json:"k"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"c"`
}

// Manager seals text with AES-GCM under the current key and opens values sealed
// with any key it knows, which allows rotating keys without rewriting history.
type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) Encrypt(plaintext []byte) (Envelope, error) {
	aead, err := newAEAD(m.keys[m.currentKeyID])
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(m.currentKeyID))

	return Envelope{
		KeyID:      m.currentKeyID,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (m *Manager) Decrypt(env Envelope) ([]byte, error) {
	key, ok := m.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", env.KeyID)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(env.KeyID))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal returns value as an opaque string safe to store in a text column.
func (m *Manager) Seal(value string) (string, error) {
	env, err := m.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return sealedPrefix + string(b), nil
}

// Open reverses Seal. Values without the sealed prefix are returned unchanged.
func (m *Manager) Open(stored string) (string, error) {
	raw, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return stored, nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	pt, err := m.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
