package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Session is the signed-in account persisted between runs of the client.
type Session struct {
	ServerURL string `json:"server_url"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

func (s Session) Identity() Identity {
	return Identity{ID: s.UserID, Username: s.Username}
}

func GetConfigDir(profileName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sidekick", profileName)
}

func machineID() string {
	paths := []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, _ := os.Hostname()
	return hostname
}

func getEncryptionKey() ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(machineID()), nil, []byte("sidekick session v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := getEncryptionKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encrypt(data []byte) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// SessionFile stores one profile's session, encrypted with a key derived
// from the machine id.
type SessionFile struct {
	Dir string
}

func NewSessionFile(profileName string) SessionFile {
	return SessionFile{Dir: GetConfigDir(profileName)}
}

func (f SessionFile) path() string {
	return filepath.Join(f.Dir, "session.json")
}

// Load returns nil when no readable session exists.
func (f SessionFile) Load() *Session {
	if f.Dir == "" {
		return nil
	}

	data, err := os.ReadFile(f.path())
	if err != nil {
		return nil
	}

	decrypted, err := decrypt(string(data))
	if err != nil {
		return nil
	}

	var session Session
	if err := json.Unmarshal(decrypted, &session); err != nil {
		return nil
	}
	if session.UserID == "" {
		return nil
	}
	return &session
}

func (f SessionFile) Save(session Session) error {
	if f.Dir == "" {
		return errors.New("could not get config directory")
	}

	if err := os.MkdirAll(f.Dir, 0700); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	encrypted, err := encrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(f.path(), []byte(encrypted), 0600)
}

func (f SessionFile) Clear() {
	if f.Dir != "" {
		os.Remove(f.path())
	}
}
