package identity

import (
	"context"
	"encoding/json"
	"os"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	originalData := "This is a secret message"

	encrypted, err := encrypt([]byte(originalData))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	if encrypted == "" {
		t.Fatal("Encrypted string is empty")
	}

	decrypted, err := decrypt(encrypted)
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}

	if string(decrypted) != originalData {
		t.Errorf("Expected %q, got %q", originalData, string(decrypted))
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	encrypted, err := encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	tampered := []byte(encrypted)
	tampered[len(tampered)/2] ^= 'A' ^ 'B'
	if _, err := decrypt(string(tampered)); err == nil {
		t.Fatal("Expected tampered ciphertext to fail")
	}
}

func TestSessionFileRoundTrip(t *testing.T) {
	file := SessionFile{Dir: t.TempDir()}
	original := Session{
		ServerURL: "wss://test.com/ws",
		UserID:    "u-1",
		Username:  "testuser",
		Password:  "secretpassword",
	}

	if err := file.Save(original); err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}

	restored := file.Load()
	if restored == nil {
		t.Fatal("Expected a session to be loaded")
	}
	if *restored != original {
		t.Errorf("Expected %+v, got %+v", original, *restored)
	}

	id, err := file.Current(context.Background())
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if id == nil || *id != (Identity{ID: "u-1", Username: "testuser"}) {
		t.Errorf("Unexpected identity %+v", id)
	}

	file.Clear()
	if file.Load() != nil {
		t.Error("Expected session to be cleared")
	}
}

func TestSessionFileIgnoresPlaintext(t *testing.T) {
	file := SessionFile{Dir: t.TempDir()}
	data, _ := json.Marshal(Session{UserID: "u-1"})
	if err := os.WriteFile(file.path(), data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if file.Load() != nil {
		t.Error("Plaintext session must not be trusted")
	}
	id, err := file.Current(context.Background())
	if err != nil || id != nil {
		t.Errorf("Expected signed-out identity, got %+v, %v", id, err)
	}
}
