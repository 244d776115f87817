package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type KeyPair struct {
	PubKey     string  `json:"pubKey"`
	PrivateKey string  `json:"privateKey"`
	Address    Address `json:"address"`
}

func AddressFromPubKey(pub []byte) Address {
	sum := sha256.Sum256(pub)
	return Address(hex.EncodeToString(sum[:20]))
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return newKeyPair(priv, pub), nil
}

// DeterministicKeyPair derives a key from a label. Tests and the built-in
// demo genesis only.
func DeterministicKeyPair(label string) KeyPair {
	seed := sha256.Sum256([]byte(label))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return newKeyPair(priv, priv.Public().(ed25519.PublicKey))
}

func KeyPairFromPrivateKey(privHex string) (KeyPair, error) {
	priv, pub, err := parsePrivateKey(privHex)
	if err != nil {
		return KeyPair{}, err
	}
	return newKeyPair(priv, pub), nil
}

func SignTransaction(tx *Transaction, privHex string) error {
	if tx == nil {
		return errors.New("nil transaction")
	}
	priv, pub, err := parsePrivateKey(privHex)
	if err != nil {
		return err
	}
	from := AddressFromPubKey(pub)
	if tx.From == "" {
		tx.From = from
	}
	if tx.From != from {
		return errors.New("transaction from does not match private key")
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = time.Now().UnixMilli()
	}
	tx.PubKey = hex.EncodeToString(pub)
	tx.Signature = hex.EncodeToString(ed25519.Sign(priv, tx.signingBytes()))
	return nil
}

func VerifyTransactionSignature(tx Transaction) error {
	if tx.PubKey == "" || tx.Signature == "" {
		return errors.New("missing pubkey or signature")
	}
	pub, err := decodeFixedHex("pubkey", tx.PubKey, ed25519.PublicKeySize)
	if err != nil {
		return err
	}
	sig, err := decodeFixedHex("signature", tx.Signature, ed25519.SignatureSize)
	if err != nil {
		return err
	}
	if tx.From != AddressFromPubKey(pub) {
		return errors.New("from does not match pubkey")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), tx.signingBytes(), sig) {
		return errors.New("invalid signature")
	}
	return nil
}

func newKeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) KeyPair {
	return KeyPair{
		PubKey:     hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
		Address:    AddressFromPubKey(pub),
	}
}

func decodeFixedHex(name, raw string, size int) ([]byte, error) {
	out, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("invalid %s length: got %d", name, len(out))
	}
	return out, nil
}

func parsePrivateKey(privHex string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode private key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, nil, fmt.Errorf("invalid private key length: got %d", len(raw))
	}
	return priv, priv.Public().(ed25519.PublicKey), nil
}
