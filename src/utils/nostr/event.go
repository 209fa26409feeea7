package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrInvalidId        = errors.New("event id doesn't match its contents")
	ErrInvalidSignature = errors.New("event signature is invalid")
)

// Event is one signed message of the network (NIP-01)
type Event struct {
	Id        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical form the id is derived from:
// [0, pubkey, created_at, kind, tags, content] without HTML escaping
func (self *Event) Serialize() (out []byte, err error) {
	tags := self.Tags
	if tags == nil {
		tags = [][]string{}
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	err = encoder.Encode([]interface{}{
		0,
		self.Pubkey,
		self.CreatedAt,
		self.Kind,
		tags,
		self.Content,
	})
	if err != nil {
		return
	}

	// Encoder appends a newline that is not part of the canonical form
	out = bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return
}

func (self *Event) ComputeId() (id string, err error) {
	serialized, err := self.Serialize()
	if err != nil {
		return
	}
	digest := sha256.Sum256(serialized)
	return hex.EncodeToString(digest[:]), nil
}

// Verify re-derives the id and checks the schnorr signature.
// Events failing either check must not be stored.
func (self *Event) Verify() (err error) {
	id, err := self.ComputeId()
	if err != nil {
		return
	}
	if id != self.Id {
		return ErrInvalidId
	}

	pubkeyBytes, err := hex.DecodeString(self.Pubkey)
	if err != nil {
		return fmt.Errorf("malformed pubkey: %w", err)
	}
	pubkey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return fmt.Errorf("malformed pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(self.Sig)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	signature, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}

	idBytes, err := hex.DecodeString(self.Id)
	if err != nil {
		return fmt.Errorf("malformed id: %w", err)
	}

	if !signature.Verify(idBytes, pubkey) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign fills in pubkey, id and sig from the given hex secret key.
// Used by the write probe, the archiver itself never signs user data.
func (self *Event) Sign(secretKeyHex string) (err error) {
	secretKey, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return fmt.Errorf("malformed secret key: %w", err)
	}

	privateKey, publicKey := btcec.PrivKeyFromBytes(secretKey)
	self.Pubkey = hex.EncodeToString(schnorr.SerializePubKey(publicKey))

	self.Id, err = self.ComputeId()
	if err != nil {
		return
	}

	idBytes, err := hex.DecodeString(self.Id)
	if err != nil {
		return
	}

	signature, err := schnorr.Sign(privateKey, idBytes)
	if err != nil {
		return
	}
	self.Sig = hex.EncodeToString(signature.Serialize())
	return nil
}
