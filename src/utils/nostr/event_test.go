package nostr

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestEventTestSuite(t *testing.T) {
	suite.Run(t, new(EventTestSuite))
}

type EventTestSuite struct {
	suite.Suite
	secretKey string
}

func (s *EventTestSuite) SetupSuite() {
	key, err := btcec.NewPrivateKey()
	require.NoError(s.T(), err)
	s.secretKey = hex.EncodeToString(key.Serialize())
}

func (s *EventTestSuite) signed(content string, tags [][]string) *Event {
	event := &Event{
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      tags,
		Content:   content,
	}
	err := event.Sign(s.secretKey)
	require.NoError(s.T(), err)
	return event
}

func (s *EventTestSuite) TestSignAndVerify() {
	event := s.signed("hello", [][]string{{"t", "test"}})

	require.Len(s.T(), event.Id, 64)
	require.Len(s.T(), event.Pubkey, 64)
	require.NoError(s.T(), event.Verify())
}

func (s *EventTestSuite) TestVerifyDetectsTamperedContent() {
	event := s.signed("hello", nil)

	event.Content = "goodbye"
	require.ErrorIs(s.T(), event.Verify(), ErrInvalidId)
}

func (s *EventTestSuite) TestVerifyDetectsForgedId() {
	event := s.signed("hello", nil)

	event.Content = "goodbye"
	id, err := event.ComputeId()
	require.NoError(s.T(), err)
	event.Id = id

	// Id matches the new contents but the signature doesn't
	require.ErrorIs(s.T(), event.Verify(), ErrInvalidSignature)
}

func (s *EventTestSuite) TestVerifyRejectsBadSignatureEncoding() {
	event := s.signed("hello", nil)

	event.Sig = "not hex"
	require.Error(s.T(), event.Verify())
}

func (s *EventTestSuite) TestSerializeDoesNotEscapeHtml() {
	event := &Event{
		Pubkey:    strings.Repeat("a", 64),
		CreatedAt: 1700000000,
		Kind:      1,
		Content:   `<a href="x">&</a>`,
	}

	serialized, err := event.Serialize()
	require.NoError(s.T(), err)
	require.Contains(s.T(), string(serialized), `<a href=`)
	require.NotContains(s.T(), string(serialized), `\u003c`)
	require.NotContains(s.T(), string(serialized), `\u0026`)
}

func (s *EventTestSuite) TestSerializeNilTagsAsEmptyArray() {
	event := &Event{
		Pubkey:    strings.Repeat("a", 64),
		CreatedAt: 1700000000,
		Kind:      1,
	}

	serialized, err := event.Serialize()
	require.NoError(s.T(), err)
	require.Contains(s.T(), string(serialized), `,[],`)
	require.False(s.T(), strings.HasSuffix(string(serialized), "\n"))
}

func (s *EventTestSuite) TestComputeIdIsStable() {
	event := s.signed("same", [][]string{{"t", "a"}, {"t", "b"}})

	first, err := event.ComputeId()
	require.NoError(s.T(), err)
	second, err := event.ComputeId()
	require.NoError(s.T(), err)

	require.Equal(s.T(), first, second)
	require.Equal(s.T(), event.Id, first)
}
