package trust

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lankv/lankv/internal/identity"
)

type TrustSuite struct {
	suite.Suite
	db  *DB
	ctx context.Context
}

func (s *TrustSuite) SetupTest() {
	db, err := Open(filepath.Join(s.T().TempDir(), "whitelist.db"))
	s.Require().NoError(err)
	s.db = db
	s.ctx = context.Background()
}

func (s *TrustSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
}

func TestTrustSuite(t *testing.T) {
	suite.Run(t, new(TrustSuite))
}

func (s *TrustSuite) TestUnknownPeerIsNotAdmitted() {
	s.False(s.db.IsAdmitted(identity.PeerID("nobody"), time.Now()))
}

func (s *TrustSuite) TestFullTrustWithPublicKeyIsAdmitted() {
	now := time.Now()
	s.Require().NoError(s.db.Add(s.ctx, "peerA", "Alice", []byte("pubkey-bytes-32-long-for-test!!"), nil, now))
	s.True(s.db.IsAdmitted("peerA", now))
	s.True(s.db.IsDirectlyTrusted("peerA", now))
}

func (s *TrustSuite) TestExpiredEntryIsNotAdmitted() {
	now := time.Now()
	expired := now.Add(-time.Hour)
	s.Require().NoError(s.db.Add(s.ctx, "peerA", "Alice", []byte("key"), &expired, now.Add(-2*time.Hour)))
	s.False(s.db.IsAdmitted("peerA", now))
}

func (s *TrustSuite) TestTransitiveTrustViaRecommendation() {
	now := time.Now()
	s.Require().NoError(s.db.Add(s.ctx, "peerA", "Alice", []byte("key"), nil, now))

	err := s.db.AddRecommendation(s.ctx, "peerA", "peerB", "Bob", now)
	s.Require().NoError(err)

	_, hasKey := s.db.PublicKey("peerB")
	s.False(hasKey, "no public key yet")
	s.True(s.db.IsAdmitted("peerB", now), "admitted transitively via peerA's recommendation")
	entries := s.db.List()
	var found Entry
	for _, e := range entries {
		if e.PeerID == "peerB" {
			found = e
		}
	}
	s.Equal([]identity.PeerID{"peerA"}, found.RecommendedBy)

	s.Require().NoError(s.db.AddKey(s.ctx, "peerB", []byte("bob-key"), now))
	s.True(s.db.IsAdmitted("peerB", now))
}

func (s *TrustSuite) TestAddRecommendationRejectsSelfRecommendation() {
	now := time.Now()
	s.Require().NoError(s.db.Add(s.ctx, "peerA", "Alice", []byte("key"), nil, now))
	err := s.db.AddRecommendation(s.ctx, "peerA", "peerA", "", now)
	s.ErrorIs(err, ErrSelfRecommendation)
}

func (s *TrustSuite) TestAddRecommendationRejectsUntrustedRecommender() {
	now := time.Now()
	err := s.db.AddRecommendation(s.ctx, "stranger", "peerB", "", now)
	s.ErrorIs(err, ErrNotDirectlyTrusted)
}

func (s *TrustSuite) TestDuplicateRecommendationDoesNotDoubleCount() {
	now := time.Now()
	s.Require().NoError(s.db.Add(s.ctx, "peerA", "Alice", []byte("key"), nil, now))
	s.Require().NoError(s.db.AddRecommendation(s.ctx, "peerA", "peerB", "", now))
	s.Require().NoError(s.db.AddRecommendation(s.ctx, "peerA", "peerB", "", now))

	for _, e := range s.db.List() {
		if e.PeerID == "peerB" {
			s.Equal(1, e.RecommendationCount)
		}
	}
}

func (s *TrustSuite) TestSetPublicKeyIfPresentDoesNotCreateEntries() {
	updated, err := s.db.SetPublicKeyIfPresent(s.ctx, "ghost", []byte("key"))
	s.Require().NoError(err)
	s.False(updated)
	s.False(s.db.HasEntry("ghost"))
}

func (s *TrustSuite) TestRemoveDeletesEntry() {
	now := time.Now()
	s.Require().NoError(s.db.Add(s.ctx, "peerA", "Alice", nil, nil, now))
	s.True(s.db.HasEntry("peerA"))
	s.Require().NoError(s.db.Remove(s.ctx, "peerA"))
	s.False(s.db.HasEntry("peerA"))
}
