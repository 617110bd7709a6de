package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	store, err := Open(filepath.Join(s.T().TempDir(), "store.db"))
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) TestPutLocalThenGet() {
	now := time.Now()
	_, err := s.store.PutLocal(s.ctx, "k", "v", 256, 65536, now)
	s.Require().NoError(err)

	value, err := s.store.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.Equal("v", value)
}

func (s *StoreSuite) TestGetMissingKeyReturnsNotFound() {
	_, err := s.store.Get(s.ctx, "absent")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestDeleteLocalSuppressesGet() {
	now := time.Now()
	_, err := s.store.PutLocal(s.ctx, "k", "v", 256, 65536, now)
	s.Require().NoError(err)
	_, err = s.store.DeleteLocal(s.ctx, "k", now.Add(time.Second))
	s.Require().NoError(err)

	_, err = s.store.Get(s.ctx, "k")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestPutRemoteRejectsStaleWrite() {
	base := time.Now()
	applied, err := s.store.PutRemote(s.ctx, "k", "new", base)
	s.Require().NoError(err)
	s.True(applied)

	applied, err = s.store.PutRemote(s.ctx, "k", "old", base.Add(-time.Second))
	s.Require().NoError(err)
	s.False(applied)

	value, err := s.store.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.Equal("new", value)
}

func (s *StoreSuite) TestPutRemoteTieBreaksOnLexicographicValue() {
	ts := time.Now()
	applied, err := s.store.PutRemote(s.ctx, "k", "alpha", ts)
	s.Require().NoError(err)
	s.True(applied)

	applied, err = s.store.PutRemote(s.ctx, "k", "beta", ts)
	s.Require().NoError(err)
	s.True(applied, "beta > alpha lexicographically, so it should win the tie")

	applied, err = s.store.PutRemote(s.ctx, "k", "aaaa", ts)
	s.Require().NoError(err)
	s.False(applied, "aaaa < beta lexicographically, so it should lose the tie")
}

func (s *StoreSuite) TestDeleteRemoteWinsOverEqualTimestampPut() {
	ts := time.Now()
	applied, err := s.store.PutRemote(s.ctx, "k", "zzzz", ts)
	s.Require().NoError(err)
	s.True(applied)

	applied, err = s.store.DeleteRemote(s.ctx, "k", ts)
	s.Require().NoError(err)
	s.True(applied, "a tombstone beats a put at an equal timestamp regardless of value")

	_, err = s.store.Get(s.ctx, "k")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestValidateKeyValueRejectsInvariantViolations() {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"empty key", "", "v"},
		{"too long key", string(make([]byte, 300)), "v"},
		{"control char", "a\x01b", "v"},
		{"path traversal", "../etc/passwd", "v"},
		{"leading slash", "/etc/passwd", "v"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			err := ValidateKeyValue(tc.key, tc.value, 256, 65536)
			s.Error(err)
		})
	}
}

func (s *StoreSuite) TestListOnlyReturnsLiveRecords() {
	now := time.Now()
	_, err := s.store.PutLocal(s.ctx, "a", "1", 256, 65536, now)
	s.Require().NoError(err)
	_, err = s.store.PutLocal(s.ctx, "b", "2", 256, 65536, now)
	s.Require().NoError(err)
	_, err = s.store.DeleteLocal(s.ctx, "b", now.Add(time.Second))
	s.Require().NoError(err)

	records, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Len(records, 1)
	s.Equal("a", records[0].Key)
}

func (s *StoreSuite) TestSweepRemovesOnlyOldTombstones() {
	now := time.Now()
	_, err := s.store.DeleteLocal(s.ctx, "old", now.Add(-40*24*time.Hour))
	s.Require().NoError(err)
	_, err = s.store.DeleteLocal(s.ctx, "recent", now.Add(-time.Hour))
	s.Require().NoError(err)

	n, err := s.store.Sweep(s.ctx, DefaultSweepAge, now)
	s.Require().NoError(err)
	s.EqualValues(1, n)
}
