package storage

import (
	"context"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/crypto"
)

// EncryptedConnectionStore wraps a ConnectionStore and encrypts token fields
// before they reach the underlying store. Reads decrypt transparently, so
// callers always see plaintext tokens.
type EncryptedConnectionStore struct {
	inner     ConnectionStore
	encryptor *crypto.Encryptor
}

func NewEncryptedConnectionStore(inner ConnectionStore, encryptor *crypto.Encryptor) *EncryptedConnectionStore {
	return &EncryptedConnectionStore{inner: inner, encryptor: encryptor}
}

func (s *EncryptedConnectionStore) CreateConnection(ctx context.Context, conn *Connection) error {
	sealed, err := s.seal(conn)
	if err != nil {
		return err
	}
	return s.inner.CreateConnection(ctx, sealed)
}

func (s *EncryptedConnectionStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	conn, err := s.inner.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.open(conn)
}

func (s *EncryptedConnectionStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	sealed, err := s.seal(conn)
	if err != nil {
		return err
	}
	return s.inner.UpdateConnection(ctx, sealed)
}

func (s *EncryptedConnectionStore) ListConnectionsByOwner(ctx context.Context, ownerID string) ([]*Connection, error) {
	conns, err := s.inner.ListConnectionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	result := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		opened, err := s.open(conn)
		if err != nil {
			return nil, err
		}
		result = append(result, opened)
	}
	return result, nil
}

func (s *EncryptedConnectionStore) seal(conn *Connection) (*Connection, error) {
	sealed := *conn
	var err error
	if sealed.AccessToken, err = s.encryptor.Encrypt(conn.AccessToken); err != nil {
		return nil, errors.InternalError("failed to encrypt access token", err)
	}
	if sealed.RefreshToken, err = s.encryptor.Encrypt(conn.RefreshToken); err != nil {
		return nil, errors.InternalError("failed to encrypt refresh token", err)
	}
	return &sealed, nil
}

func (s *EncryptedConnectionStore) open(conn *Connection) (*Connection, error) {
	opened := *conn
	var err error
	if opened.AccessToken, err = s.encryptor.Decrypt(conn.AccessToken); err != nil {
		return nil, errors.InternalError("failed to decrypt access token", err)
	}
	if opened.RefreshToken, err = s.encryptor.Decrypt(conn.RefreshToken); err != nil {
		return nil, errors.InternalError("failed to decrypt refresh token", err)
	}
	return &opened, nil
}
