package blob

import (
	"context"
	"strings"

	"backend-friendlypix/internal/db"

	"github.com/google/uuid"
)

// Service persists image blobs. Feed metadata never depends on a blob
// surviving; callers treat deletion failures as non-fatal.
type Service struct {
	db db.Querier
}

func NewService(db db.Querier) *Service {
	return &Service{db: db}
}

// Upload stores the object and returns its public URL plus the storage URI
// used to delete it later.
func (s *Service) Upload(ctx context.Context, userID, fileName, contentType string, data []byte) (string, string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO storage_objects (id, user_id, file_name, content_type, size_bytes, data)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, id, userID, fileName, contentType, len(data), data)
	if err != nil {
		return "", "", err
	}
	return "https://storage.example/" + id + "/" + fileName, "blob://" + id, nil
}

func (s *Service) Delete(ctx context.Context, uri string) error {
	id := strings.TrimPrefix(uri, "blob://")
	_, err := s.db.Exec(ctx, `DELETE FROM storage_objects WHERE id=$1`, id)
	return err
}
