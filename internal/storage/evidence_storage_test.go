package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader минимальная сигнатура PNG.
var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52}

func newTestStorage(t *testing.T, maxMB int64) *EvidenceStorage {
	t.Helper()
	s, err := NewEvidenceStorage(t.TempDir(), maxMB)
	require.NoError(t, err)
	return s
}

func TestEvidenceStorage_SavesSniffedImage(t *testing.T) {
	s := newTestStorage(t, 1)
	disputeID := uuid.New()
	body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0x01}, 1024)...)

	stored, err := s.Save(context.Background(), disputeID, bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "image/png", stored.MimeType)
	assert.Equal(t, int64(len(body)), stored.Size)
	assert.True(t, strings.HasPrefix(stored.URL, PublicPrefix+"/"+disputeID.String()+"/"))
	assert.True(t, strings.HasSuffix(stored.URL, ".png"))

	rel := strings.TrimPrefix(stored.URL, PublicPrefix+"/")
	onDisk, err := os.ReadFile(filepath.Join(s.Root(), filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, body, onDisk)

	require.NoError(t, s.Delete(context.Background(), stored.URL))
	_, err = os.Stat(filepath.Join(s.Root(), filepath.FromSlash(rel)))
	assert.True(t, os.IsNotExist(err))
}

func TestEvidenceStorage_RejectsUnknownAndEmpty(t *testing.T) {
	s := newTestStorage(t, 1)

	_, err := s.Save(context.Background(), uuid.New(), strings.NewReader("просто текст"))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = s.Save(context.Background(), uuid.New(), bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestEvidenceStorage_EnforcesSizeLimit(t *testing.T) {
	s := newTestStorage(t, 1)
	body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0x01}, 1024*1024)...)

	_, err := s.Save(context.Background(), uuid.New(), bytes.NewReader(body))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestEvidenceStorage_DeleteRejectsTraversal(t *testing.T) {
	s := newTestStorage(t, 1)
	assert.Error(t, s.Delete(context.Background(), "/uploads/evidence/../../etc/passwd"))
}
