package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

// PublicPrefix URL-префикс, под которым раздаются файлы доказательств.
const PublicPrefix = "/uploads/evidence"

const sniffLen = 512

var (
	ErrEmptyFile       = errors.New("storage: файл пустой")
	ErrFileTooLarge    = errors.New("storage: размер файла превышает лимит")
	ErrUnsupportedType = errors.New("storage: неподдерживаемый тип файла")
)

// allowedMimeTypes типы файлов, принимаемые как доказательства.
var allowedMimeTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"image/heif":      {},
	"video/mp4":       {},
	"video/quicktime": {},
	"application/pdf": {},
}

// StoredFile сохранённый файл доказательства.
type StoredFile struct {
	URL      string
	MimeType string
	Size     int64
}

// EvidenceStorage отвечает за файловое хранилище доказательств по спорам.
type EvidenceStorage struct {
	rootPath       string
	maxUploadBytes int64
}

// NewEvidenceStorage создаёт файловое хранилище.
func NewEvidenceStorage(rootPath string, maxUploadMB int64) (*EvidenceStorage, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: не удалось создать каталог %s: %w", rootPath, err)
	}

	return &EvidenceStorage{
		rootPath:       rootPath,
		maxUploadBytes: maxUploadMB * 1024 * 1024,
	}, nil
}

// Root каталог, из которого раздаются файлы.
func (s *EvidenceStorage) Root() string {
	return s.rootPath
}

// Save определяет реальный тип файла по сигнатуре и сохраняет его в каталог спора.
// Расширение берётся из сигнатуры, а не из имени файла клиента.
func (s *EvidenceStorage) Save(ctx context.Context, disputeID uuid.UUID, r io.Reader) (*StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("storage: не удалось прочитать файл: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyFile
	}
	head = head[:n]

	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return nil, ErrUnsupportedType
	}
	if _, ok := allowedMimeTypes[kind.MIME.Value]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, kind.MIME.Value)
	}

	dir := filepath.Join(s.rootPath, disputeID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: не удалось создать каталог спора: %w", err)
	}

	fileName := fmt.Sprintf("%d_%s.%s", time.Now().UnixNano(), uuid.NewString()[:8], kind.Extension)
	targetPath := filepath.Join(dir, fileName)
	tempPath := targetPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("storage: не удалось создать файл: %w", err)
	}
	defer f.Close()

	limited := io.LimitedReader{R: io.MultiReader(bytes.NewReader(head), r), N: s.maxUploadBytes + 1}
	written, err := io.Copy(f, &limited)
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("storage: ошибка записи файла: %w", err)
	}
	if written > s.maxUploadBytes {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("%w: %d байт", ErrFileTooLarge, s.maxUploadBytes)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("storage: ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tempPath, targetPath); err != nil {
		return nil, fmt.Errorf("storage: не удалось переименовать файл: %w", err)
	}

	return &StoredFile{
		URL:      path.Join(PublicPrefix, disputeID.String(), fileName),
		MimeType: kind.MIME.Value,
		Size:     written,
	}, nil
}

// Delete удаляет файл по публичному URL.
func (s *EvidenceStorage) Delete(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rel, err := filepath.Rel(PublicPrefix, filepath.FromSlash(url))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("storage: некорректный путь %q", url)
	}
	if err := os.Remove(filepath.Join(s.rootPath, rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: не удалось удалить файл: %w", err)
	}
	return nil
}
