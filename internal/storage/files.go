// Package storage сохраняет загруженные квитанции на диске.
package storage

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MaxReceiptSize — предельный размер загружаемой квитанции.
const MaxReceiptSize = 10 << 20

// ErrUnsupportedType возвращается для файлов недопустимого формата.
var ErrUnsupportedType = errors.New("unsupported receipt format, use JPG, PNG or PDF")

// ErrTooLarge возвращается для файлов, превышающих MaxReceiptSize.
var ErrTooLarge = errors.New("receipt file too large")

var allowedTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/jpg":       {},
	"image/png":       {},
	"application/pdf": {},
}

// FileStore хранит квитанции в одном каталоге под уникальными именами.
type FileStore struct {
	dir string
}

// NewFileStore создаёт каталог квитанций, если его ещё нет.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir возвращает каталог, из которого раздаются квитанции.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save сохраняет квитанцию из multipart-формы и возвращает имя сохранённого файла.
func (s *FileStore) Save(fh *multipart.FileHeader) (string, error) {
	if fh.Size > MaxReceiptSize {
		return "", ErrTooLarge
	}

	contentType := fh.Header.Get("Content-Type")
	if _, ok := allowedTypes[contentType]; !ok {
		return "", ErrUnsupportedType
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer src.Close()

	name := uuid.NewString() + "-" + sanitizeName(fh.Filename)

	dst, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("create receipt file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(src, MaxReceiptSize)); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("write receipt file: %w", err)
	}

	return name, nil
}

// Remove удаляет сохранённую квитанцию. Используется как компенсация,
// когда запись в журнал платежей не удалась.
func (s *FileStore) Remove(name string) error {
	if err := os.Remove(filepath.Join(s.dir, filepath.Base(name))); err != nil {
		return fmt.Errorf("remove receipt file: %w", err)
	}
	return nil
}

func sanitizeName(name string) string {
	base := filepath.Base(name)
	return strings.Join(strings.Fields(base), "_")
}
