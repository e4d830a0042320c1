package services

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"go.uber.org/zap"
)

const (
	MaxUploadSize  = 5 * 1024 * 1024 // 5MB
	thumbnailWidth = 480
	jpegQuality    = 85
	thumbDir       = "thumbs"
)

var (
	ErrNoFile   = errors.New("no file uploaded")
	ErrNotImage = errors.New("only images are allowed")
	ErrTooLarge = fmt.Errorf("file too large, maximum size is %dMB", MaxUploadSize/(1024*1024))

	// Stored files are named from the sniffed type only. Anything a browser
	// could render as markup (svg, html) is refused.
	imageExtensions = map[string]string{
		"image/png":  ".png",
		"image/jpeg": ".jpg",
		"image/gif":  ".gif",
		"image/webp": ".webp",
	}
)

// UploadResult holds public URLs of a stored upload.
type UploadResult struct {
	FilePath      string
	ThumbnailPath string
}

// UploadService stores gallery images under dir, served at publicPrefix.
type UploadService struct {
	dir          string
	publicPrefix string
	logger       *zap.Logger
	now          func() time.Time
}

func NewUploadService(dir, publicPrefix string, logger *zap.Logger) *UploadService {
	return &UploadService{
		dir:          dir,
		publicPrefix: strings.TrimRight(publicPrefix, "/"),
		logger:       logger,
		now:          time.Now,
	}
}

func (s *UploadService) Dir() string { return s.dir }

// Save validates and stores one uploaded image.
func (s *UploadService) Save(header *multipart.FileHeader) (*UploadResult, error) {
	if header == nil {
		return nil, ErrNoFile
	}
	if header.Size > MaxUploadSize {
		return nil, ErrTooLarge
	}
	declared := header.Header.Get("Content-Type")
	if !strings.HasPrefix(declared, "image/") {
		return nil, ErrNotImage
	}

	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	fileBytes, err := io.ReadAll(io.LimitReader(file, MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(fileBytes) > MaxUploadSize {
		return nil, ErrTooLarge
	}

	ext, ok := extensionFor(http.DetectContentType(fileBytes))
	if !ok {
		return nil, ErrNotImage
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	filename := fmt.Sprintf("moment-%d-%s%s", s.now().UnixMilli(), uuid.New().String()[:8], ext)
	filePath, err := s.safePath(filename)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filePath, fileBytes, 0644); err != nil {
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}

	result := &UploadResult{FilePath: path.Join(s.publicPrefix, filename)}
	if thumb, err := s.writeThumbnail(filename, fileBytes); err != nil {
		s.logger.Warn("Thumbnail generation failed", zap.String("file", filename), zap.Error(err))
	} else if thumb != "" {
		result.ThumbnailPath = path.Join(s.publicPrefix, thumbDir, thumb)
	}

	s.logger.Info("Image uploaded", zap.String("file", filename), zap.Int("size", len(fileBytes)))
	return result, nil
}

// writeThumbnail stores a downscaled JPEG for decodable images wider than
// thumbnailWidth and returns its file name, or "" when none is needed.
func (s *UploadService) writeThumbnail(filename string, data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// webp has no registered decoder and gets no thumbnail.
		return "", nil
	}
	if img.Bounds().Dx() <= thumbnailWidth {
		return "", nil
	}

	resized := resize.Resize(thumbnailWidth, 0, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(s.dir, thumbDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create thumbnail directory: %w", err)
	}
	name := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".jpg"
	thumbPath, err := s.safePath(filepath.Join(thumbDir, name))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(thumbPath, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to save thumbnail: %w", err)
	}
	return name, nil
}

// safePath joins name onto the upload directory and refuses anything that
// resolves outside it.
func (s *UploadService) safePath(name string) (string, error) {
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve upload directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path %q", name)
	}
	return absPath, nil
}

// extensionFor maps a sniffed content type to the stored file extension.
func extensionFor(sniffed string) (string, bool) {
	ext, ok := imageExtensions[sniffed]
	return ext, ok
}
