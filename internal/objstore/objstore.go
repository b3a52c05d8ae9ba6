// Пакет objstore — публикация готовых выгрузок: бакет S3 или локальный
// публичный каталог.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store — хранилище опубликованных файлов.
type Store interface {
	// Put публикует локальный файл под именем name.
	Put(ctx context.Context, localPath, name string) error
	// Exists сообщает, опубликован ли файл name.
	Exists(ctx context.Context, name string) (bool, error)
	// Serve отдаёт опубликованный файл клиенту.
	Serve(w http.ResponseWriter, r *http.Request, name string)
}

// S3Config — параметры бакета.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Prefix — путь внутри бакета (S3_BUCKET_DOWNLOAD_PATH)
	Prefix string
	// LinkTTL — срок действия подписанной ссылки
	LinkTTL time.Duration
	// Transport — HTTP-транспорт клиента (nil — по умолчанию)
	Transport http.RoundTripper
}

// S3 публикует файлы в бакет S3.
type S3 struct {
	cl      *minio.Client
	bucket  string
	prefix  string
	linkTTL time.Duration
	logger  *slog.Logger
}

// NewS3 создаёт клиент бакета.
func NewS3(cfg S3Config, logger *slog.Logger) (*S3, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("клиент S3 %s: %w", cfg.Endpoint, err)
	}
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &S3{
		cl:      cl,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		linkTTL: ttl,
		logger:  logger.With(slog.String("component", "objstore")),
	}, nil
}

func (s *S3) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3) Put(ctx context.Context, localPath, name string) error {
	info, err := s.cl.FPutObject(ctx, s.bucket, s.key(name), localPath, minio.PutObjectOptions{
		ContentType: contentType(name),
	})
	if err != nil {
		return fmt.Errorf("загрузка %s в s3://%s/%s: %w", localPath, s.bucket, s.key(name), err)
	}
	s.logger.Info("Файл опубликован",
		slog.String("bucket", s.bucket),
		slog.String("key", s.key(name)),
		slog.Int64("size", info.Size),
	)
	return nil
}

func (s *S3) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.cl.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("проверка s3://%s/%s: %w", s.bucket, s.key(name), err)
}

// Serve перенаправляет на подписанную ссылку.
func (s *S3) Serve(w http.ResponseWriter, r *http.Request, name string) {
	u, err := s.cl.PresignedGetObject(r.Context(), s.bucket, s.key(name), s.linkTTL, nil)
	if err != nil {
		s.logger.Error("Ошибка подписи ссылки",
			slog.String("key", s.key(name)),
			slog.String("error", err.Error()),
		)
		http.Error(w, "error: internal server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// Local публикует файлы в локальный каталог.
type Local struct {
	dir string
}

// NewLocal создаёт хранилище в каталоге dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Dir возвращает публичный каталог.
func (l *Local) Dir() string { return l.dir }

// Put перемещает файл в публичный каталог. Между файловыми системами
// файл копируется.
func (l *Local) Put(_ context.Context, localPath, name string) error {
	dst := filepath.Join(l.dir, filepath.Base(name))
	if err := os.Rename(localPath, dst); err == nil {
		return nil
	}
	if err := copyFile(localPath, dst); err != nil {
		return err
	}
	return os.Remove(localPath)
}

func (l *Local) Exists(_ context.Context, name string) (bool, error) {
	fi, err := os.Stat(filepath.Join(l.dir, filepath.Base(name)))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

func (l *Local) Serve(w http.ResponseWriter, r *http.Request, name string) {
	p := filepath.Join(l.dir, filepath.Base(name))
	if ok, _ := l.Exists(r.Context(), name); !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType(name))
	http.ServeFile(w, r, p)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("копирование %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func contentType(name string) string {
	if path.Ext(name) == ".zip" {
		return "application/zip"
	}
	return "application/gzip"
}
