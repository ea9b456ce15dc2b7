package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dukerupert/valley/internal/model"
	"github.com/dukerupert/valley/internal/store"
)

// s3Client is the subset of the S3 API the manager needs.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3            S3Config
	Passphrase    string
	Interval      time.Duration
	RetentionDays int
}

var ErrNotConfigured = errors.New("backup not configured")

// Manager snapshots the ledger database, seals it and ships it to object
// storage.
type Manager struct {
	cfg    Config
	db     *sql.DB
	store  *store.BackupStore
	client s3Client
	logger *slog.Logger

	// serializes snapshot runs
	runMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, db *sql.DB, bs *store.BackupStore, logger *slog.Logger) *Manager {
	m := &Manager{cfg: cfg, db: db, store: bs, logger: logger}
	if cfg.S3.complete() {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether storage and a passphrase are both configured.
func (m *Manager) Enabled() bool {
	return m.client != nil && m.cfg.Passphrase != ""
}

// Start runs a snapshot plus retention cleanup every Interval until Stop.
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() || m.cfg.Interval <= 0 {
		m.logger.Info("scheduled backups disabled")
		return
	}
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduled(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) scheduled(ctx context.Context) {
	if _, err := m.RunNow(ctx); err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
	}
	if m.cfg.RetentionDays > 0 {
		if err := m.Cleanup(ctx, m.cfg.RetentionDays); err != nil {
			m.logger.Error("backup cleanup failed", "error", err)
		}
	}
}

func (m *Manager) List(ctx context.Context, limit int) ([]model.LedgerBackup, error) {
	return m.store.List(ctx, limit)
}

// RunNow takes a consistent snapshot with VACUUM INTO, seals it and uploads
// it. The backup row tracks progress and records any failure.
func (m *Manager) RunNow(ctx context.Context) (*model.LedgerBackup, error) {
	if !m.Enabled() {
		return nil, ErrNotConfigured
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	filename := fmt.Sprintf("ledger-%s.db.enc", time.Now().UTC().Format("2006-01-02T150405.000Z"))
	key := m.objectKey(filename)

	record, err := m.store.Create(ctx, filename, key)
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	log := m.logger.With("backup_id", record.ID, "key", key)

	size, sum, err := m.upload(ctx, record.ID, key)
	if err != nil {
		if uerr := m.store.UpdateStatus(ctx, record.ID, model.BackupStatusFailed, err.Error()); uerr != nil {
			log.Error("mark backup failed", "error", uerr)
		}
		return nil, err
	}
	if err := m.store.UpdateCompleted(ctx, record.ID, size, sum); err != nil {
		return nil, fmt.Errorf("mark backup completed: %w", err)
	}
	log.Info("backup completed", "size_bytes", size)
	return m.store.GetByID(ctx, record.ID)
}

func (m *Manager) objectKey(filename string) string {
	prefix := strings.Trim(m.cfg.S3.Prefix, "/")
	if prefix == "" {
		return filename
	}
	return prefix + "/" + filename
}

// upload returns the size and hex SHA-256 of the sealed object.
func (m *Manager) upload(ctx context.Context, id int64, key string) (int64, string, error) {
	dir, err := os.MkdirTemp("", "valley-backup-")
	if err != nil {
		return 0, "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "ledger.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return 0, "", fmt.Errorf("snapshot database: %w", err)
	}
	plain, err := os.ReadFile(snapshot)
	if err != nil {
		return 0, "", fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := Seal(plain, m.cfg.Passphrase)
	if err != nil {
		return 0, "", fmt.Errorf("seal snapshot: %w", err)
	}
	sum := sha256.Sum256(sealed)

	if err := m.store.UpdateStatus(ctx, id, model.BackupStatusUploading, ""); err != nil {
		return 0, "", err
	}
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return 0, "", fmt.Errorf("upload to s3: %w", err)
	}
	return int64(len(sealed)), hex.EncodeToString(sum[:]), nil
}

// Restore downloads backup id, opens it and writes the verified database to
// outPath. It refuses to overwrite an existing file.
func (m *Manager) Restore(ctx context.Context, id int64, outPath string) error {
	if !m.Enabled() {
		return ErrNotConfigured
	}
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("restore target %s already exists", outPath)
	}

	record, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("backup %d not found", id)
	}
	if record.Status != model.BackupStatusCompleted {
		return fmt.Errorf("backup %d is %s", id, record.Status)
	}

	obj, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	sealed, err := io.ReadAll(obj.Body)
	obj.Body.Close()
	if err != nil {
		return fmt.Errorf("read backup object: %w", err)
	}
	if record.SHA256 != "" {
		sum := sha256.Sum256(sealed)
		if hex.EncodeToString(sum[:]) != record.SHA256 {
			return fmt.Errorf("backup %d checksum mismatch", id)
		}
	}
	plain, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}

	tmp := outPath + ".partial"
	if err := os.WriteFile(tmp, plain, 0o600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	if err := checkIntegrity(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move restored db: %w", err)
	}
	m.logger.Info("backup restored", "backup_id", id, "path", outPath)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'purchases'`).Scan(&n); err != nil {
		return fmt.Errorf("inspect restored db: %w", err)
	}
	if n == 0 {
		return errors.New("restored db has no purchases table")
	}
	return nil
}

// Cleanup removes backup rows older than retentionDays and their objects.
// Object deletion failures are logged and skipped.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) error {
	if m.client == nil {
		return nil
	}
	before := time.Now().UTC().AddDate(0, 0, -retentionDays)
	keys, err := m.store.DeleteOlderThan(ctx, before)
	if err != nil {
		return fmt.Errorf("delete old backups: %w", err)
	}
	for _, key := range keys {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete backup object", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		m.logger.Info("old backups removed", "count", len(keys))
	}
	return nil
}
