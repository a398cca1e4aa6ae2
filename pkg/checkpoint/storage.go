package checkpoint

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/log"
)

// dbSizeLimit is the compressed-size threshold below which a blob stays
// in the durable store instead of the filesystem.
const dbSizeLimit = 1 << 20

// compressionLevel is deflate level 6 for every stored blob
const compressionLevel = 6

// BlobKV is the slice of the persistence gateway the blob store needs
// for small checkpoints.
type BlobKV interface {
	PutBlob(key string, data []byte) error
	GetBlob(key string) ([]byte, error)
	DeleteBlobs(prefix string) error
	ListBlobs(prefix string) (map[string]int, error)
}

// Storage is the hybrid checkpoint blob store. Compressed blobs under
// 1 MiB live in the durable store (db_<id> references); larger ones go
// to <root>/<task_id>/{base,delta_<id>}.gz (fs_ references). Path
// namespacing per task id makes concurrent per-task writes safe.
type Storage struct {
	root   string
	kv     BlobKV
	logger zerolog.Logger
}

// NewStorage creates the blob store rooted at dir
func NewStorage(dir string, kv BlobKV) (*Storage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Storage{
		root:   dir,
		kv:     kv,
		logger: log.WithComponent("checkpoint_storage"),
	}, nil
}

func blobName(isBase bool, checkpointID int) string {
	if isBase {
		return "base.gz"
	}
	return fmt.Sprintf("delta_%d.gz", checkpointID)
}

// Store compresses and places one checkpoint blob, returning its storage
// reference and compressed size.
func (s *Storage) Store(taskID string, data []byte, isBase bool, checkpointID int) (string, int, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return "", 0, fmt.Errorf("failed to compress checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finish compression: %w", err)
	}
	compressed := buf.Bytes()
	name := blobName(isBase, checkpointID)

	if len(compressed) < dbSizeLimit {
		key := taskID + "/" + name
		if err := s.kv.PutBlob(key, compressed); err != nil {
			return "", 0, fmt.Errorf("failed to store checkpoint blob: %w", err)
		}
		return fmt.Sprintf("db_%d", checkpointID), len(compressed), nil
	}

	subdir := filepath.Join(s.root, taskID)
	if err := os.MkdirAll(subdir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create checkpoint subdirectory: %w", err)
	}
	path := filepath.Join(subdir, name)
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return "", 0, fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return fmt.Sprintf("fs_%s/%s", taskID, name), len(compressed), nil
}

// Retrieve loads and decompresses one checkpoint blob, looking at the
// filesystem first and the durable store second.
func (s *Storage) Retrieve(taskID string, isBase bool, checkpointID int) ([]byte, error) {
	name := blobName(isBase, checkpointID)
	path := filepath.Join(s.root, taskID, name)

	compressed, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
		}
		compressed, err = s.kv.GetBlob(taskID + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("checkpoint blob not found: %w", err)
		}
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed checkpoint: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress checkpoint: %w", err)
	}
	return data, nil
}

// DeleteOne removes a single blob from whichever tier holds it
func (s *Storage) DeleteOne(taskID string, isBase bool, checkpointID int) error {
	name := blobName(isBase, checkpointID)
	if err := os.Remove(filepath.Join(s.root, taskID, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return s.kv.DeleteBlobs(taskID + "/" + name)
}

// Delete removes every blob of a task from both tiers
func (s *Storage) Delete(taskID string) error {
	if err := os.RemoveAll(filepath.Join(s.root, taskID)); err != nil {
		return fmt.Errorf("failed to delete checkpoint directory: %w", err)
	}
	if err := s.kv.DeleteBlobs(taskID + "/"); err != nil {
		return fmt.Errorf("failed to delete checkpoint blobs: %w", err)
	}
	return nil
}

// Info summarizes what is stored for one task
type Info struct {
	TaskID         string `json:"task_id"`
	BaseSizeBytes  int    `json:"base_size_bytes"`
	DeltaCount     int    `json:"delta_count"`
	TotalSizeBytes int    `json:"total_size_bytes"`
}

// GetInfo reports per-task blob totals across both tiers
func (s *Storage) GetInfo(taskID string) (Info, error) {
	info := Info{TaskID: taskID}

	entries, err := os.ReadDir(filepath.Join(s.root, taskID))
	if err != nil && !os.IsNotExist(err) {
		return info, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		s.tally(&info, entry.Name(), int(fi.Size()))
	}

	blobs, err := s.kv.ListBlobs(taskID + "/")
	if err != nil {
		return info, err
	}
	for key, size := range blobs {
		s.tally(&info, filepath.Base(key), size)
	}
	return info, nil
}

func (s *Storage) tally(info *Info, name string, size int) {
	info.TotalSizeBytes += size
	if name == "base.gz" {
		info.BaseSizeBytes = size
	} else {
		info.DeltaCount++
	}
}
