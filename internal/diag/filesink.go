package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink spools diagnostics records to rotating JSONL files so they can
// be shipped off-box for triage. Rotated file paths are pushed to
// fileChan for the uploader.
type FileSink struct {
	outputDir       string
	rotateMinutes   int
	rotateMegabytes int64

	records chan Record

	mu           sync.Mutex
	file         *os.File
	writer       *bufio.Writer
	createdAt    time.Time
	bytesWritten int64
	filename     string
}

// NewFileSink creates a file spool. bufferSize bounds the in-memory queue;
// records beyond it are dropped rather than blocking reporters.
func NewFileSink(outputDir string, bufferSize, rotateMinutes, rotateMegabytes int) *FileSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &FileSink{
		outputDir:       outputDir,
		rotateMinutes:   rotateMinutes,
		rotateMegabytes: int64(rotateMegabytes) * 1024 * 1024,
		records:         make(chan Record, bufferSize),
	}
}

// Report queues a record for writing. If the queue is full the record is
// dropped; diagnostics are best-effort.
func (s *FileSink) Report(rec Record) {
	select {
	case s.records <- rec:
	default:
	}
}

// Start runs the writer loop until ctx is cancelled, flushing and closing
// the current file on shutdown.
func (s *FileSink) Start(ctx context.Context, fileChan chan<- string) error {
	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return fmt.Errorf("create diagnostics directory: %w", err)
	}

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.records:
			if err := s.write(rec); err != nil {
				log.Printf("Error writing diagnostics record: %v", err)
			}

		case <-ticker.C:
			s.checkRotation(fileChan)

		case <-ctx.Done():
			log.Println("Diagnostics sink shutting down, flushing...")
			s.closeCurrent(fileChan)
			return ctx.Err()
		}
	}
}

func (s *FileSink) write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.openLocked(); err != nil {
			return fmt.Errorf("open diagnostics file: %w", err)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	n, err := s.writer.Write(data)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	s.bytesWritten += int64(n)
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	s.bytesWritten++
	return nil
}

func (s *FileSink) openLocked() error {
	timestamp := time.Now().UTC().Format("20060102_1504")
	s.filename = fmt.Sprintf("diag_%s.jsonl", timestamp)

	file, err := os.Create(filepath.Join(s.outputDir, s.filename))
	if err != nil {
		return err
	}
	log.Printf("Created new diagnostics file: %s", s.filename)

	s.file = file
	s.writer = bufio.NewWriter(file)
	s.createdAt = time.Now()
	s.bytesWritten = 0
	return nil
}

func (s *FileSink) checkRotation(fileChan chan<- string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return
	}

	rotate := false
	if s.rotateMinutes > 0 && time.Since(s.createdAt).Minutes() >= float64(s.rotateMinutes) {
		rotate = true
		log.Printf("Rotating diagnostics file %s (time limit)", s.filename)
	}
	if s.rotateMegabytes > 0 && s.bytesWritten >= s.rotateMegabytes {
		rotate = true
		log.Printf("Rotating diagnostics file %s (size limit)", s.filename)
	}
	if rotate {
		s.closeLocked(fileChan)
	}
}

func (s *FileSink) closeCurrent(fileChan chan<- string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(fileChan)
}

func (s *FileSink) closeLocked(fileChan chan<- string) {
	if s.file == nil {
		return
	}
	if err := s.writer.Flush(); err != nil {
		log.Printf("Error flushing diagnostics writer: %v", err)
	}
	if err := s.file.Close(); err != nil {
		log.Printf("Error closing diagnostics file: %v", err)
	}

	path := filepath.Join(s.outputDir, s.filename)
	if fileChan != nil {
		select {
		case fileChan <- path:
			log.Printf("Queued diagnostics file for upload: %s", s.filename)
		default:
			log.Printf("Warning: upload queue full, diagnostics file left on disk: %s", s.filename)
		}
	}

	s.file = nil
	s.writer = nil
	s.filename = ""
}
