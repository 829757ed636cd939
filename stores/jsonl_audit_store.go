package stores

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/oarkflow/pbac"
)

// JSONLAuditStore appends one JSON object per line and answers queries by a
// linear scan of the file. Each append is fsynced before it is acknowledged.
type JSONLAuditStore struct {
	path string
	mu   sync.Mutex
	f    *os.File
	// torn is set while the file does not end in a newline
	torn bool
}

// NewJSONLAuditStore creates or opens path; missing directories are created.
func NewJSONLAuditStore(path string) (*JSONLAuditStore, error) {
	if path == "" {
		return nil, pbac.NewValidationError("path", "audit file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	torn, err := endsMidLine(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &JSONLAuditStore{path: path, f: f, torn: torn}, nil
}

// endsMidLine reports whether a non-empty file lacks a trailing newline.
func endsMidLine(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return false, err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (s *JSONLAuditStore) Append(ctx context.Context, entry *pbac.AuditEntry) error {
	if entry == nil {
		return pbac.NewValidationError("entry", "entry is nil")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	if s.torn {
		data = append([]byte{'\n'}, data...)
	}
	st, err := s.f.Stat()
	if err != nil {
		return err
	}
	if _, err := s.f.Write(data); err != nil {
		// drop the partial line so the next entry starts clean
		if terr := s.f.Truncate(st.Size()); terr != nil {
			s.torn = true
		}
		return err
	}
	s.torn = false
	return s.f.Sync()
}

// scan calls fn for every decodable line in file order.
func (s *JSONLAuditStore) scan(fn func(*pbac.AuditEntry)) error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e pbac.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// a torn final line from a crash is skipped
			continue
		}
		fn(&e)
	}
	return sc.Err()
}

func (s *JSONLAuditStore) Query(ctx context.Context, filter pbac.AuditFilter) ([]*pbac.AuditEntry, error) {
	var matched []*pbac.AuditEntry
	err := s.scan(func(e *pbac.AuditEntry) {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]*pbac.AuditEntry, 0, len(matched))
	for i := len(matched) - 1; i >= 0; i-- {
		out = append(out, matched[i])
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *JSONLAuditStore) LastSeq(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.scan(func(e *pbac.AuditEntry) {
		if e.Seq > last {
			last = e.Seq
		}
	})
	return last, err
}

// Close closes the underlying file.
func (s *JSONLAuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
