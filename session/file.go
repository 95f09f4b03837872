package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/m4xw311/claude-acp/errors"
)

// FileStore persists each session as an append-only JSONL file in a
// directory. The first record holds the session info, every following
// record one message.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

type fileRecord struct {
	Type    string   `json:"type"`
	Info    *Info    `json:"session,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// NewFileStore creates dir if needed and returns a store writing into it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create session directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", errors.New("invalid session id %q", id)
	}
	return filepath.Join(f.dir, id+".jsonl"), nil
}

func (f *FileStore) Create(_ context.Context, info Info) error {
	path, err := f.path(info.ID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return errors.New("session %s already exists", info.ID)
	}
	return appendRecord(path, fileRecord{Type: "session", Info: &info})
}

func (f *FileStore) Append(_ context.Context, id string, msg Message) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
	}
	return appendRecord(path, fileRecord{Type: "message", Message: &msg})
}

func (f *FileStore) Load(_ context.Context, id string) (Info, []Message, error) {
	path, err := f.path(id)
	if err != nil {
		return Info{}, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return readFile(path)
}

func (f *FileStore) List(_ context.Context) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session directory")
	}
	var infos []Info
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, msgs, err := readFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue
		}
		info.Messages = len(msgs)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

func appendRecord(path string, rec fileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize session record: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("could not open session file %s: %w", path, err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		file.Close()
		return fmt.Errorf("could not write session file %s: %w", path, err)
	}
	return file.Close()
}

func readFile(path string) (Info, []Message, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return Info{}, nil, errors.Wrapf(errors.ErrSessionNotFound, "no session file %s", path)
	}
	if err != nil {
		return Info{}, nil, fmt.Errorf("could not read session file %s: %w", path, err)
	}
	defer file.Close()

	var (
		info     Info
		messages []Message
		seenInfo bool
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return Info{}, nil, fmt.Errorf("could not parse session file %s: %w", path, err)
		}
		switch rec.Type {
		case "session":
			if rec.Info != nil {
				info = *rec.Info
				seenInfo = true
			}
		case "message":
			if rec.Message != nil {
				messages = append(messages, *rec.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Info{}, nil, fmt.Errorf("could not read session file %s: %w", path, err)
	}
	if !seenInfo {
		return Info{}, nil, errors.New("session file %s has no header", path)
	}
	return info, messages, nil
}
