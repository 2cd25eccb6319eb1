package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// jsonLines appends one JSON document per line to a file, creating parent
// directories on open. Writes are serialized.
type jsonLines struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

func openJSONLines(path string) (*jsonLines, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &jsonLines{path: path, file: file, enc: json.NewEncoder(file)}, nil
}

func (j *jsonLines) write(docs ...interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, doc := range docs {
		if err := j.enc.Encode(doc); err != nil {
			return err
		}
	}
	return nil
}

func (j *jsonLines) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// replaceFile atomically swaps path for an indented JSON rendering of doc
func replaceFile(path string, doc interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
