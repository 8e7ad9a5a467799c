package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileOperations defines the file access used by configuration loading.
type FileOperations interface {
	IsFileExists(filePath string) (bool, error)
	ReadYamlFile(filePath string, v any) error
	WriteYamlFile(filePath string, data any) error
	WriteJsonFile(filePath string, data any) error
}

// FileService implements FileOperations on the local filesystem.
type FileService struct{}

// NewFileService creates a new instance of FileService.
func NewFileService() *FileService {
	return &FileService{}
}

// IsFileExists checks if the file exists.
func (fs *FileService) IsFileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return false, nil
	}

	// checking err == nil because of permission related error
	return err == nil, err
}

// ReadYamlFile reads and unmarshals YAML data from the given file. Fields
// absent from the file keep the values already present in v.
func (fs *FileService) ReadYamlFile(filePath string, v any) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", filePath, err)
	}
	return nil
}

// WriteYamlFile marshals data as YAML and replaces the file atomically.
func (fs *FileService) WriteYamlFile(filePath string, data any) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	return writeAtomic(filePath, out)
}

// WriteJsonFile marshals data as indented JSON and replaces the file atomically.
func (fs *FileService) WriteJsonFile(filePath string, data any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filePath, out)
}

func writeAtomic(filePath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filePath)
}
