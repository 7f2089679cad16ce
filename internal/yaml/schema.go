package yaml

import (
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// State file types the daemon persists.
const (
	FileTypePipelineLocks  = "state_pipeline_locks"
	FileTypePipelinePauses = "state_pipeline_pauses"
)

var knownFileTypes = []string{FileTypePipelineLocks, FileTypePipelinePauses}

// SchemaHeader leads every state file. Embed it inline in the file's struct.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

func knownFileType(fileType string) bool {
	for _, t := range knownFileTypes {
		if t == fileType {
			return true
		}
	}
	return false
}

// Check reports whether h describes a readable file of fileType. An empty
// fileType accepts any known type.
func (h SchemaHeader) Check(fileType string) error {
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("schema_version %d is newer than supported %d", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return fmt.Errorf("missing file_type")
	case !knownFileType(h.FileType):
		return fmt.Errorf("unknown file_type %q", h.FileType)
	case fileType != "" && h.FileType != fileType:
		return fmt.Errorf("file_type is %q, want %q", h.FileType, fileType)
	}
	return nil
}

// CheckHeader parses only the header of content and checks it.
func CheckHeader(content []byte, fileType string) error {
	var h SchemaHeader
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	return h.Check(fileType)
}
