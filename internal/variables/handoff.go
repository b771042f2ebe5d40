package variables

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"cellrun/cli/internal/notebook"
)

// HandoffVersion is the only handoff schema version this build reads and writes.
const HandoffVersion = 1

// HandoffFileName is the file the script host writes inside the session temp dir.
const HandoffFileName = "variables.out.json"

// ErrNoHandoff is returned by ReadHandoff when the subprocess wrote nothing.
var ErrNoHandoff = errors.New("no handoff file")

// Handoff is the document a script subprocess writes on exit.
type Handoff struct {
	Version     int         `json:"version"`
	Variables   *Store      `json:"variables"`
	SideChannel SideChannel `json:"sideChannel"`
}

// SideChannel holds the structured outputs a script produced besides variables.
type SideChannel struct {
	Table       *notebook.Table         `json:"table,omitempty"`
	HTTP        []notebook.HTTPExchange `json:"http,omitempty"`
	CellUpdates []notebook.CellUpdate   `json:"cellUpdates,omitempty"`
}

// Empty reports whether nothing was produced.
func (sc SideChannel) Empty() bool {
	return sc.Table == nil && len(sc.HTTP) == 0 && len(sc.CellUpdates) == 0
}

// EncodeHandoff serializes a handoff at the current version.
func EncodeHandoff(vars *Store, side SideChannel) ([]byte, error) {
	if vars == nil {
		vars = New()
	}
	return json.Marshal(Handoff{Version: HandoffVersion, Variables: vars, SideChannel: side})
}

// WriteHandoff writes the handoff atomically to path.
func WriteHandoff(path string, vars *Store, side SideChannel) error {
	data, err := EncodeHandoff(vars, side)
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".handoff-*")
	if err != nil {
		return fmt.Errorf("write handoff: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write handoff: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write handoff: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write handoff: %w", err)
	}
	return nil
}

// DecodeHandoff parses and validates a handoff document. Any deviation from the
// schema is an error so that callers leave their store untouched.
func DecodeHandoff(data []byte) (*Handoff, error) {
	var envelope struct {
		Version     *int            `json:"version"`
		Variables   json.RawMessage `json:"variables"`
		SideChannel json.RawMessage `json:"sideChannel"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed handoff: %w", err)
	}
	if envelope.Version == nil {
		return nil, fmt.Errorf("malformed handoff: missing version")
	}
	if *envelope.Version != HandoffVersion {
		return nil, fmt.Errorf("unsupported handoff version %d (want %d)", *envelope.Version, HandoffVersion)
	}
	h := &Handoff{Version: HandoffVersion, Variables: New()}
	if len(envelope.Variables) > 0 && string(envelope.Variables) != "null" {
		vars, err := ParseObject(envelope.Variables)
		if err != nil {
			return nil, fmt.Errorf("malformed handoff variables: %w", err)
		}
		h.Variables = vars
	}
	if len(envelope.SideChannel) > 0 && string(envelope.SideChannel) != "null" {
		if err := json.Unmarshal(envelope.SideChannel, &h.SideChannel); err != nil {
			return nil, fmt.Errorf("malformed handoff side channel: %w", err)
		}
	}
	return h, nil
}

// ReadHandoff loads the handoff at path. A missing file yields ErrNoHandoff.
func ReadHandoff(path string) (*Handoff, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoHandoff
	}
	if err != nil {
		return nil, fmt.Errorf("read handoff: %w", err)
	}
	return DecodeHandoff(data)
}
